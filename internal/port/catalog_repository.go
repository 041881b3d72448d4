package port

import (
	"context"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

type CatalogRepository interface {
	// ListCatalogItems returns every active catalog item
	ListCatalogItems(ctx context.Context) ([]domain.CatalogItem, error)
}
