package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

type ImportRow struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type ImportStatus string

const (
	ImportApplied   ImportStatus = "applied"
	ImportUnchanged ImportStatus = "unchanged"
	ImportReplayed  ImportStatus = "replayed"
	ImportFailed    ImportStatus = "error"
)

type ImportResult struct {
	ItemID string       `json:"item_id"`
	Status ImportStatus `json:"status"`
	Change int          `json:"change,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// ImportService applies absolute stock snapshots, e.g. spreadsheet exports
// from the listing system. Each row is its own transaction.
type ImportService struct {
	ledger *LedgerService
	policy retry.Policy
	log    logrus.FieldLogger
}

func NewImportService(ledger *LedgerService, policy retry.Policy, log logrus.FieldLogger) *ImportService {
	return &ImportService{ledger: ledger, policy: policy, log: log}
}

func (s *ImportService) ImportQuantities(ctx context.Context, batchID string, rows []ImportRow) ([]ImportResult, error) {
	if batchID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "batch id is required")
	}

	results := make([]ImportResult, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		var res *MutationResult
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = s.ledger.SetQuantity(ctx, SetQuantityRequest{
				ItemID:          row.ItemID,
				Quantity:        row.Quantity,
				Type:            domain.EventBulkImport,
				Reason:          "bulk snapshot import",
				IdempotencyKey:  domain.ImportKey(batchID, row.ItemID),
				SourceReference: batchID,
				CreatedBy:       "import",
			})
			return err
		})

		switch {
		case err != nil:
			s.log.WithError(err).WithField("item_id", row.ItemID).Warn("import row failed")
			results = append(results, ImportResult{ItemID: row.ItemID, Status: ImportFailed, Error: err.Error()})
		case res.Replayed:
			results = append(results, ImportResult{ItemID: row.ItemID, Status: ImportReplayed, Change: res.Event.QuantityChange})
		case res.Unchanged:
			results = append(results, ImportResult{ItemID: row.ItemID, Status: ImportUnchanged})
		default:
			results = append(results, ImportResult{ItemID: row.ItemID, Status: ImportApplied, Change: res.Event.QuantityChange})
		}
	}

	return results, nil
}
