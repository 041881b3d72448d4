package domain

// CatalogItem is the slice of a listing the duplicate detector reads. The
// listing system owns these rows.
type CatalogItem struct {
	ID    string `db:"id" json:"id"`
	SKU   string `db:"sku" json:"sku"`
	MPN   string `db:"mpn" json:"mpn"`
	Brand string `db:"brand" json:"brand"`
	Title string `db:"title" json:"title"`
}

type MatchType string

const (
	MatchSKU       MatchType = "sku"
	MatchMPNBrand  MatchType = "mpn_brand"
	MatchFuzzyName MatchType = "fuzzy_title"
)

const (
	ScoreSKU      = 1.0
	ScoreMPNBrand = 0.95
)

type DuplicateMatch struct {
	IDA       string    `json:"id_a"`
	IDB       string    `json:"id_b"`
	MatchType MatchType `json:"match_type"`
	Score     float64   `json:"score"`
}
