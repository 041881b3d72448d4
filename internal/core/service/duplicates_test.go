package service

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrash/smetrics"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

func TestDetectDuplicates(t *testing.T) {
	items := []domain.CatalogItem{
		{ID: "a", SKU: "SKU-1", MPN: "X100", Brand: "Acme", Title: "Acme X100 Drill"},
		{ID: "b", SKU: "sku-1", MPN: "X100", Brand: "ACME", Title: "Acme X100 Drill"},
		{ID: "c", SKU: "SKU-3", MPN: "x100", Brand: "acme!", Title: "Cordless drill"},
		{ID: "d", SKU: "SKU-4", Title: "Acme X100 Drill Kit"},
		{ID: "e", SKU: "SKU-5", Title: "Garden hose 20m"},
	}

	matches := DetectDuplicates(items, 0.9, 100)

	byPair := make(map[string]domain.DuplicateMatch)
	for _, m := range matches {
		byPair[m.IDA+m.IDB] = m
	}

	t.Run("sku wins over other match types", func(t *testing.T) {
		require.Contains(t, byPair, "ab")
		assert.Equal(t, domain.MatchSKU, byPair["ab"].MatchType)
		assert.Equal(t, domain.ScoreSKU, byPair["ab"].Score)
	})

	t.Run("mpn and brand", func(t *testing.T) {
		require.Contains(t, byPair, "ac")
		assert.Equal(t, domain.MatchMPNBrand, byPair["ac"].MatchType)
		assert.Equal(t, domain.ScoreMPNBrand, byPair["ac"].Score)
		require.Contains(t, byPair, "bc")
	})

	t.Run("fuzzy title", func(t *testing.T) {
		require.Contains(t, byPair, "ad")
		assert.Equal(t, domain.MatchFuzzyName, byPair["ad"].MatchType)
		assert.GreaterOrEqual(t, byPair["ad"].Score, 0.9)
		assert.Less(t, byPair["ad"].Score, 1.0)
	})

	t.Run("unrelated items are not matched", func(t *testing.T) {
		for _, m := range matches {
			assert.NotEqual(t, "e", m.IDA)
			assert.NotEqual(t, "e", m.IDB)
		}
	})

	t.Run("sorted by score", func(t *testing.T) {
		for i := 1; i < len(matches); i++ {
			assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
		}
		assert.Equal(t, "a", matches[0].IDA)
		assert.Equal(t, "b", matches[0].IDB)
	})
}

func TestDetectDuplicates_Limit(t *testing.T) {
	items := make([]domain.CatalogItem, 20)
	for i := range items {
		items[i] = domain.CatalogItem{ID: fmt.Sprintf("item-%02d", i), SKU: "SAME"}
	}

	matches := DetectDuplicates(items, 1, 100)
	assert.Len(t, matches, 100)
	assert.Equal(t, "item-00", matches[0].IDA)
	assert.Equal(t, "item-01", matches[0].IDB)
}

func TestDetectDuplicates_LargeCatalogZeroFloor(t *testing.T) {
	words := []string{"drill", "saw", "hammer", "cordless", "pro", "kit", "set", "bosch", "makita", "18v"}
	items := make([]domain.CatalogItem, 400)
	for i := range items {
		items[i] = domain.CatalogItem{
			ID:    fmt.Sprintf("item-%03d", i),
			Title: fmt.Sprintf("%s %s %s %d", words[i%10], words[(i/10)%10], words[(i/7)%10], i%13),
		}
	}

	var all []domain.DuplicateMatch
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			score := smetrics.JaroWinkler(normalize(items[i].Title), normalize(items[j].Title), jaroWinklerBoost, jaroWinklerPrefix)
			all = append(all, domain.DuplicateMatch{IDA: items[i].ID, IDB: items[j].ID, MatchType: domain.MatchFuzzyName, Score: score})
		}
	}
	sort.Slice(all, func(i, j int) bool { return ranksBefore(all[i], all[j]) })

	matches := DetectDuplicates(items, 0, 100)
	require.Len(t, matches, 100)
	assert.Equal(t, all[:100], matches)
}

func TestTopMatches_Bounded(t *testing.T) {
	top := &topMatches{limit: 5}
	for i := 0; i < 1000; i++ {
		top.offer(domain.DuplicateMatch{IDA: fmt.Sprintf("a%04d", i), IDB: "b", Score: float64(i%100) / 100})
		require.LessOrEqual(t, top.Len(), 5)
	}

	out := top.sorted()
	require.Len(t, out, 5)
	for _, m := range out {
		assert.Equal(t, 0.99, m.Score)
	}
	assert.Equal(t, "a0099", out[0].IDA)
	assert.False(t, top.admits(0.5))
	assert.True(t, top.admits(0.99))
}

func TestDetectDuplicates_MPNPairKeepsStrongerTitleMatch(t *testing.T) {
	items := []domain.CatalogItem{
		{ID: "a", MPN: "X1", Brand: "Acme", Title: "Acme X1 hammer"},
		{ID: "b", MPN: "X1", Brand: "Acme", Title: "Acme X1 hammer"},
		{ID: "c", MPN: "X1", Brand: "Acme", Title: "Rubber mallet"},
	}

	matches := DetectDuplicates(items, 0.5, 100)
	require.Len(t, matches, 3)
	assert.Equal(t, domain.MatchFuzzyName, matches[0].MatchType)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Equal(t, domain.MatchMPNBrand, matches[1].MatchType)
	assert.Equal(t, domain.MatchMPNBrand, matches[2].MatchType)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "acme x100 drill", normalize("  ACME  x100, Drill "))
	assert.Equal(t, "acme x 100", normalize("Acme X-100"))
	assert.Equal(t, "", normalize("--"))
}
