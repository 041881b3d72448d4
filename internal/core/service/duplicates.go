package service

import (
	"container/heap"
	"sort"
	"strings"
	"unicode"

	"github.com/xrash/smetrics"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

const (
	jaroWinklerBoost  = 0.7
	jaroWinklerPrefix = 4
)

// DetectDuplicates scores item pairs by exact SKU, exact MPN with brand, then
// fuzzy title similarity at or above floor. Each pair keeps its best match and
// at most limit matches are held at any time.
func DetectDuplicates(items []domain.CatalogItem, floor float64, limit int) []domain.DuplicateMatch {
	top := &topMatches{limit: limit}
	consider := func(a, b string, matchType domain.MatchType, score float64) {
		if a == b {
			return
		}
		if a > b {
			a, b = b, a
		}
		top.offer(domain.DuplicateMatch{IDA: a, IDB: b, MatchType: matchType, Score: score})
	}

	skus := make([]string, len(items))
	parts := make([]string, len(items))
	bySKU := make(map[string][]int)
	byPart := make(map[string][]int)
	for i, item := range items {
		if sku := exactKey(item.SKU); sku != "" {
			skus[i] = sku
			bySKU[sku] = append(bySKU[sku], i)
		}
		mpn, brand := exactKey(item.MPN), normalize(item.Brand)
		if mpn != "" && brand != "" {
			parts[i] = mpn + "|" + brand
			byPart[parts[i]] = append(byPart[parts[i]], i)
		}
	}
	sameSKU := func(i, j int) bool { return skus[i] != "" && skus[i] == skus[j] }
	samePart := func(i, j int) bool { return parts[i] != "" && parts[i] == parts[j] }

	titles := make([]string, len(items))
	for i, item := range items {
		titles[i] = normalize(item.Title)
	}
	titleScore := func(i, j int) float64 {
		if titles[i] == "" || titles[j] == "" {
			return 0
		}
		return smetrics.JaroWinkler(titles[i], titles[j], jaroWinklerBoost, jaroWinklerPrefix)
	}

	// A pair is offered once, under its strongest match type.
	for _, idx := range bySKU {
		eachPair(idx, func(i, j int) { consider(items[i].ID, items[j].ID, domain.MatchSKU, domain.ScoreSKU) })
	}
	for _, idx := range byPart {
		eachPair(idx, func(i, j int) {
			if sameSKU(i, j) {
				return
			}
			if score := titleScore(i, j); score > domain.ScoreMPNBrand && score >= floor {
				consider(items[i].ID, items[j].ID, domain.MatchFuzzyName, score)
				return
			}
			consider(items[i].ID, items[j].ID, domain.MatchMPNBrand, domain.ScoreMPNBrand)
		})
	}

	for i := 0; i < len(items); i++ {
		if titles[i] == "" {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if titles[j] == "" || sameSKU(i, j) || samePart(i, j) {
				continue
			}
			if score := titleScore(i, j); score >= floor && top.admits(score) {
				consider(items[i].ID, items[j].ID, domain.MatchFuzzyName, score)
			}
		}
	}

	return top.sorted()
}

// ranksBefore orders matches by score, then by ids for stable output.
func ranksBefore(a, b domain.DuplicateMatch) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.IDA != b.IDA {
		return a.IDA < b.IDA
	}
	return a.IDB < b.IDB
}

// topMatches keeps the best limit matches in a heap with the weakest at the
// root. A non-positive limit keeps everything.
type topMatches struct {
	limit   int
	matches []domain.DuplicateMatch
}

func (t *topMatches) Len() int           { return len(t.matches) }
func (t *topMatches) Less(i, j int) bool { return ranksBefore(t.matches[j], t.matches[i]) }
func (t *topMatches) Swap(i, j int)      { t.matches[i], t.matches[j] = t.matches[j], t.matches[i] }

func (t *topMatches) Push(x interface{}) {
	t.matches = append(t.matches, x.(domain.DuplicateMatch))
}

func (t *topMatches) Pop() interface{} {
	last := t.matches[len(t.matches)-1]
	t.matches = t.matches[:len(t.matches)-1]
	return last
}

func (t *topMatches) full() bool {
	return t.limit > 0 && len(t.matches) >= t.limit
}

// admits is a cheap pre-check: a score below the weakest kept match can never
// enter a full heap.
func (t *topMatches) admits(score float64) bool {
	return !t.full() || score >= t.matches[0].Score
}

func (t *topMatches) offer(m domain.DuplicateMatch) {
	if !t.full() {
		heap.Push(t, m)
		return
	}
	if ranksBefore(m, t.matches[0]) {
		t.matches[0] = m
		heap.Fix(t, 0)
	}
}

func (t *topMatches) sorted() []domain.DuplicateMatch {
	out := make([]domain.DuplicateMatch, len(t.matches))
	copy(out, t.matches)
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	return out
}

func eachPair(ids []int, fn func(i, j int)) {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			fn(ids[i], ids[j])
		}
	}
}

// exactKey only ignores case and surrounding whitespace.
func exactKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalize lowercases and collapses everything that is not a letter or digit.
func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
