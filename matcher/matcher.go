// Package matcher decides whether a scraped listing names the same physical
// product as a catalog entry. It is pure computation: no I/O, no state
// beyond a normalization cache.
package matcher

import (
	"fmt"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultThreshold is the minimum weighted-Jaccard score that declares a
// match.
const DefaultThreshold = 0.75

// minEANDigits guards against truncated trade numbers matching by accident.
const minEANDigits = 8

// tokenCacheSize bounds the normalization cache. Catalog names repeat for
// every listing in a batch, so the hit rate is high even for small sizes.
const tokenCacheSize = 4096

// Matcher scores scraped listings against catalog products using a
// weighted Jaccard similarity over normalized name tokens.
type Matcher struct {
	vocab     *Vocabulary
	threshold float64
	cache     *lru.Cache[string, map[string]struct{}]
}

// New builds a Matcher around the given vocabulary. A non-positive
// threshold falls back to DefaultThreshold.
func New(vocab *Vocabulary, threshold float64) *Matcher {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	cache, _ := lru.New[string, map[string]struct{}](tokenCacheSize)
	return &Matcher{vocab: vocab, threshold: threshold, cache: cache}
}

// Threshold returns the configured match threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match compares a catalog product against a scraped listing and returns
// the decision, a confidence in [0, 1], and a human-readable reason.
//
// Matching global trade numbers short-circuit everything else. Otherwise
// both names are normalized into weighted token sets and compared; a
// disjoint identity or series declaration on both sides vetoes the match
// regardless of the remaining overlap.
func (m *Matcher) Match(catalogName, catalogEAN, scrapedName, scrapedURL, scrapedEAN string) (bool, float64, string) {
	if dbEAN := digitsOnly(catalogEAN); len(dbEAN) >= minEANDigits && dbEAN == digitsOnly(scrapedEAN) {
		return true, 1.0, fmt.Sprintf("trade number match: %s", dbEAN)
	}

	catalog := m.tokens(catalogName)
	scraped := m.tokens(scrapedName)
	if len(scraped) == 0 && scrapedURL != "" {
		// Some shops bury the product name in the URL slug only.
		scraped = m.tokens(scrapedURL)
	}
	if len(catalog) == 0 || len(scraped) == 0 {
		return false, 0, "no significant tokens"
	}

	if conflict(catalog, scraped, m.vocab.Identity) {
		return false, 0, "identity conflict"
	}
	if seriesConflict(catalog, scraped, m.vocab) {
		return false, 0, "series conflict"
	}

	score := m.weightedJaccard(catalog, scraped)
	return score >= m.threshold, score, fmt.Sprintf("weighted jaccard %.2f", score)
}

// tokens returns the normalized significant token set for a name, consulting
// the LRU cache first. Returned sets must be treated as read-only.
func (m *Matcher) tokens(s string) map[string]struct{} {
	if cached, ok := m.cache.Get(s); ok {
		return cached
	}
	toks := m.normalize(s)
	m.cache.Add(s, toks)
	return toks
}

// normalize strips diacritics, lowercases, splits on non-alphanumeric runs,
// collapses synonyms, removes stop words, and re-injects series tokens.
// Single-character tokens are dropped unless purely numeric.
func (m *Matcher) normalize(s string) map[string]struct{} {
	stripped, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = s
	}
	stripped = strings.ToLower(stripped)

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	out := make(map[string]struct{})
	for _, raw := range strings.Fields(b.String()) {
		t := raw
		if canonical, ok := m.vocab.Synonyms[t]; ok {
			t = canonical
		}
		if len(t) == 1 && !isDigits(t) {
			continue
		}
		if _, stop := m.vocab.StopWords[t]; stop && !m.vocab.seriesAll(t) {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

func (m *Matcher) weightedJaccard(a, b map[string]struct{}) float64 {
	var inter, union float64
	for t := range a {
		w := m.vocab.weight(t)
		union += w
		if _, ok := b[t]; ok {
			inter += w
		}
	}
	for t := range b {
		if _, ok := a[t]; !ok {
			union += m.vocab.weight(t)
		}
	}
	if union == 0 {
		return 0
	}
	return inter / union
}

// conflict reports whether both token sets declare members of vocab set v
// with no member in common.
func conflict(a, b map[string]struct{}, v map[string]struct{}) bool {
	return disjointDeclarations(a, b, func(t string) bool {
		_, ok := v[t]
		return ok
	})
}

func seriesConflict(a, b map[string]struct{}, v *Vocabulary) bool {
	return disjointDeclarations(a, b, v.seriesAll)
}

func disjointDeclarations(a, b map[string]struct{}, member func(string) bool) bool {
	declaredA, declaredB, common := false, false, false
	for t := range a {
		if member(t) {
			declaredA = true
			if _, ok := b[t]; ok {
				common = true
			}
		}
	}
	for t := range b {
		if member(t) {
			declaredB = true
		}
	}
	return declaredA && declaredB && !common
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
