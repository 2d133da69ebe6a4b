// cluster.go groups markets that describe the same underlying event but
// differ in expiry. Two cooperating mechanisms:
//
//  1. Temporal-phrase normalization: strip month names, years,
//     "by end of …" phrases and day-month numerals; equal normalized
//     questions are candidates.
//  2. Term-frequency cosine similarity over the raw questions, for pairs
//     the normalizer misses ("Bitcoin hits 100k" vs "BTC reaches $100k
//     by March"). Vectors are computed lazily and cached per question.
//
// The optional LLM matcher (llm.go) refines candidates further.
package market

import (
	"math"
	"regexp"
	"strings"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

const monthWords = "january|february|march|april|may|june|july|august|september|october|november|december"

var temporalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`by\s+end\s+of\s+(` + monthWords + `)`),
	regexp.MustCompile(`by\s+(the\s+)?end\s+of\s+\d{4}`),
	regexp.MustCompile(`by\s+(` + monthWords + `)(\s+\d{4})?`),
	regexp.MustCompile(`until\s+(the\s+)?end\s+of\s+\d{4}`),
	regexp.MustCompile(`until\s+(` + monthWords + `)(\s+\d{4})?`),
	regexp.MustCompile(`before\s+(` + monthWords + `)(\s+\d{4})?`),
	regexp.MustCompile(`\b\d{1,2}\s+(` + monthWords + `)\b`),
	regexp.MustCompile(`\b(` + monthWords + `)\s+\d{1,2}\b`),
	regexp.MustCompile(`\b\d{4}\b`),
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeQuestion strips temporal phrases so markets about the same
// base event at different horizons collapse to one key.
func NormalizeQuestion(q string) string {
	if q == "" {
		return ""
	}
	s := strings.ToLower(q)
	for _, p := range temporalPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// Clusterer groups markets by underlying event. Not safe for concurrent
// use; each scan owns its own instance or runs single-threaded, matching
// the scan loop's serialization.
type Clusterer struct {
	useEmbeddings bool
	threshold     float64
	vectors       map[string]map[string]float64 // question → cached term vector
}

// NewClusterer builds a clusterer from the calendar detector config.
func NewClusterer(cfg config.CalendarConfig) *Clusterer {
	return &Clusterer{
		useEmbeddings: cfg.UseEmbeddings,
		threshold:     cfg.SimilarityThreshold,
		vectors:       make(map[string]map[string]float64),
	}
}

// Similar reports whether two questions describe the same base event:
// equal normalized forms, or cosine similarity above the threshold when
// embeddings are enabled.
func (c *Clusterer) Similar(q1, q2 string) bool {
	if q1 == "" || q2 == "" {
		return false
	}

	n1, n2 := NormalizeQuestion(q1), NormalizeQuestion(q2)
	if n1 != "" && n1 == n2 {
		return true
	}

	if !c.useEmbeddings {
		return false
	}
	return cosine(c.vector(q1), c.vector(q2)) >= c.threshold
}

// Cluster greedily groups markets whose questions are Similar. Only
// groups of two or more are returned; each group is a candidate set of
// calendar pairs.
func (c *Clusterer) Cluster(markets []types.Market) [][]types.Market {
	var groups [][]types.Market
	used := make([]bool, len(markets))

	for i := range markets {
		if used[i] || markets[i].Question == "" {
			continue
		}
		group := []types.Market{markets[i]}
		used[i] = true

		for j := i + 1; j < len(markets); j++ {
			if used[j] {
				continue
			}
			if c.Similar(markets[i].Question, markets[j].Question) {
				group = append(group, markets[j])
				used[j] = true
			}
		}

		if len(group) >= 2 {
			groups = append(groups, group)
		}
	}
	return groups
}

// vector returns the cached term-frequency vector for a question.
func (c *Clusterer) vector(text string) map[string]float64 {
	if v, ok := c.vectors[text]; ok {
		return v
	}
	v := make(map[string]float64)
	for _, w := range tokenize(text) {
		v[w]++
	}
	c.vectors[text] = v
	return v
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 && !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for w, x := range a {
		na += x * x
		if y, ok := b[w]; ok {
			dot += x * y
		}
	}
	for _, y := range b {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "in": true, "on": true, "at": true,
	"to": true, "for": true, "of": true, "by": true, "will": true, "be": true,
	"is": true, "it": true, "or": true, "and": true,
}

// KeywordOverlap is the fast cross-venue pre-filter: true when the two
// titles share at least minWords meaningful words (length > 3, not stop
// words).
func KeywordOverlap(a, b string, minWords int) bool {
	wordsA := meaningfulWords(a)
	wordsB := meaningfulWords(b)

	overlap := 0
	for w := range wordsA {
		if wordsB[w] {
			overlap++
			if overlap >= minWords {
				return true
			}
		}
	}
	return false
}

func meaningfulWords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?\"'$()")
		if len(w) > 3 && !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
