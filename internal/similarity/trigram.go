// Package similarity provides trigram-based fuzzy name matching.
package similarity

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultThreshold is the minimum Jaccard score for a fuzzy match.
const DefaultThreshold = 0.3

// normalize lower-cases s one rune at a time, so the rune count never grows.
func normalize(s string) string {
	return strings.Map(unicode.ToLower, s)
}

// Trigrams returns the set of 3-rune windows of s padded with two leading
// spaces and one trailing space. Empty input yields an empty set.
func Trigrams(s string) map[string]struct{} {
	s = normalize(s)
	set := make(map[string]struct{})
	if s == "" {
		return set
	}

	runes := []rune("  " + s + " ")
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// Similarity returns the Jaccard index of the trigram sets of a and b.
// It is symmetric and returns 0 when both sets are empty.
func Similarity(a, b string) float64 {
	ta := Trigrams(a)
	tb := Trigrams(b)

	// Iterate the smaller set.
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}

	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}

	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// Matcher decides whether a candidate name matches a query.
type Matcher struct {
	Threshold float64
}

// NewMatcher creates a Matcher, falling back to DefaultThreshold for non-positive values.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{Threshold: threshold}
}

// Contains reports a case-insensitive substring match.
func Contains(candidate, query string) bool {
	return strings.Contains(normalize(candidate), normalize(query))
}

// Match reports a substring match or, failing that, a similarity at or above the threshold.
func (m *Matcher) Match(query, candidate string) bool {
	if Contains(candidate, query) {
		return true
	}
	return Similarity(query, candidate) >= m.Threshold
}

// Scored pairs a candidate index with its similarity score.
type Scored struct {
	Index int
	Score float64
}

// Rank returns the indexes of candidates whose score reaches the threshold,
// best first. Ties keep their original order.
func (m *Matcher) Rank(query string, candidates []string) []Scored {
	var ranked []Scored
	for i, c := range candidates {
		score := Similarity(query, c)
		if Contains(c, query) {
			score = 1
		}
		if score >= m.Threshold {
			ranked = append(ranked, Scored{Index: i, Score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}
