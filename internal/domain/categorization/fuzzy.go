package categorization

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/normalizer"
)

// DefaultFuzzyThreshold is the minimum similarity for a fuzzy category hit.
const DefaultFuzzyThreshold = 80

// FuzzyMatchResult is a fuzzy rule hit with its similarity score.
type FuzzyMatchResult struct {
	Pattern    string
	CategoryID uuid.UUID
	RuleID     uuid.UUID
	Score      int // 0-100
	Distance   int // Levenshtein distance
}

// FuzzyMatcher catches near misses the exact matcher cannot, such as
// "MERCADO ENVIO" against a "Mercado Envios" rule.
type FuzzyMatcher struct {
	patterns []fuzzyPattern
	mu       sync.RWMutex
}

type fuzzyPattern struct {
	folded     string
	source     string
	categoryID uuid.UUID
	ruleID     uuid.UUID
	priority   int
}

// NewFuzzyMatcher creates a fuzzy matcher for the given rules
func NewFuzzyMatcher(rules []CategoryRule) *FuzzyMatcher {
	fm := &FuzzyMatcher{}
	fm.Build(rules)
	return fm
}

// Build replaces the patterns of the matcher
func (fm *FuzzyMatcher) Build(rules []CategoryRule) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.patterns = make([]fuzzyPattern, 0, len(rules))
	for _, rule := range rules {
		folded := foldPattern(rule.MatchPattern)
		if folded == "" {
			continue
		}
		fm.patterns = append(fm.patterns, fuzzyPattern{
			folded:     folded,
			source:     rule.MatchPattern,
			categoryID: rule.CategoryID,
			ruleID:     rule.ID,
			priority:   rule.Priority,
		})
	}
}

// Match returns the closest rule scoring at least threshold, or nil.
// Ties go to the higher priority rule.
func (fm *FuzzyMatcher) Match(description string, threshold int) *FuzzyMatchResult {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	folded := normalizer.Fold(description)
	if folded == "" {
		return nil
	}

	var (
		best         *FuzzyMatchResult
		bestPriority int
	)
	for _, p := range fm.patterns {
		score := fuzzyScore(folded, p.folded)
		if score < threshold {
			continue
		}
		if best == nil || score > best.Score || (score == best.Score && p.priority > bestPriority) {
			best = &FuzzyMatchResult{
				Pattern:    p.source,
				CategoryID: p.categoryID,
				RuleID:     p.ruleID,
				Score:      score,
				Distance:   levenshteinDistance(folded, p.folded),
			}
			bestPriority = p.priority
		}
	}
	return best
}

// fuzzyScore rates the similarity of two folded strings from 0 to 100.
// Containment scores 75 and up by length ratio. Otherwise the better of a
// Levenshtein ratio and a subsequence rank is used.
func fuzzyScore(s1, s2 string) int {
	if s1 == s2 {
		return 100
	}
	if strings.Contains(s1, s2) {
		return 75 + (25 * len(s2) / len(s1))
	}
	if strings.Contains(s2, s1) {
		return 75 + (25 * len(s1) / len(s2))
	}

	maxLen := max(len(s1), len(s2))
	if maxLen == 0 {
		return 0
	}
	levenshteinScore := 100 * (maxLen - levenshteinDistance(s1, s2)) / maxLen

	subsequenceScore := 0
	if rank := fuzzy.RankMatch(s2, s1); rank >= 0 && rank < len(s1) {
		subsequenceScore = 60 - (rank * 40 / len(s1))
	}

	return max(levenshteinScore, subsequenceScore)
}

// levenshteinDistance calculates the rune edit distance between two strings
func levenshteinDistance(s1, s2 string) int {
	r1, r2 := []rune(s1), []rune(s2)
	if len(r1) == 0 {
		return len(r2)
	}
	if len(r2) == 0 {
		return len(r1)
	}

	prev := make([]int, len(r2)+1)
	curr := make([]int, len(r2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(r1); i++ {
		curr[0] = i
		for j := 1; j <= len(r2); j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(r2)]
}
