package categorization

import (
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"
	"github.com/google/uuid"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/normalizer"
)

// MatchResult is one rule hit for a description.
type MatchResult struct {
	Pattern    string    // the rule pattern as stored
	CategoryID uuid.UUID // category to assign
	RuleID     uuid.UUID
	Priority   int
}

// Engine matches descriptions against every tenant rule in a single pass
// using the Aho-Corasick algorithm. Matching is case and accent insensitive.
type Engine struct {
	matcher  *ahocorasick.Matcher
	patterns []string        // unique folded patterns, same order as matcher
	metadata [][]MatchResult // rules sharing a folded pattern
	mu       sync.RWMutex
}

// NewEngine creates an engine for the given rules
func NewEngine(rules []CategoryRule) *Engine {
	e := &Engine{}
	e.Build(rules)
	return e
}

// Build rebuilds the matcher. Rules whose patterns fold to the same text
// are grouped under one matcher entry.
func (e *Engine) Build(rules []CategoryRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	patternToIndex := make(map[string]int, len(rules))
	patterns := make([]string, 0, len(rules))
	metadata := make([][]MatchResult, 0, len(rules))

	for _, rule := range rules {
		folded := foldPattern(rule.MatchPattern)
		if folded == "" {
			continue
		}
		result := MatchResult{
			Pattern:    rule.MatchPattern,
			CategoryID: rule.CategoryID,
			RuleID:     rule.ID,
			Priority:   rule.Priority,
		}
		if idx, ok := patternToIndex[folded]; ok {
			metadata[idx] = append(metadata[idx], result)
			continue
		}
		patternToIndex[folded] = len(patterns)
		patterns = append(patterns, folded)
		metadata = append(metadata, []MatchResult{result})
	}

	e.patterns = patterns
	e.metadata = metadata
	e.matcher = nil
	if len(patterns) > 0 {
		e.matcher = ahocorasick.NewStringMatcher(patterns)
	}
}

// Match returns the highest priority rule found in text, or nil.
// Among equal priorities the longer pattern wins.
func (e *Engine) Match(text string) *MatchResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.match(text)
}

// MatchBatch matches many descriptions under one read lock.
func (e *Engine) MatchBatch(texts []string) []*MatchResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]*MatchResult, len(texts))
	for i, text := range texts {
		results[i] = e.match(text)
	}
	return results
}

func (e *Engine) match(text string) *MatchResult {
	if e.matcher == nil {
		return nil
	}
	hits := e.matcher.Match([]byte(normalizer.Fold(text)))

	var (
		best    *MatchResult
		bestLen int
	)
	for _, idx := range hits {
		if idx < 0 || idx >= len(e.metadata) {
			continue
		}
		for i := range e.metadata[idx] {
			m := e.metadata[idx][i]
			plen := len(e.patterns[idx])
			if best == nil || m.Priority > best.Priority || (m.Priority == best.Priority && plen > bestLen) {
				best, bestLen = &m, plen
			}
		}
	}
	return best
}

// foldPattern strips SQL LIKE wildcards and folds case and accents.
func foldPattern(pattern string) string {
	return normalizer.Fold(strings.Trim(pattern, "% "))
}
