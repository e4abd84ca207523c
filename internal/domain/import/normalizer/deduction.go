// Package normalizer classifies marketplace transaction labels.
// deduction.go recognises the labels marketplaces use for money they keep
// (commissions, fees, taxes, shipping charges and discounts).
package normalizer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DeductionKind names the family of a deduction label.
type DeductionKind string

const (
	KindNone       DeductionKind = ""
	KindCommission DeductionKind = "commission"
	KindFee        DeductionKind = "fee"
	KindTax        DeductionKind = "tax"
	KindShipping   DeductionKind = "shipping"
	KindDiscount   DeductionKind = "discount"
)

// DeductionPattern maps a label pattern to its kind.
type DeductionPattern struct {
	Pattern *regexp.Regexp
	Kind    DeductionKind
}

// DeductionClassifier matches descriptions against deduction patterns.
// Patterns are evaluated in order; the first match wins.
type DeductionClassifier struct {
	patterns []DeductionPattern
}

// NewDeductionClassifier creates a classifier with the default pt-BR/en patterns
func NewDeductionClassifier() *DeductionClassifier {
	return &DeductionClassifier{
		patterns: defaultDeductionPatterns(),
	}
}

// Classify returns the deduction kind of a label, or KindNone.
func (c *DeductionClassifier) Classify(label string) DeductionKind {
	folded := Fold(label)
	if folded == "" {
		return KindNone
	}
	for _, p := range c.patterns {
		if p.Pattern.MatchString(folded) {
			return p.Kind
		}
	}
	return KindNone
}

// IsDeduction reports whether the label names money withheld by the marketplace.
func (c *DeductionClassifier) IsDeduction(label string) bool {
	return c.Classify(label) != KindNone
}

// AddPattern appends a custom pattern. The pattern is matched against the
// folded label (upper case, accents removed).
func (c *DeductionClassifier) AddPattern(pattern string, kind DeductionKind) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	c.patterns = append(c.patterns, DeductionPattern{Pattern: re, Kind: kind})
	return nil
}

// Fold upper-cases a label and strips diacritics so "Comissão" and "COMISSAO" compare equal.
func Fold(s string) string {
	decomposed := norm.NFD.String(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// CleanDescription collapses internal whitespace in a description
func CleanDescription(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func defaultDeductionPatterns() []DeductionPattern {
	return []DeductionPattern{
		{regexp.MustCompile(`\bCOMISS(AO|OES)\b|\bCOMMISSION`), KindCommission},
		{regexp.MustCompile(`\bIMPOSTOS?\b|\bTRIBUT|\bICMS\b|\bDIFAL\b|\bTAX(ES)?\b|\bVAT\b`), KindTax},
		{regexp.MustCompile(`\bFRETES?\b|\bENVIOS?\b|\bSHIPPING\b|\bFBA\b`), KindShipping},
		{regexp.MustCompile(`\bTARIFAS?\b|\bTAXAS?\b|\bFEES?\b|\bCUSTO\b|\bMENSALIDADE\b`), KindFee},
		{regexp.MustCompile(`\bDESCONTOS?\b|\bCUPO(M|NS)\b|\bDISCOUNT|\bCOUPON|\bPROMO(CAO)?\b|\bREBATE\b`), KindDiscount},
	}
}
