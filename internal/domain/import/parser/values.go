package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var currencyMarks = []string{"R$", "US$", "BRL", "USD", "EUR", "GBP", "$", "€", "£"}

// parseAmount reads a locale-formatted amount ("R$ 1.234,56", "-10.00",
// "(5,00)"). The boolean is false when nothing numeric could be read, in
// which case the amount is zero.
func parseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}
	for _, sym := range currencyMarks {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return decimal.Zero, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// 1,234.56
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		intPart := s[:lastDot]
		if strings.Count(s, ".") > 1 || (len(s)-lastDot-1 == 3 && intPart != "0" && len(intPart) <= 3) {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

// amount is parseAmount without the success flag.
func amount(raw string) decimal.Decimal {
	d, _ := parseAmount(raw)
	return d
}

var (
	yearFirstDate = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})`)
	dayFirstDate  = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{4})`)
	longPtDate    = regexp.MustCompile(`^(\d{1,2})\s+de\s+([a-zç]+)\.?\s+de\s+(\d{4})`)
	serialDate    = regexp.MustCompile(`^\d{5}(\.\d+)?$`)
)

var ptMonths = map[string]time.Month{
	"janeiro": time.January, "jan": time.January,
	"fevereiro": time.February, "fev": time.February,
	"março": time.March, "marco": time.March, "mar": time.March,
	"abril": time.April, "abr": time.April,
	"maio": time.May, "mai": time.May,
	"junho": time.June, "jun": time.June,
	"julho": time.July, "jul": time.July,
	"agosto": time.August, "ago": time.August,
	"setembro": time.September, "set": time.September,
	"outubro": time.October, "out": time.October,
	"novembro": time.November, "nov": time.November,
	"dezembro": time.December, "dez": time.December,
}

// parseDate returns raw as YYYY-MM-DD. The position of the 4-digit year
// decides between year-first and day-first layouts. Long pt-BR dates
// ("15 de novembro de 2024 10:32 hs.") and spreadsheet serial numbers are
// also accepted.
func parseDate(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}

	if m := yearFirstDate.FindStringSubmatch(s); m != nil {
		return isoDate(m[1], m[2], m[3])
	}
	if m := dayFirstDate.FindStringSubmatch(s); m != nil {
		return isoDate(m[3], m[2], m[1])
	}
	if m := longPtDate.FindStringSubmatch(s); m != nil {
		month, ok := ptMonths[m[2]]
		if !ok {
			return "", false
		}
		return isoDate(m[3], strconv.Itoa(int(month)), m[1])
	}
	if serialDate.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 20000 || f > 80000 {
			return "", false
		}
		t, err := excelize.ExcelDateToTime(f, false)
		if err != nil {
			return "", false
		}
		return t.Format(DateLayout), true
	}
	return "", false
}

func isoDate(year, month, day string) (string, bool) {
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		// 31/02 and friends
		return "", false
	}
	return t.Format(DateLayout), true
}

// parseQuantity reads an item count, defaulting to 1.
func parseQuantity(raw string) int {
	q := amount(raw)
	if !q.IsPositive() {
		return 1
	}
	n := int(q.IntPart())
	if n < 1 {
		return 1
	}
	return n
}

// coalesce returns the first non-empty string
func coalesce(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
