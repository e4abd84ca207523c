// Package parser turns marketplace reports into normalized transactions.
//
// Each sales channel has its own parser. Reports from unknown channels go
// through a generic column mapper that guesses fields from header names.
package parser

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/sniffer"
)

// Direction is the ledger side of a transaction.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// DateLayout is the ISO layout used for every parsed transaction date.
const DateLayout = "2006-01-02"

// maxSamples caps the parse error samples kept in Statistics.
const maxSamples = 20

// LineItem is a product sold inside a transaction.
type LineItem struct {
	SKU         string
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// ParsedTransaction is one normalized marketplace transaction.
// Monetary values are non-negative; Direction carries the sign.
type ParsedTransaction struct {
	Channel           Channel
	Date              string // YYYY-MM-DD
	OrderID           string // empty when the report has no order reference
	Type              string
	Description       string
	Gross             decimal.Decimal
	Fees              decimal.Decimal
	Taxes             decimal.Decimal
	OtherDeductions   decimal.Decimal
	Net               decimal.Decimal
	Direction         Direction
	ExternalReference string
	Items             []LineItem
	SourceRow         int
}

// ParseError describes a row that could not be turned into a transaction
type ParseError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d, field %s: %s", e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// Statistics summarises how the rows of a report were handled.
type Statistics struct {
	TotalRows     int          `json:"total_rows"`
	Generated     int          `json:"generated"`
	EmptyRows     int          `json:"empty_rows"`
	DiscardedRows int          `json:"discarded_rows"`
	ZeroNetRows   int          `json:"zero_net_rows"`
	Samples       []ParseError `json:"samples,omitempty"`
}

func (s *Statistics) discard(e ParseError) {
	s.DiscardedRows++
	if len(s.Samples) < maxSamples {
		s.Samples = append(s.Samples, e)
	}
}

// Batch is the output of parsing one report.
type Batch struct {
	Channel      Channel
	Kind         sniffer.FileKind
	Transactions []ParsedTransaction
	Stats        Statistics
}
