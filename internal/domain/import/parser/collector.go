package parser

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/normalizer"
)

// draft is a transaction as read from the report, before row rules apply.
type draft struct {
	row         int
	date        string
	orderID     string
	txType      string
	description string
	gross       decimal.Decimal
	fees        decimal.Decimal
	taxes       decimal.Decimal
	other       decimal.Decimal
	net         decimal.Decimal
	netKnown    bool
	direction   Direction // empty means infer
	items       []LineItem
}

func (d draft) empty() bool {
	return strings.TrimSpace(d.date) == "" &&
		strings.TrimSpace(d.description) == "" &&
		d.gross.IsZero() && d.fees.IsZero() && d.taxes.IsZero() &&
		d.other.IsZero() && d.net.IsZero()
}

// collector applies the shared row rules and accumulates a batch.
type collector struct {
	classifier *normalizer.DeductionClassifier
	batch      *Batch
}

func newCollector(channel Channel, sheet *Sheet, classifier *normalizer.DeductionClassifier) *collector {
	return &collector{
		classifier: classifier,
		batch: &Batch{
			Channel:      channel,
			Kind:         sheet.Kind,
			Transactions: make([]ParsedTransaction, 0, len(sheet.Rows)),
		},
	}
}

// countRows records rows read from the source.
func (c *collector) countRows(n int) {
	c.batch.Stats.TotalRows += n
}

// add applies the row rules: fully empty rows are skipped, rows without a
// readable date are discarded and sampled, zero-net rows are kept but counted.
func (c *collector) add(d draft) {
	if d.empty() {
		c.batch.Stats.EmptyRows++
		return
	}

	date, ok := parseDate(d.date)
	if !ok {
		msg := "unrecognized date"
		if strings.TrimSpace(d.date) == "" {
			msg = "missing date"
		}
		c.batch.Stats.discard(ParseError{Row: d.row, Field: "date", Value: d.date, Message: msg})
		return
	}

	description := normalizer.CleanDescription(d.description)
	net := d.net
	if !d.netKnown {
		net = d.gross.Abs().Sub(d.fees.Abs()).Sub(d.taxes.Abs()).Sub(d.other.Abs())
	}

	direction := d.direction
	if direction == "" {
		direction = c.inferDirection(description, d.txType, net)
	}

	if net.IsZero() {
		c.batch.Stats.ZeroNetRows++
	}

	c.batch.Transactions = append(c.batch.Transactions, ParsedTransaction{
		Channel:         c.batch.Channel,
		Date:            date,
		OrderID:         strings.TrimSpace(d.orderID),
		Type:            strings.TrimSpace(d.txType),
		Description:     description,
		Gross:           d.gross.Abs(),
		Fees:            d.fees.Abs(),
		Taxes:           d.taxes.Abs(),
		OtherDeductions: d.other.Abs(),
		Net:             net.Abs(),
		Direction:       direction,
		Items:           d.items,
		SourceRow:       d.row,
	})
	c.batch.Stats.Generated++
}

// inferDirection marks deductions and negative nets as debits.
func (c *collector) inferDirection(description, txType string, net decimal.Decimal) Direction {
	if net.IsNegative() || c.classifier.IsDeduction(description) || c.classifier.IsDeduction(txType) {
		return DirectionDebit
	}
	return DirectionCredit
}

// SignedNet returns the net amount with debits negative.
func (t ParsedTransaction) SignedNet() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Net.Neg()
	}
	return t.Net
}

// directionOf maps a signed net to a direction.
func directionOf(net decimal.Decimal) Direction {
	if net.IsNegative() {
		return DirectionDebit
	}
	return DirectionCredit
}
