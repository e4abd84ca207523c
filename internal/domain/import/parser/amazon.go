package parser

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/normalizer"
)

// amazonRow is one amount line of an Amazon settlement flat file (V2).
// A single order produces several lines, one per amount type.
type amazonRow struct {
	SettlementID      string `csv:"settlement-id"`
	TransactionType   string `csv:"transaction-type"`
	OrderID           string `csv:"order-id"`
	PostedDate        string `csv:"posted-date"`
	AmountType        string `csv:"amount-type"`
	AmountDescription string `csv:"amount-description"`
	Amount            string `csv:"amount"`
	SKU               string `csv:"sku"`
	Quantity          string `csv:"quantity-purchased"`
}

type amazonParser struct {
	classifier *normalizer.DeductionClassifier
}

func newAmazonParser() *amazonParser {
	return &amazonParser{classifier: normalizer.NewDeductionClassifier()}
}

func (p *amazonParser) Channel() Channel { return ChannelAmazon }

type amazonKey struct {
	orderID, txType, date, standalone string
}

type amazonGroup struct {
	first       int
	date        string
	orderID     string
	txType      string
	description string
	gross       decimal.Decimal
	fees        decimal.Decimal
	taxes       decimal.Decimal
	other       decimal.Decimal
	net         decimal.Decimal
	hasAmount   bool
	items       map[string]*LineItem
	principal   map[string]decimal.Decimal
	soldQty     map[string]int // quantity-purchased summed over Principal lines
	skuOrder    []string
}

// Parse aggregates settlement lines by (order, transaction type, posted day).
// Lines without an order (subscription fees, reserves) become one
// transaction each.
func (p *amazonParser) Parse(sheet *Sheet) (*Batch, error) {
	rows, err := unmarshalRows[amazonRow](sheet)
	if err != nil {
		return nil, fmt.Errorf("amazon settlement: %w", err)
	}

	var keys []amazonKey
	groups := make(map[amazonKey]*amazonGroup)

	for i, r := range rows {
		day, _ := parseDate(r.PostedDate)
		key := amazonKey{orderID: r.OrderID, txType: r.TransactionType, date: day}
		if r.OrderID == "" {
			key.standalone = fmt.Sprint(i)
		}
		g, ok := groups[key]
		if !ok {
			g = &amazonGroup{
				first:     i,
				date:      r.PostedDate,
				orderID:   r.OrderID,
				txType:    r.TransactionType,
				items:     make(map[string]*LineItem),
				principal: make(map[string]decimal.Decimal),
				soldQty:   make(map[string]int),
			}
			groups[key] = g
			keys = append(keys, key)
		}
		p.route(g, r)
	}

	c := newCollector(ChannelAmazon, sheet, p.classifier)
	c.countRows(len(rows))

	for _, key := range keys {
		g := groups[key]
		d := draft{
			row:         sheet.RowNumber(g.first),
			date:        g.date,
			orderID:     g.orderID,
			txType:      g.txType,
			description: g.description,
			gross:       g.gross,
			fees:        g.fees,
			taxes:       g.taxes,
			other:       g.other,
		}
		if g.hasAmount {
			d.net = g.net
			d.netKnown = true
			d.direction = directionOf(g.net)
		}
		for _, sku := range g.skuOrder {
			item := *g.items[sku]
			if sold := g.soldQty[sku]; sold > 0 {
				item.Quantity = sold
			}
			if item.Quantity == 0 {
				item.Quantity = 1
			}
			if principal, ok := g.principal[sku]; ok {
				item.UnitPrice = principal.Abs().Div(decimal.NewFromInt(int64(item.Quantity))).Round(2)
			}
			d.items = append(d.items, item)
		}
		c.add(d)
	}

	return c.batch, nil
}

// route adds one settlement line to its group's buckets.
func (p *amazonParser) route(g *amazonGroup, r amazonRow) {
	if g.description == "" {
		switch {
		case g.orderID == "" && r.AmountDescription != "":
			g.description = r.AmountDescription
		case r.TransactionType != "":
			g.description = r.TransactionType
		}
	}

	value, ok := parseAmount(r.Amount)
	if !ok {
		return
	}
	g.hasAmount = true
	g.net = g.net.Add(value)

	label := r.AmountType + " " + r.AmountDescription
	switch kind := p.classifier.Classify(label); {
	case strings.EqualFold(r.AmountType, "ItemWithheldTax") || kind == normalizer.KindTax ||
		strings.HasSuffix(strings.ToLower(r.AmountDescription), "tax"):
		g.taxes = g.taxes.Add(value.Abs())
	case strings.EqualFold(r.AmountType, "Promotion") || kind == normalizer.KindDiscount:
		g.other = g.other.Add(value.Abs())
	case strings.EqualFold(r.AmountType, "ItemFees") || kind == normalizer.KindCommission || kind == normalizer.KindFee || kind == normalizer.KindShipping:
		if value.IsNegative() {
			g.fees = g.fees.Add(value.Abs())
		} else {
			g.gross = g.gross.Add(value)
		}
	case value.IsNegative():
		g.other = g.other.Add(value.Abs())
	default:
		g.gross = g.gross.Add(value)
	}

	if r.SKU == "" {
		return
	}
	item, ok := g.items[r.SKU]
	if !ok {
		item = &LineItem{SKU: r.SKU, Description: r.SKU}
		g.items[r.SKU] = item
		g.skuOrder = append(g.skuOrder, r.SKU)
	}
	// quantity-purchased repeats on every amount line of an order item, so
	// only Principal lines are summed. Lines of other kinds keep the largest
	// value seen, for groups that carry no Principal line.
	qty := 0
	if q := amount(r.Quantity); q.IsPositive() {
		qty = int(q.IntPart())
	}
	if qty > item.Quantity {
		item.Quantity = qty
	}
	if strings.EqualFold(r.AmountType, "ItemPrice") && strings.EqualFold(r.AmountDescription, "Principal") {
		g.principal[r.SKU] = g.principal[r.SKU].Add(value)
		g.soldQty[r.SKU] += qty
	}
}
