package parser

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/normalizer"
)

// shopeeRow is one product line of the Shopee orders export. Order-level
// columns (fees, voucher, totals) repeat on every product line of an order.
type shopeeRow struct {
	OrderID         string `csv:"id do pedido,order id"`
	CreatedAt       string `csv:"data de criação do pedido,order creation date"`
	Status          string `csv:"status do pedido,order status"`
	SKU             string `csv:"nº de referência do sku principal,número de referência sku,sku reference no.,parent sku reference no."`
	ProductName     string `csv:"nome do produto,product name"`
	DealPrice       string `csv:"preço acordado,deal price"`
	Quantity        string `csv:"quantidade,quantity"`
	ProductSubtotal string `csv:"subtotal do produto,product subtotal"`
	CommissionFee   string `csv:"taxa de comissão,commission fee"`
	ServiceFee      string `csv:"taxa de serviço,service fee"`
	TransactionFee  string `csv:"taxa de transação,transaction fee"`
	SellerVoucher   string `csv:"cupom do vendedor,seller voucher"`
	GrandTotal      string `csv:"total global,grand total"`
}

type shopeeParser struct {
	classifier *normalizer.DeductionClassifier
}

func newShopeeParser() *shopeeParser {
	return &shopeeParser{classifier: normalizer.NewDeductionClassifier()}
}

func (p *shopeeParser) Channel() Channel { return ChannelShopee }

// Parse groups product lines by order id into one transaction per order,
// keeping the order of first appearance. Lines without an order id stand alone.
func (p *shopeeParser) Parse(sheet *Sheet) (*Batch, error) {
	rows, err := unmarshalRows[shopeeRow](sheet)
	if err != nil {
		return nil, fmt.Errorf("shopee report: %w", err)
	}

	type group struct {
		first int
		lines []int
	}
	var order []string
	groups := make(map[string]*group)
	for i, r := range rows {
		key := r.OrderID
		if key == "" {
			key = "\x00row" + strconv.Itoa(i)
		}
		g, ok := groups[key]
		if !ok {
			g = &group{first: i}
			groups[key] = g
			order = append(order, key)
		}
		g.lines = append(g.lines, i)
	}

	c := newCollector(ChannelShopee, sheet, p.classifier)
	c.countRows(len(rows))

	for _, key := range order {
		g := groups[key]
		head := rows[g.first]

		gross := decimal.Zero
		var items []LineItem
		names := ""
		for _, idx := range g.lines {
			line := rows[idx]
			qty := parseQuantity(line.Quantity)
			price := amount(line.DealPrice).Abs()
			subtotal, ok := parseAmount(line.ProductSubtotal)
			if !ok {
				subtotal = price.Mul(decimal.NewFromInt(int64(qty)))
			}
			gross = gross.Add(subtotal.Abs())

			if line.SKU != "" {
				items = append(items, LineItem{
					SKU:         line.SKU,
					Description: line.ProductName,
					Quantity:    qty,
					UnitPrice:   price,
				})
			}
			if names == "" {
				names = line.ProductName
			}
		}

		fees := amount(head.CommissionFee).Abs().
			Add(amount(head.ServiceFee).Abs()).
			Add(amount(head.TransactionFee).Abs())

		description := names
		if len(g.lines) > 1 {
			description = fmt.Sprintf("%s (+%d itens)", names, len(g.lines)-1)
		}

		voucher := amount(head.SellerVoucher).Abs()
		net, ok := parseAmount(head.GrandTotal)
		if !ok {
			net = gross.Sub(fees).Sub(voucher)
		}

		c.add(draft{
			row:         sheet.RowNumber(g.first),
			date:        head.CreatedAt,
			orderID:     head.OrderID,
			txType:      coalesce(head.Status, "Pedido"),
			description: description,
			gross:       gross,
			fees:        fees,
			other:       voucher,
			net:         net,
			netKnown:    true,
			direction:   directionOf(net),
			items:       items,
		})
	}

	return c.batch, nil
}
