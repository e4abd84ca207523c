package parser

import (
	"fmt"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/normalizer"
)

// mercadoLivreRow is one line of the Mercado Livre sales report ("Vendas").
// Deductions are exported as negative numbers.
type mercadoLivreRow struct {
	SaleID         string `csv:"n.º de venda,nº de venda,# de venda"`
	SaleDate       string `csv:"data da venda"`
	Status         string `csv:"estado"`
	StatusDetail   string `csv:"descrição do status"`
	Units          string `csv:"unidades"`
	ProductRevenue string `csv:"receita por produtos (brl)"`
	ShippingIncome string `csv:"receita por envio (brl)"`
	SaleFee        string `csv:"tarifa de venda e impostos (brl),tarifa de venda e impostos"`
	ShippingFee    string `csv:"tarifas de envio (brl),tarifas de envio"`
	Refunds        string `csv:"cancelamentos e reembolsos (brl),cancelamentos e reembolsos"`
	Total          string `csv:"total (brl),total"`
	SKU            string `csv:"sku"`
	ListingTitle   string `csv:"título do anúncio"`
	UnitPrice      string `csv:"preço unitário de venda do anúncio (brl)"`
}

type mercadoLivreParser struct {
	classifier *normalizer.DeductionClassifier
}

func newMercadoLivreParser() *mercadoLivreParser {
	return &mercadoLivreParser{classifier: normalizer.NewDeductionClassifier()}
}

func (p *mercadoLivreParser) Channel() Channel { return ChannelMercadoLivre }

func (p *mercadoLivreParser) Parse(sheet *Sheet) (*Batch, error) {
	rows, err := unmarshalRows[mercadoLivreRow](sheet)
	if err != nil {
		return nil, fmt.Errorf("mercado livre report: %w", err)
	}

	c := newCollector(ChannelMercadoLivre, sheet, p.classifier)
	c.countRows(len(rows))

	for i, r := range rows {
		revenue := amount(r.ProductRevenue).Add(amount(r.ShippingIncome))
		fees := amount(r.SaleFee).Abs().Add(amount(r.ShippingFee).Abs())
		refunds := amount(r.Refunds).Abs()

		d := draft{
			row:         sheet.RowNumber(i),
			date:        r.SaleDate,
			orderID:     r.SaleID,
			txType:      coalesce(r.Status, "Venda"),
			description: coalesce(r.ListingTitle, r.StatusDetail),
			gross:       revenue,
			fees:        fees,
			other:       refunds,
		}
		if net, ok := parseAmount(r.Total); ok {
			d.net = net
			d.netKnown = true
			d.direction = directionOf(net)
		}
		if d.description == "" && r.SaleID != "" {
			d.description = "Venda " + r.SaleID
		}
		if r.SKU != "" {
			d.items = []LineItem{{
				SKU:         r.SKU,
				Description: r.ListingTitle,
				Quantity:    parseQuantity(r.Units),
				UnitPrice:   amount(r.UnitPrice).Abs(),
			}}
		}
		c.add(d)
	}

	return c.batch, nil
}
