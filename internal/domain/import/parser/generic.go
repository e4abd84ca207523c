package parser

import (
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/normalizer"
)

// genericField is a logical column the generic mapper looks for.
type genericField int

const (
	fieldDate genericField = iota
	fieldOrder
	fieldUniqueID
	fieldType
	fieldDescription
	fieldGross
	fieldNet
	fieldFees
	fieldTaxes
	fieldDiscounts
	fieldCount
)

// genericCandidates lists header fragments per field, most specific first.
// Fields are resolved in claimOrder and each header is used once, so
// "Valor bruto" goes to gross before net can fall back to "valor".
var genericCandidates = [fieldCount][]string{
	fieldDate:        {"data da transação", "data da transacao", "data do pedido", "data da venda", "data", "date"},
	fieldOrder:       {"número do pedido", "numero do pedido", "n.º de venda", "nº de venda", "id do pedido", "pedido", "order id", "order"},
	fieldUniqueID:    {"id da transação", "id da transacao", "transaction id", "código da transação", "codigo da transacao", "identificador", "referência", "referencia", "reference"},
	fieldType:        {"tipo de transação", "tipo de transacao", "tipo", "type", "operação", "operacao", "natureza"},
	fieldDescription: {"descrição", "descricao", "description", "desc", "título", "titulo", "histórico", "historico", "produto", "detalhe", "memo"},
	fieldGross:       {"valor bruto", "bruto", "gross", "valor da venda", "receita", "subtotal", "preço", "preco", "price"},
	fieldNet:         {"valor líquido", "valor liquido", "líquido", "liquido", "net", "recebido", "total", "valor", "amount"},
	fieldFees:        {"tarifa", "comissão", "comissao", "taxa", "fee", "commission"},
	fieldTaxes:       {"imposto", "tributo", "icms", "tax"},
	fieldDiscounts:   {"desconto", "cupom", "discount", "coupon"},
}

// claimOrder resolves discounts ahead of description so a "Desconto"
// header is never taken by the "desc" fragment.
var claimOrder = [fieldCount]genericField{
	fieldDate, fieldOrder, fieldUniqueID, fieldType, fieldDiscounts,
	fieldDescription, fieldGross, fieldNet, fieldFees, fieldTaxes,
}

// genericParser maps arbitrary reports by guessing columns from header names.
type genericParser struct {
	classifier *normalizer.DeductionClassifier
}

func newGenericParser() *genericParser {
	return &genericParser{classifier: normalizer.NewDeductionClassifier()}
}

func (p *genericParser) Channel() Channel { return ChannelGeneric }

// MapColumns returns the header index chosen for each logical field, or -1.
func MapColumns(headers []string) map[string]int {
	cols := mapGenericColumns(headers)
	names := [fieldCount]string{"date", "order", "unique_id", "type", "description", "gross", "net", "fees", "taxes", "discounts"}
	out := make(map[string]int, fieldCount)
	for f, idx := range cols {
		out[names[f]] = idx
	}
	return out
}

func mapGenericColumns(headers []string) [fieldCount]int {
	m := newColumnMatcher(headers)
	var cols [fieldCount]int
	for _, f := range claimOrder {
		cols[f] = m.claim(genericCandidates[f])
	}
	return cols
}

func (p *genericParser) Parse(sheet *Sheet) (*Batch, error) {
	cols := mapGenericColumns(sheet.Headers)
	granular := HasItemGranularity(sheet.Headers)

	c := newCollector(ChannelGeneric, sheet, p.classifier)
	c.countRows(len(sheet.Rows))

	for i, row := range sheet.Rows {
		get := func(f genericField) string {
			idx := cols[f]
			if idx < 0 || idx >= len(row) {
				return ""
			}
			return row[idx]
		}

		d := draft{
			row:         sheet.RowNumber(i),
			date:        get(fieldDate),
			orderID:     coalesce(get(fieldOrder), get(fieldUniqueID)),
			txType:      get(fieldType),
			description: get(fieldDescription),
			gross:       amount(get(fieldGross)),
			fees:        amount(get(fieldFees)),
			taxes:       amount(get(fieldTaxes)),
			other:       amount(get(fieldDiscounts)),
		}
		if cols[fieldNet] >= 0 {
			d.net = amount(get(fieldNet))
			d.netKnown = true
			if cols[fieldGross] < 0 {
				d.gross = d.net.Abs()
			}
		}
		if item := ExtractItem(sheet.Headers, row, granular); item != nil {
			d.items = []LineItem{*item}
		}
		c.add(d)
	}

	return c.batch, nil
}
