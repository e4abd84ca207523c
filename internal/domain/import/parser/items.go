package parser

import "strings"

var (
	skuHeaders       = []string{"sku", "código do produto", "codigo do produto", "id do produto", "product id", "asin", "seller-sku"}
	quantityHeaders  = []string{"quantidade", "qtd", "unidades", "quantity", "qty"}
	unitPriceHeaders = []string{"preço unitário", "preco unitario", "valor unitário", "valor unitario", "unit price", "preço", "preco", "price"}
	itemNameHeaders  = []string{"título do anúncio", "titulo do anuncio", "nome do produto", "product name", "título", "titulo", "produto", "item"}
)

// HasItemGranularity reports whether a header row looks like one product per
// row: it needs a SKU column plus a quantity or product name column.
func HasItemGranularity(headers []string) bool {
	cols := newColumnMatcher(headers)
	if cols.find(skuHeaders) < 0 {
		return false
	}
	return cols.find(quantityHeaders) >= 0 || cols.find(itemNameHeaders) >= 0
}

// ExtractItem builds at most one line item from a raw row. It returns nil
// when the row has no item granularity or no SKU. Channel parsers that know
// their own item layout attach items directly and do not call this.
func ExtractItem(headers, values []string, granular bool) *LineItem {
	if !granular {
		return nil
	}
	cols := newColumnMatcher(headers)
	get := func(idx int) string {
		if idx < 0 || idx >= len(values) {
			return ""
		}
		return strings.TrimSpace(values[idx])
	}

	sku := get(cols.claim(skuHeaders))
	if sku == "" {
		return nil
	}
	return &LineItem{
		SKU:         sku,
		Quantity:    parseQuantity(get(cols.claim(quantityHeaders))),
		UnitPrice:   amount(get(cols.claim(unitPriceHeaders))).Abs(),
		Description: get(cols.claim(itemNameHeaders)),
	}
}

// columnMatcher resolves logical fields to header positions by
// case-insensitive substring match. Candidates are tried in order and the
// first header containing one wins. claim marks the header as used so
// later fields cannot take it.
type columnMatcher struct {
	headers []string
	claimed []bool
}

func newColumnMatcher(headers []string) *columnMatcher {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}
	return &columnMatcher{headers: normalized, claimed: make([]bool, len(headers))}
}

func (m *columnMatcher) find(candidates []string) int {
	for _, c := range candidates {
		for i, h := range m.headers {
			if !m.claimed[i] && strings.Contains(h, c) {
				return i
			}
		}
	}
	return -1
}

func (m *columnMatcher) claim(candidates []string) int {
	idx := m.find(candidates)
	if idx >= 0 {
		m.claimed[idx] = true
	}
	return idx
}
