package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapColumns_DiscountNotTakenAsDescription(t *testing.T) {
	cols := MapColumns([]string{"Data", "Pedido", "Valor", "Desconto"})

	assert.Equal(t, 0, cols["date"])
	assert.Equal(t, 1, cols["order"])
	assert.Equal(t, 2, cols["net"])
	assert.Equal(t, 3, cols["discounts"])
	assert.Equal(t, -1, cols["description"])
}

func TestMapColumns_DescriptionAndDiscount(t *testing.T) {
	cols := MapColumns([]string{"Data", "Descrição", "Desconto", "Valor"})

	assert.Equal(t, 1, cols["description"])
	assert.Equal(t, 2, cols["discounts"])
	assert.Equal(t, 3, cols["net"])
}

func TestGenericParser_DiscountColumnWithoutDescription(t *testing.T) {
	batch := parseText(t, ChannelGeneric, "Data,Pedido,Valor,Desconto\n2024-11-01,P-1,95.00,5.00\n")
	require.Len(t, batch.Transactions, 1)

	tx := batch.Transactions[0]
	assert.Equal(t, "P-1", tx.OrderID)
	assert.Empty(t, tx.Description)
	assertAmount(t, "5.00", tx.OtherDeductions)
	assertAmount(t, "95.00", tx.Net)
}
