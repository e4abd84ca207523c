package money

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
)

// TestDataGenerator generates realistic marketplace sales using gofakeit.
type TestDataGenerator struct {
	faker *gofakeit.Faker
}

// NewTestDataGenerator creates a new test data generator with a random seed.
func NewTestDataGenerator() *TestDataGenerator {
	return &TestDataGenerator{
		faker: gofakeit.New(0), // Random seed
	}
}

// NewTestDataGeneratorWithSeed creates a generator with a specific seed for reproducibility.
func NewTestDataGeneratorWithSeed(seed int64) *TestDataGenerator {
	return &TestDataGenerator{
		faker: gofakeit.New(seed),
	}
}

// TestSale is one generated marketplace sale.
type TestSale struct {
	Date        time.Time
	OrderID     string
	SKU         string
	Description string
	Quantity    int
	Gross       *Money
	Fees        *Money
	Net         *Money
}

// Sale generates a single sale with a commission between 10% and 20%.
func (g *TestDataGenerator) Sale(currency string) TestSale {
	gross := g.RandomAmount(currency, 1000, 500000)
	rate := decimal.NewFromInt(int64(g.faker.Number(10, 20))).Div(decimal.NewFromInt(100))
	fees := NewFromDecimal(gross.ToDecimal().Mul(rate), currency)
	net, _ := gross.Subtract(fees)

	return TestSale{
		Date:        g.faker.DateRange(time.Now().AddDate(-1, 0, 0), time.Now()),
		OrderID:     g.faker.Numerify("20########"),
		SKU:         g.faker.Regex(`[A-Z]{3}-[0-9]{4}`),
		Description: g.ProductName(),
		Quantity:    g.faker.Number(1, 5),
		Gross:       gross,
		Fees:        fees,
		Net:         net,
	}
}

// Sales generates multiple sales. Order ids are made unique by position.
func (g *TestDataGenerator) Sales(currency string, count int) []TestSale {
	sales := make([]TestSale, count)
	for i := range sales {
		sales[i] = g.Sale(currency)
		sales[i].OrderID = fmt.Sprintf("%s%06d", sales[i].OrderID[:4], i)
	}
	return sales
}

// RandomAmount generates a random Money value within a cent range.
func (g *TestDataGenerator) RandomAmount(currency string, minCents, maxCents int64) *Money {
	if minCents > maxCents {
		minCents, maxCents = maxCents, minCents
	}
	cents := g.faker.Int64() % (maxCents - minCents + 1)
	if cents < 0 {
		cents = -cents
	}
	return New(minCents+cents, currency)
}

var productNouns = []string{
	"Camiseta", "Caneca", "Fone de ouvido", "Capa de celular", "Luminária",
	"Mochila", "Garrafa térmica", "Tênis", "Relógio", "Carregador",
}

// ProductName returns a listing title such as "Caneca Azul".
func (g *TestDataGenerator) ProductName() string {
	noun := productNouns[g.faker.Number(0, len(productNouns)-1)]
	return noun + " " + g.faker.Color()
}

// GenericCSV renders sales as a comma-separated report with
// date, order, description, gross, fee and net columns.
func GenericCSV(sales []TestSale) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"date", "order id", "description", "gross", "fee", "net"})
	for _, s := range sales {
		_ = w.Write([]string{
			s.Date.Format("2006-01-02"),
			s.OrderID,
			s.Description,
			s.Gross.String(),
			s.Fees.String(),
			s.Net.String(),
		})
	}
	w.Flush()
	return buf.Bytes()
}
