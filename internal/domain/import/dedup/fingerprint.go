// Package dedup derives external references for parsed transactions and
// separates novel transactions from ones already seen.
package dedup

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
)

// MaxReferenceLength bounds an external reference, in characters.
//
// Long descriptions are cut, so two transactions that differ only past
// this length share a reference. The storage uniqueness constraint then
// treats the second one as a duplicate.
const MaxReferenceLength = 120

// Fingerprint builds the external reference
// channel_date_order_description_net, with net at two decimals, truncated
// to MaxReferenceLength characters.
func Fingerprint(channel parser.Channel, date, orderID, description string, net decimal.Decimal) string {
	ref := strings.Join([]string{
		string(channel),
		date,
		orderID,
		description,
		net.StringFixed(2),
	}, "_")
	return truncate(ref, MaxReferenceLength)
}

// ForTransaction fingerprints a parsed transaction. Debits use a negative net.
func ForTransaction(tx parser.ParsedTransaction) string {
	return Fingerprint(tx.Channel, tx.Date, tx.OrderID, tx.Description, tx.SignedNet())
}

// Assign sets ExternalReference on every transaction that lacks one.
func Assign(txs []parser.ParsedTransaction) {
	for i := range txs {
		if txs[i].ExternalReference == "" {
			txs[i].ExternalReference = ForTransaction(txs[i])
		}
	}
}

func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
