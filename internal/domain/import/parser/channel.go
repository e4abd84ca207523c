package parser

import (
	"errors"
	"fmt"
	"strings"
)

// Channel identifies the marketplace a report came from.
type Channel string

const (
	ChannelMercadoLivre Channel = "mercado_livre"
	ChannelShopee       Channel = "shopee"
	ChannelAmazon       Channel = "amazon"
	ChannelGeneric      Channel = "outro"
)

// ErrUnknownChannel is returned by ParseChannel for unrecognised names.
var ErrUnknownChannel = errors.New("unknown channel")

var channelAliases = map[string]Channel{
	"mercado_livre": ChannelMercadoLivre,
	"mercadolivre":  ChannelMercadoLivre,
	"mercado livre": ChannelMercadoLivre,
	"meli":          ChannelMercadoLivre,
	"ml":            ChannelMercadoLivre,
	"shopee":        ChannelShopee,
	"amazon":        ChannelAmazon,
	"amazon_br":     ChannelAmazon,
	"outro":         ChannelGeneric,
	"other":         ChannelGeneric,
	"generic":       ChannelGeneric,
}

// Channels lists every supported channel.
func Channels() []Channel {
	return []Channel{ChannelMercadoLivre, ChannelShopee, ChannelAmazon, ChannelGeneric}
}

// ParseChannel resolves a channel name or alias, case-insensitively.
func ParseChannel(s string) (Channel, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if c, ok := channelAliases[key]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

func (c Channel) String() string { return string(c) }

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMercadoLivre, ChannelShopee, ChannelAmazon, ChannelGeneric:
		return true
	}
	return false
}

// Label is the display name of the channel.
func (c Channel) Label() string {
	switch c {
	case ChannelMercadoLivre:
		return "Mercado Livre"
	case ChannelShopee:
		return "Shopee"
	case ChannelAmazon:
		return "Amazon"
	case ChannelGeneric:
		return "Outro"
	}
	return string(c)
}

// Parser converts a sheet into a batch of transactions for one channel.
type Parser interface {
	Channel() Channel
	Parse(sheet *Sheet) (*Batch, error)
}

// Parser returns the parser strategy for the channel. Unknown channels use
// the generic column mapper.
func (c Channel) Parser() Parser {
	switch c {
	case ChannelMercadoLivre:
		return newMercadoLivreParser()
	case ChannelShopee:
		return newShopeeParser()
	case ChannelAmazon:
		return newAmazonParser()
	}
	return newGenericParser()
}

// Parse is shorthand for c.Parser().Parse(sheet).
func (c Channel) Parse(sheet *Sheet) (*Batch, error) {
	return c.Parser().Parse(sheet)
}

// DetectChannel guesses the channel from a report's header row.
func DetectChannel(headers []string) Channel {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[normalizeHeader(h)] = true
	}
	has := func(names ...string) bool {
		for _, n := range names {
			if set[n] {
				return true
			}
		}
		return false
	}

	switch {
	case has("settlement-id") && has("amount-type"):
		return ChannelAmazon
	case has("n.º de venda", "nº de venda", "# de venda") && has("receita por produtos (brl)", "total (brl)"):
		return ChannelMercadoLivre
	case has("id do pedido", "order id") && has("taxa de comissão", "commission fee", "nome do produto"):
		return ChannelShopee
	}
	return ChannelGeneric
}
