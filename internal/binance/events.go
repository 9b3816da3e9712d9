// Package binance speaks the Binance USDT-futures wire: the two
// long-lived market streams (aggTrade, markPrice) and the REST
// endpoints the universe filter needs.
package binance

import "encoding/json"

// AggTradeEvent is one frame of the `<symbol>@aggTrade` stream.
// Price and quantity arrive as decimal strings.
type AggTradeEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
}

// MarkPriceEvent is one frame of the `<symbol>@markPrice@1s` stream.
type MarkPriceEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

const (
	eventAggTrade  = "aggTrade"
	eventMarkPrice = "markPriceUpdate"
)

// wsRequest is the stream control frame for SUBSCRIBE/UNSUBSCRIBE.
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// wsAck is the server response to a control frame; result is null on
// success, error is set on rejection. Event frames carry no id, which
// is how the two are told apart.
type wsAck struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	ID     int64           `json:"id"`
}

// ExchangeSymbol is the slice of /fapi/v1/exchangeInfo the universe
// filter consumes.
type ExchangeSymbol struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	QuoteAsset   string `json:"quoteAsset"`
	Status       string `json:"status"`
}

// ActiveUSDTPerp reports whether the symbol is a live USDT perpetual.
func (s ExchangeSymbol) ActiveUSDTPerp() bool {
	return s.ContractType == "PERPETUAL" && s.QuoteAsset == "USDT" && s.Status == "TRADING"
}

type exchangeInfoResponse struct {
	Symbols []ExchangeSymbol `json:"symbols"`
}

// Ticker24h is one row of /fapi/v1/ticker/24hr. QuoteVolume is a
// decimal string at source.
type Ticker24h struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
	Count       int64  `json:"count"`
}

// Depth is the /fapi/v1/depth order book snapshot; levels are
// [price, qty] decimal-string pairs.
type Depth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}
