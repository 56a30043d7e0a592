// Package adapter defines the external contracts the core depends on but
// does not implement: ExchangeAdapter and TradeAdapter. Concrete exchange
// integrations (real or fake) live in sibling packages and are consumed
// exclusively through these interfaces.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// ErrNotStreaming is returned by Connect/Disconnect on an adapter whose
// exchange is polling-only.
var ErrNotStreaming = errors.New("adapter: exchange does not support streaming")

// ErrUnsupportedSubscription is returned when a subscription's data type
// has no parameter mapping on a given exchange (e.g. polled TRADES on an
// exchange that never exposes a trade-history REST call).
var ErrUnsupportedSubscription = errors.New("adapter: subscription not supported on this exchange")

// Ticker is the normalized best bid/ask/last snapshot for a market.
type Ticker struct {
	Bid       float64
	Ask       float64
	Last      float64
	Timestamp time.Time
}

// OrderBookLevel is one price/size rung of a book side.
type OrderBookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a normalized, depth-limited snapshot of both book sides.
type OrderBook struct {
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// Trade is a single executed trade on the public tape.
type Trade struct {
	Price     float64
	Size      float64
	Side      string // "buy" or "sell"
	Timestamp time.Time
}

// Order is a resting or historical order belonging to the authenticated
// account.
type Order struct {
	ID        string
	Spec      subscription.TickerSpec
	Price     float64
	Size      float64
	Side      string
	Status    string
	CreatedAt time.Time
}

// HistoricalTrade is one entry of the authenticated account's trade
// history.
type HistoricalTrade struct {
	ID        string
	Price     float64
	Size      float64
	Side      string
	Fee       float64
	Timestamp time.Time
}

// ProductSubscription is the opaque per-connection manifest that declares,
// at connect time, which pairs and data types a streaming exchange should
// push. It is rebuilt from scratch on every reconnection — streaming
// exchanges in this domain do not expose incremental add/remove.
type ProductSubscription struct {
	Tickers    []subscription.TickerSpec
	OrderBooks []subscription.TickerSpec
	Trades     []subscription.TickerSpec
}

// Empty reports whether the manifest carries no subscriptions at all.
func (p ProductSubscription) Empty() bool {
	return len(p.Tickers) == 0 && len(p.OrderBooks) == 0 && len(p.Trades) == 0
}

// FromSet builds a ProductSubscription from the streaming-typed members of
// a subscription.Set already scoped to one exchange.
func FromSet(target subscription.Set) ProductSubscription {
	var p ProductSubscription
	for _, sub := range target.Slice() {
		switch sub.Type {
		case subscription.Ticker:
			p.Tickers = append(p.Tickers, sub.Spec)
		case subscription.OrderBook:
			p.OrderBooks = append(p.OrderBooks, sub.Spec)
		case subscription.Trades:
			p.Trades = append(p.Trades, sub.Spec)
		}
	}
	return p
}

// StreamHandle is the release handle for a single (DataType, CurrencyPair)
// stream. Close must be idempotent and safe to call from the session's
// teardown path even after a stream has already errored out.
type StreamHandle interface {
	Close() error
}

// TickerCallback, OrderBookCallback and TradeCallback are the per-message
// delivery functions a streaming adapter invokes from its own I/O
// goroutine(s). They must not block for long — the core treats them as
// untrusted producers and isolates them behind latest-wins buses.
type TickerCallback func(subscription.TickerSpec, Ticker)
type OrderBookCallback func(subscription.TickerSpec, OrderBook)
type TradeCallback func(subscription.TickerSpec, Trade)

// StreamingMarketData exposes one observable factory per streaming data
// type. Each call opens exactly one logical stream for the given spec and
// returns a handle to release it.
type StreamingMarketData interface {
	Tickers(spec subscription.TickerSpec, cb TickerCallback) (StreamHandle, error)
	OrderBooks(spec subscription.TickerSpec, cb OrderBookCallback) (StreamHandle, error)
	Trades(spec subscription.TickerSpec, cb TradeCallback) (StreamHandle, error)
}

// MarketDataService is the request/response surface used by the polling
// loop for data types (or exchanges) that have no streaming transport.
type MarketDataService interface {
	GetTicker(ctx context.Context, spec subscription.TickerSpec) (Ticker, error)
	GetOrderBook(ctx context.Context, spec subscription.TickerSpec, depth int) (OrderBook, error)
	GetTrades(ctx context.Context, spec subscription.TickerSpec, limit int) ([]Trade, error)
}

// OpenOrdersParams and TradeHistoryParams are opaque, adapter-owned
// parameter bags. The core never inspects their contents; it only threads
// them from Create* through Get*, which keeps exchange-specific quirks
// (paging styles, required scale/type coercions) inside the adapter.
type OpenOrdersParams any
type TradeHistoryParams any

// TradeAdapter is the authenticated-account surface: open orders, trade
// history, and order placement.
type TradeAdapter interface {
	CreateOpenOrdersParams(spec subscription.TickerSpec) (OpenOrdersParams, error)
	CreateTradeHistoryParams(spec subscription.TickerSpec, page, limit int) (TradeHistoryParams, error)
	GetOpenOrders(ctx context.Context, params OpenOrdersParams) ([]Order, error)
	GetTradeHistory(ctx context.Context, params TradeHistoryParams) ([]HistoricalTrade, error)
	PlaceLimitOrder(ctx context.Context, order Order) (Order, error)
}

// CurrencyPairMetadataProvider returns the quantity/price scale for a
// market. It is part of the exchange integration surface but is consumed
// by downstream strategy code, never by the core reconciliation/polling
// path — declared here only so exchange adapters have one contract to
// implement it against.
type CurrencyPairMetadataProvider interface {
	PriceScale(spec subscription.TickerSpec) (int, error)
	QuantityScale(spec subscription.TickerSpec) (int, error)
}

// ExchangeAdapter is the full per-exchange contract: identity, streaming
// capability classification, and (for streaming exchanges) connection
// lifecycle plus the streaming observable factory.
type ExchangeAdapter interface {
	Name() string
	IsStreaming() bool

	MarketDataService() MarketDataService
	// TradeAdapter returns nil for exchanges with no authenticated trading
	// surface configured; callers must check before use.
	TradeAdapter() TradeAdapter

	// Connect and Disconnect are only meaningful when IsStreaming() is
	// true; polling-only adapters should return ErrNotStreaming.
	Connect(ctx context.Context, products ProductSubscription) error
	Disconnect(ctx context.Context) error
	StreamingMarketData() StreamingMarketData
}
