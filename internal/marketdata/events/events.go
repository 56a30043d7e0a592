// Package events defines the five event shapes the core emits and the
// Publisher interface that producers (streaming sessions, the polling
// loop) use to hand events to the buses without depending on the Manager
// that owns them.
package events

import (
	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// TickerEvent wraps a Ticker with the spec it was fetched for.
type TickerEvent struct {
	Spec   subscription.TickerSpec
	Ticker adapter.Ticker
}

// OrderBookEvent wraps an OrderBook with the spec it was fetched for.
type OrderBookEvent struct {
	Spec subscription.TickerSpec
	Book adapter.OrderBook
}

// TradeEvent wraps a single Trade with the spec it was fetched for.
type TradeEvent struct {
	Spec  subscription.TickerSpec
	Trade adapter.Trade
}

// OpenOrdersEvent wraps a resting-order snapshot with the spec it was
// fetched for.
type OpenOrdersEvent struct {
	Spec   subscription.TickerSpec
	Orders []adapter.Order
}

// TradeHistoryEvent wraps a trade-history page with the spec it was
// fetched for.
type TradeHistoryEvent struct {
	Spec   subscription.TickerSpec
	Trades []adapter.HistoricalTrade
}

// Publisher is implemented by the Manager and handed down to the
// reconciliation engine, streaming sessions, and the polling loop so they
// can emit events without importing the Manager itself.
type Publisher interface {
	PublishTicker(TickerEvent)
	PublishOrderBook(OrderBookEvent)
	PublishTrade(TradeEvent)
	PublishOpenOrders(OpenOrdersEvent)
	PublishTradeHistory(TradeHistoryEvent)
}
