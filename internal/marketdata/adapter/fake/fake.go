// Package fake provides a deterministic, in-memory ExchangeAdapter used by
// unit tests. It can simulate either a streaming
// exchange (push callbacks on a timer) or a polling-only exchange
// (request/response only), mirroring the two exchange shapes spec.md
// distinguishes.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// Adapter is a configurable fake ExchangeAdapter.
type Adapter struct {
	name      string
	streaming bool

	// ConnectErr, when non-nil, is returned by every Connect call — used to
	// exercise the "streaming connect failed" path.
	ConnectErr error
	// FetchErr, when non-nil, is returned by every MarketDataService call —
	// used to exercise the "transient fetch failure" path.
	FetchErr error
	// UnsupportedTrades, when true, makes CreateTradeHistoryParams and the
	// market-data-service GetTrades fail with ErrUnsupportedSubscription,
	// modeling an exchange with no trade-history/trades REST surface.
	UnsupportedTrades bool

	mu          sync.Mutex
	connected   bool
	connectN    int
	disconnectN int

	tradeAdapter adapter.TradeAdapter
}

// New creates a fake adapter. Pass trading=true to populate TradeAdapter()
// with a working fake trade adapter; pass trading=false to model an
// exchange with no authenticated trading surface configured.
func New(name string, streaming bool, trading bool) *Adapter {
	a := &Adapter{
		name:      name,
		streaming: streaming,
	}
	if trading {
		a.tradeAdapter = &fakeTradeAdapter{parent: a}
	}
	return a
}

var _ adapter.ExchangeAdapter = (*Adapter)(nil)

func (a *Adapter) Name() string      { return a.name }
func (a *Adapter) IsStreaming() bool { return a.streaming }

func (a *Adapter) MarketDataService() adapter.MarketDataService { return (*fakeMarketData)(a) }
func (a *Adapter) TradeAdapter() adapter.TradeAdapter           { return a.tradeAdapter }

// ConnectCount and DisconnectCount report how many times Connect/Disconnect
// were called, for test assertions on invariant 6 (clean shutdown) and S4
// (exchange removal).
func (a *Adapter) ConnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectN
}

func (a *Adapter) DisconnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnectN
}

func (a *Adapter) Connect(ctx context.Context, products adapter.ProductSubscription) error {
	if !a.streaming {
		return adapter.ErrNotStreaming
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	a.connected = true
	a.connectN++
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	if !a.streaming {
		return adapter.ErrNotStreaming
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.disconnectN++
	return nil
}

func (a *Adapter) StreamingMarketData() adapter.StreamingMarketData {
	if !a.streaming {
		return nil
	}
	return (*fakeStreaming)(a)
}

// fakeStreaming implements adapter.StreamingMarketData by ticking out a
// synthetic value on a short interval until the handle is closed.
type fakeStreaming Adapter

func (f *fakeStreaming) Tickers(spec subscription.TickerSpec, cb adapter.TickerCallback) (adapter.StreamHandle, error) {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		price := 100.0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				price += 0.01
				cb(spec, adapter.Ticker{Bid: price - 0.5, Ask: price + 0.5, Last: price, Timestamp: time.Now()})
			}
		}
	}()
	return closerHandle{stop}, nil
}

func (f *fakeStreaming) OrderBooks(spec subscription.TickerSpec, cb adapter.OrderBookCallback) (adapter.StreamHandle, error) {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cb(spec, adapter.OrderBook{
					Bids:      []adapter.OrderBookLevel{{Price: 99.5, Size: 1}},
					Asks:      []adapter.OrderBookLevel{{Price: 100.5, Size: 1}},
					Timestamp: time.Now(),
				})
			}
		}
	}()
	return closerHandle{stop}, nil
}

func (f *fakeStreaming) Trades(spec subscription.TickerSpec, cb adapter.TradeCallback) (adapter.StreamHandle, error) {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cb(spec, adapter.Trade{Price: 100, Size: 0.1, Side: "buy", Timestamp: time.Now()})
			}
		}
	}()
	return closerHandle{stop}, nil
}

type closerHandle struct{ stop chan struct{} }

func (c closerHandle) Close() error {
	select {
	case <-c.stop:
		return nil // already closed, idempotent
	default:
		close(c.stop)
		return nil
	}
}

// fakeMarketData implements adapter.MarketDataService for REST-style
// polling.
type fakeMarketData Adapter

func (f *fakeMarketData) GetTicker(ctx context.Context, spec subscription.TickerSpec) (adapter.Ticker, error) {
	a := (*Adapter)(f)
	if a.FetchErr != nil {
		return adapter.Ticker{}, a.FetchErr
	}
	return adapter.Ticker{Bid: 99.9, Ask: 100.1, Last: 100, Timestamp: time.Now()}, nil
}

func (f *fakeMarketData) GetOrderBook(ctx context.Context, spec subscription.TickerSpec, depth int) (adapter.OrderBook, error) {
	a := (*Adapter)(f)
	if a.FetchErr != nil {
		return adapter.OrderBook{}, a.FetchErr
	}
	book := adapter.OrderBook{Timestamp: time.Now()}
	for i := 0; i < depth; i++ {
		book.Bids = append(book.Bids, adapter.OrderBookLevel{Price: 100 - float64(i), Size: 1})
		book.Asks = append(book.Asks, adapter.OrderBookLevel{Price: 100 + float64(i), Size: 1})
	}
	return book, nil
}

func (f *fakeMarketData) GetTrades(ctx context.Context, spec subscription.TickerSpec, limit int) ([]adapter.Trade, error) {
	a := (*Adapter)(f)
	if a.UnsupportedTrades {
		return nil, adapter.ErrUnsupportedSubscription
	}
	if a.FetchErr != nil {
		return nil, a.FetchErr
	}
	trades := make([]adapter.Trade, 0, limit)
	for i := 0; i < limit; i++ {
		trades = append(trades, adapter.Trade{Price: 100, Size: 0.01, Side: "sell", Timestamp: time.Now()})
	}
	return trades, nil
}

// fakeTradeAdapter implements adapter.TradeAdapter with page-0/limit-20
// defaults, per spec.md's default-params policy.
type fakeTradeAdapter struct {
	parent *Adapter
}

type fakeOpenOrdersParams struct{ spec subscription.TickerSpec }
type fakeTradeHistoryParams struct {
	spec        subscription.TickerSpec
	page, limit int
}

func (t *fakeTradeAdapter) CreateOpenOrdersParams(spec subscription.TickerSpec) (adapter.OpenOrdersParams, error) {
	return fakeOpenOrdersParams{spec: spec}, nil
}

func (t *fakeTradeAdapter) CreateTradeHistoryParams(spec subscription.TickerSpec, page, limit int) (adapter.TradeHistoryParams, error) {
	if t.parent.UnsupportedTrades {
		return nil, adapter.ErrUnsupportedSubscription
	}
	if page == 0 && limit == 0 {
		page, limit = 0, 20
	}
	return fakeTradeHistoryParams{spec: spec, page: page, limit: limit}, nil
}

func (t *fakeTradeAdapter) GetOpenOrders(ctx context.Context, params adapter.OpenOrdersParams) ([]adapter.Order, error) {
	if t.parent.FetchErr != nil {
		return nil, t.parent.FetchErr
	}
	p, ok := params.(fakeOpenOrdersParams)
	if !ok {
		return nil, fmt.Errorf("fake: unexpected open-orders params type %T", params)
	}
	return []adapter.Order{{ID: "o1", Spec: p.spec, Price: 100, Size: 1, Side: "buy", Status: "open"}}, nil
}

func (t *fakeTradeAdapter) GetTradeHistory(ctx context.Context, params adapter.TradeHistoryParams) ([]adapter.HistoricalTrade, error) {
	if t.parent.FetchErr != nil {
		return nil, t.parent.FetchErr
	}
	p, ok := params.(fakeTradeHistoryParams)
	if !ok {
		return nil, fmt.Errorf("fake: unexpected trade-history params type %T", params)
	}
	history := make([]adapter.HistoricalTrade, 0, p.limit)
	for i := 0; i < p.limit; i++ {
		history = append(history, adapter.HistoricalTrade{ID: fmt.Sprintf("h%d-%d", p.page, i), Price: 100, Size: 0.1, Side: "buy", Timestamp: time.Now()})
	}
	return history, nil
}

func (t *fakeTradeAdapter) PlaceLimitOrder(ctx context.Context, order adapter.Order) (adapter.Order, error) {
	order.Status = "open"
	return order, nil
}
