package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter/fake"
	"github.com/sawpanic/marketdatasub/internal/marketdata/events"
	"github.com/sawpanic/marketdatasub/internal/marketdata/metrics"
	"github.com/sawpanic/marketdatasub/internal/marketdata/polling"
	"github.com/sawpanic/marketdatasub/internal/marketdata/registry"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

type countingPublisher struct {
	mu                                       sync.Mutex
	tickers, books, trades, orders, history int
}

func (p *countingPublisher) PublishTicker(events.TickerEvent) {
	p.mu.Lock()
	p.tickers++
	p.mu.Unlock()
}
func (p *countingPublisher) PublishOrderBook(events.OrderBookEvent) {
	p.mu.Lock()
	p.books++
	p.mu.Unlock()
}
func (p *countingPublisher) PublishTrade(events.TradeEvent) {
	p.mu.Lock()
	p.trades++
	p.mu.Unlock()
}
func (p *countingPublisher) PublishOpenOrders(events.OpenOrdersEvent) {
	p.mu.Lock()
	p.orders++
	p.mu.Unlock()
}
func (p *countingPublisher) PublishTradeHistory(events.TradeHistoryEvent) {
	p.mu.Lock()
	p.history++
	p.mu.Unlock()
}

func (p *countingPublisher) snapshot() (tickers, books, trades, orders, history int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tickers, p.books, p.trades, p.orders, p.history
}

func newTestEngine(reg *registry.Registry) *Engine {
	m := metrics.New(prometheus.NewRegistry())
	poller := polling.New(1000, 1000, m)
	return New(reg, poller, m, 20*time.Millisecond)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReconcileOpensStreamingSessionForNewExchange(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	reg.Register(binance)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	target := subscription.New(subscription.Subscription{
		Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"},
		Type: subscription.Ticker,
	})
	require.NoError(t, e.reconcile(context.Background(), target, pub))

	assert.Equal(t, 1, binance.ConnectCount())
	assert.True(t, e.Current().Equal(target))
}

func TestReconcileIsIdempotentOnEqualSet(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	reg.Register(binance)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	target := subscription.New(subscription.Subscription{
		Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"},
		Type: subscription.Ticker,
	})
	require.NoError(t, e.reconcile(context.Background(), target, pub))
	require.NoError(t, e.reconcile(context.Background(), target, pub))

	assert.Equal(t, 1, binance.ConnectCount(), "an equal-value target must not reopen the session")
	assert.Equal(t, 0, binance.DisconnectCount())
}

func TestReconcileChangeMinimalityAcrossExchanges(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	kraken := fake.New("kraken", true, false)
	reg.Register(binance)
	reg.Register(kraken)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	binanceSub := subscription.Subscription{Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"}, Type: subscription.Ticker}
	krakenSub := subscription.Subscription{Spec: subscription.TickerSpec{Exchange: "kraken", Base: "ETH", Counter: "USD"}, Type: subscription.Ticker}

	require.NoError(t, e.reconcile(context.Background(), subscription.New(binanceSub, krakenSub), pub))
	assert.Equal(t, 1, binance.ConnectCount())
	assert.Equal(t, 1, kraken.ConnectCount())

	// Add a second kraken subscription; binance's set is untouched.
	krakenSub2 := subscription.Subscription{Spec: subscription.TickerSpec{Exchange: "kraken", Base: "BTC", Counter: "USD"}, Type: subscription.Ticker}
	require.NoError(t, e.reconcile(context.Background(), subscription.New(binanceSub, krakenSub, krakenSub2), pub))

	assert.Equal(t, 1, binance.ConnectCount(), "unrelated exchange must not reconnect")
	assert.Equal(t, 0, binance.DisconnectCount())
	assert.Equal(t, 2, kraken.ConnectCount(), "changed exchange reopens its session")
	assert.Equal(t, 1, kraken.DisconnectCount())
}

// TestReconcileAddingPollingSubToStreamingExchangeDoesNotReconnect covers
// S3: adding a polling-typed subscription (OPEN_ORDERS) to an exchange
// whose streaming-typed subset is unchanged must not disconnect or reopen
// its session, it must only grow activePolling.
func TestReconcileAddingPollingSubToStreamingExchangeDoesNotReconnect(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, true)
	reg.Register(binance)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	tickerSub := subscription.Subscription{Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"}, Type: subscription.Ticker}
	require.NoError(t, e.reconcile(context.Background(), subscription.New(tickerSub), pub))
	assert.Equal(t, 1, binance.ConnectCount())
	assert.Equal(t, 0, e.activePolling.Len())

	openOrdersSub := subscription.Subscription{Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"}, Type: subscription.OpenOrders}
	require.NoError(t, e.reconcile(context.Background(), subscription.New(tickerSub, openOrdersSub), pub))

	assert.Equal(t, 1, binance.ConnectCount(), "unchanged streaming subset must not reconnect")
	assert.Equal(t, 0, binance.DisconnectCount(), "unchanged streaming subset must not disconnect")
	assert.Equal(t, 1, e.activePolling.Len(), "the new polling subscription must be picked up")
	assert.True(t, e.activePolling.Contains(openOrdersSub))
}

func TestReconcileDisconnectsRemovedExchange(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	reg.Register(binance)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	target := subscription.New(subscription.Subscription{
		Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"},
		Type: subscription.Ticker,
	})
	require.NoError(t, e.reconcile(context.Background(), target, pub))
	require.NoError(t, e.reconcile(context.Background(), subscription.Set{}, pub))

	assert.Equal(t, 1, binance.DisconnectCount())
	assert.Equal(t, 0, e.Current().Len())
}

func TestPollingOnlyExchangeServedThroughPoller(t *testing.T) {
	reg := registry.New()
	kraken := fake.New("kraken", false, false)
	reg.Register(kraken)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	target := subscription.New(subscription.Subscription{
		Spec: subscription.TickerSpec{Exchange: "kraken", Base: "BTC", Counter: "USD"},
		Type: subscription.Ticker,
	})
	require.NoError(t, e.reconcile(context.Background(), target, pub))
	assert.Equal(t, 1, e.activePolling.Len())

	e.pollOnce(context.Background(), pub)
	tickers, _, _, _, _ := pub.snapshot()
	assert.Equal(t, 1, tickers)
}

func TestRunPerformsFinalEmptyReconcileOnShutdown(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	reg.Register(binance)

	e := newTestEngine(reg)
	pub := &countingPublisher{}
	e.UpdateSubscriptions(subscription.New(subscription.Subscription{
		Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"},
		Type: subscription.Ticker,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, pub) }()

	waitFor(t, time.Second, func() bool { return binance.ConnectCount() >= 1 })
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not shut down in time")
	}

	assert.Equal(t, 1, binance.DisconnectCount())
	assert.Equal(t, StateStopped, e.State())
}

func TestUpdateSubscriptionsCoalescesRapidUpdates(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	reg.Register(binance)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	spec := subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"}
	for i := 0; i < 5; i++ {
		e.UpdateSubscriptions(subscription.New(subscription.Subscription{Spec: spec, Type: subscription.Ticker}))
	}
	e.consumeAndReconcile(context.Background(), pub)

	assert.Equal(t, 1, binance.ConnectCount())
}

// TestUpdateSubscriptionsWakesSleepingLoopEarly covers the cooperative
// wakeup requirement: a subscription update arriving well after the last
// reconciliation must be picked up before the next naturally-elapsed
// sleep tick, not after it.
func TestUpdateSubscriptionsWakesSleepingLoopEarly(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	reg.Register(binance)

	m := metrics.New(prometheus.NewRegistry())
	poller := polling.New(1000, 1000, m)
	e := New(reg, poller, m, time.Hour) // sleep so long the test would time out waiting on the timer

	pub := &countingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, pub)

	waitFor(t, time.Second, func() bool { return e.State() == StateSleeping })

	// Force the loop to look overdue: pretend its last reconciliation
	// completed well over loopInterval ago, which is what actually makes
	// UpdateSubscriptions send the wake signal rather than coalescing.
	e.mu.Lock()
	e.lastReconcileAt = time.Now().Add(-2 * time.Hour)
	e.mu.Unlock()

	e.UpdateSubscriptions(subscription.New(subscription.Subscription{
		Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"},
		Type: subscription.Ticker,
	}))

	waitFor(t, time.Second, func() bool { return binance.ConnectCount() >= 1 })
}

func TestSnapshotReportsPerExchangeConnectionState(t *testing.T) {
	reg := registry.New()
	binance := fake.New("binance", true, false)
	kraken := fake.New("kraken", false, false)
	reg.Register(binance)
	reg.Register(kraken)

	e := newTestEngine(reg)
	pub := &countingPublisher{}

	target := subscription.New(
		subscription.Subscription{Spec: subscription.TickerSpec{Exchange: "binance", Base: "BTC", Counter: "USDT"}, Type: subscription.Ticker},
		subscription.Subscription{Spec: subscription.TickerSpec{Exchange: "kraken", Base: "BTC", Counter: "USD"}, Type: subscription.Ticker},
	)
	require.NoError(t, e.reconcile(context.Background(), target, pub))

	state, statuses := e.Snapshot()
	assert.Equal(t, StateIdle, state, "Snapshot reports whatever state was set by Run; reconcile alone never changes it")
	assert.Len(t, statuses, 2)

	byExchange := make(map[string]ExchangeStatus, len(statuses))
	for _, s := range statuses {
		byExchange[s.Exchange] = s
	}
	assert.True(t, byExchange["binance"].Connected)
	assert.Equal(t, 1, byExchange["binance"].Streaming)
	assert.Equal(t, 0, byExchange["binance"].Polling)

	assert.False(t, byExchange["kraken"].Connected)
	assert.Equal(t, 0, byExchange["kraken"].Streaming)
	assert.Equal(t, 1, byExchange["kraken"].Polling)
}
