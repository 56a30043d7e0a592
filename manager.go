// Package marketdata is a library for keeping a set of desired
// market-data subscriptions reconciled against live exchange connections
// and polling fetches, and for fanning out the resulting events to
// interested consumers with latest-wins backpressure.
package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketdatasub/internal/marketdata/engine"
	"github.com/sawpanic/marketdatasub/internal/marketdata/events"
	"github.com/sawpanic/marketdatasub/internal/marketdata/eventbus"
	"github.com/sawpanic/marketdatasub/internal/marketdata/metrics"
	"github.com/sawpanic/marketdatasub/internal/marketdata/polling"
	"github.com/sawpanic/marketdatasub/internal/marketdata/registry"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// ErrAlreadyStarted is returned by Start if the Manager is already running.
var ErrAlreadyStarted = errors.New("marketdata: manager already started")

// Options configures a Manager's reconciliation cadence and polling rate
// limit. The zero value is filled in with conservative defaults.
type Options struct {
	// LoopInterval is how long the reconciliation loop sleeps between
	// cycles. Default 5s.
	LoopInterval time.Duration
	// PollRPS and PollBurst bound the per-exchange polling rate. Defaults
	// are 5 req/s with a burst of 5.
	PollRPS   float64
	PollBurst int
}

func (o Options) withDefaults() Options {
	if o.LoopInterval <= 0 {
		o.LoopInterval = 5 * time.Second
	}
	if o.PollRPS <= 0 {
		o.PollRPS = 5
	}
	if o.PollBurst <= 0 {
		o.PollBurst = 5
	}
	return o
}

// Manager is the public entry point: register exchange adapters into a
// registry.Registry, construct a Manager over it, then UpdateSubscriptions
// and Start. Subscribe/GetSubscription hand out per-market event streams;
// Stop tears every live connection down cleanly.
type Manager struct {
	reg     *registry.Registry
	engine  *engine.Engine
	metrics *metrics.Registry

	tickerTopic       *eventbus.Topic[events.TickerEvent]
	orderBookTopic    *eventbus.Topic[events.OrderBookEvent]
	tradeTopic        *eventbus.Topic[events.TradeEvent]
	openOrdersTopic   *eventbus.Topic[events.OpenOrdersEvent]
	tradeHistoryTopic *eventbus.Topic[events.TradeHistoryEvent]

	mu      sync.Mutex
	desired subscription.Set
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Manager. reg must already hold every exchange adapter the
// caller intends to subscribe to. metricsReg is typically
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests.
func New(reg *registry.Registry, metricsReg prometheus.Registerer, opts Options) *Manager {
	opts = opts.withDefaults()
	m := metrics.New(metricsReg)
	poller := polling.New(opts.PollRPS, opts.PollBurst, m)

	mgr := &Manager{
		reg:               reg,
		engine:            engine.New(reg, poller, m, opts.LoopInterval),
		metrics:           m,
		tickerTopic:       eventbus.New[events.TickerEvent](),
		orderBookTopic:    eventbus.New[events.OrderBookEvent](),
		tradeTopic:        eventbus.New[events.TradeEvent](),
		openOrdersTopic:   eventbus.New[events.OpenOrdersEvent](),
		tradeHistoryTopic: eventbus.New[events.TradeHistoryEvent](),
	}
	wireTopicMetrics(mgr.tickerTopic, m, subscription.Ticker)
	wireTopicMetrics(mgr.orderBookTopic, m, subscription.OrderBook)
	wireTopicMetrics(mgr.tradeTopic, m, subscription.Trades)
	wireTopicMetrics(mgr.openOrdersTopic, m, subscription.OpenOrders)
	wireTopicMetrics(mgr.tradeHistoryTopic, m, subscription.TradeHistory)
	return mgr
}

// wireTopicMetrics connects a topic's drop and consumer-count hooks to the
// shared metrics registry under dataType's label.
func wireTopicMetrics[T any](topic *eventbus.Topic[T], m *metrics.Registry, dataType subscription.DataType) {
	label := dataType.String()
	topic.OnDrop(func() { m.EventsDropped.WithLabelValues(label).Inc() })
	topic.OnConsumerChange(func(n int) { m.BusConsumers.WithLabelValues(label).Set(float64(n)) })
}

// UpdateSubscriptions replaces the entire desired subscription set.
// Concurrent or rapid calls coalesce: the reconciliation loop only ever
// acts on the most recent value.
func (m *Manager) UpdateSubscriptions(target subscription.Set) {
	m.mu.Lock()
	m.desired = target
	m.mu.Unlock()
	m.engine.UpdateSubscriptions(target)
}

// Subscribe adds a single subscription to the desired set, leaving every
// other existing subscription untouched, and returns its event stream
// exactly as GetSubscription would.
func (m *Manager) Subscribe(sub subscription.Subscription) (<-chan any, func()) {
	m.mu.Lock()
	next := subscription.New(append(m.desired.Slice(), sub)...)
	m.desired = next
	m.mu.Unlock()
	m.engine.UpdateSubscriptions(next)
	return m.GetSubscription(sub)
}

// GetSubscription returns a latest-wins stream of events matching sub,
// regardless of whether sub is part of the currently reconciled set.
// Closing the returned func releases the stream; it does not affect
// reconciliation. Passing a Subscription with an unrecognized DataType is
// a programmer error and panics.
func (m *Manager) GetSubscription(sub subscription.Subscription) (<-chan any, func()) {
	switch sub.Type {
	case subscription.Ticker:
		return wrapAny(m.tickerTopic, func(e events.TickerEvent) bool { return e.Spec == sub.Spec })
	case subscription.OrderBook:
		return wrapAny(m.orderBookTopic, func(e events.OrderBookEvent) bool { return e.Spec == sub.Spec })
	case subscription.Trades:
		return wrapAny(m.tradeTopic, func(e events.TradeEvent) bool { return e.Spec == sub.Spec })
	case subscription.OpenOrders:
		return wrapAny(m.openOrdersTopic, func(e events.OpenOrdersEvent) bool { return e.Spec == sub.Spec })
	case subscription.TradeHistory:
		return wrapAny(m.tradeHistoryTopic, func(e events.TradeHistoryEvent) bool { return e.Spec == sub.Spec })
	default:
		panic("marketdata: unknown data type in GetSubscription")
	}
}

// GetTicker returns a typed latest-wins stream of ticker events for spec.
func (m *Manager) GetTicker(spec subscription.TickerSpec) (<-chan events.TickerEvent, func()) {
	return m.tickerTopic.Filtered(func(e events.TickerEvent) bool { return e.Spec == spec })
}

// GetOrderBook returns a typed latest-wins stream of order book events for spec.
func (m *Manager) GetOrderBook(spec subscription.TickerSpec) (<-chan events.OrderBookEvent, func()) {
	return m.orderBookTopic.Filtered(func(e events.OrderBookEvent) bool { return e.Spec == spec })
}

// GetTrades returns a typed latest-wins stream of trade events for spec.
func (m *Manager) GetTrades(spec subscription.TickerSpec) (<-chan events.TradeEvent, func()) {
	return m.tradeTopic.Filtered(func(e events.TradeEvent) bool { return e.Spec == spec })
}

// GetOpenOrders returns a typed latest-wins stream of open-orders snapshots for spec.
func (m *Manager) GetOpenOrders(spec subscription.TickerSpec) (<-chan events.OpenOrdersEvent, func()) {
	return m.openOrdersTopic.Filtered(func(e events.OpenOrdersEvent) bool { return e.Spec == spec })
}

// GetTradeHistory returns a typed latest-wins stream of trade-history pages for spec.
func (m *Manager) GetTradeHistory(spec subscription.TickerSpec) (<-chan events.TradeHistoryEvent, func()) {
	return m.tradeHistoryTopic.Filtered(func(e events.TradeHistoryEvent) bool { return e.Spec == spec })
}

// Status is a point-in-time operator-facing snapshot of the Manager:
// whether a subscription update is still waiting to be reconciled, the
// reconciliation loop's current stage, per-exchange connection state, and
// how many live consumers each event topic is currently serving.
type Status struct {
	PendingUpdate         bool                    `json:"pending_update"`
	State                 string                  `json:"state"`
	Exchanges             []engine.ExchangeStatus `json:"exchanges"`
	TickerConsumers       int                     `json:"ticker_consumers"`
	OrderBookConsumers    int                     `json:"order_book_consumers"`
	TradeConsumers        int                     `json:"trade_consumers"`
	OpenOrdersConsumers   int                     `json:"open_orders_consumers"`
	TradeHistoryConsumers int                     `json:"trade_history_consumers"`
}

// Status reports the Manager's current state for operator tooling such as
// the marketdatad status subcommand.
func (m *Manager) Status() Status {
	state, exchanges := m.engine.Snapshot()
	m.mu.Lock()
	desired := m.desired
	m.mu.Unlock()
	return Status{
		PendingUpdate:         !desired.Equal(m.engine.Current()),
		State:                 state.String(),
		Exchanges:             exchanges,
		TickerConsumers:       m.tickerTopic.ConsumerCount(),
		OrderBookConsumers:    m.orderBookTopic.ConsumerCount(),
		TradeConsumers:        m.tradeTopic.ConsumerCount(),
		OpenOrdersConsumers:   m.openOrdersTopic.ConsumerCount(),
		TradeHistoryConsumers: m.tradeHistoryTopic.ConsumerCount(),
	}
}

// Start launches the reconciliation loop in the background. It returns
// immediately; the loop runs until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.engine.Run(runCtx, m); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("reconciliation engine exited unexpectedly")
		}
	}()
	return nil
}

// Stop cancels the reconciliation loop and blocks until it has finished
// its final, empty-target reconciliation — every live session is closed
// before Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// PublishTicker implements events.Publisher.
func (m *Manager) PublishTicker(e events.TickerEvent) {
	m.metrics.EventsPublished.WithLabelValues(subscription.Ticker.String()).Inc()
	m.tickerTopic.Publish(e)
}

// PublishOrderBook implements events.Publisher.
func (m *Manager) PublishOrderBook(e events.OrderBookEvent) {
	m.metrics.EventsPublished.WithLabelValues(subscription.OrderBook.String()).Inc()
	m.orderBookTopic.Publish(e)
}

// PublishTrade implements events.Publisher.
func (m *Manager) PublishTrade(e events.TradeEvent) {
	m.metrics.EventsPublished.WithLabelValues(subscription.Trades.String()).Inc()
	m.tradeTopic.Publish(e)
}

// PublishOpenOrders implements events.Publisher.
func (m *Manager) PublishOpenOrders(e events.OpenOrdersEvent) {
	m.metrics.EventsPublished.WithLabelValues(subscription.OpenOrders.String()).Inc()
	m.openOrdersTopic.Publish(e)
}

// PublishTradeHistory implements events.Publisher.
func (m *Manager) PublishTradeHistory(e events.TradeHistoryEvent) {
	m.metrics.EventsPublished.WithLabelValues(subscription.TradeHistory.String()).Inc()
	m.tradeHistoryTopic.Publish(e)
}

var _ events.Publisher = (*Manager)(nil)

// wrapAny adapts a typed, filtered topic stream into the untyped stream
// GetSubscription promises, without leaking the forwarding goroutine once
// the returned closer runs.
func wrapAny[T any](topic *eventbus.Topic[T], match func(T) bool) (<-chan any, func()) {
	raw, rawCloser := topic.Filtered(match)
	out := make(chan any, 1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case v := <-raw:
				select {
				case out <- v:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- v:
					default:
					}
				}
			}
		}
	}()

	var once sync.Once
	closer := func() {
		once.Do(func() {
			close(done)
			rawCloser()
		})
	}
	return out, closer
}
