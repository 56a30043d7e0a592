// Package polling drives periodic request/response fetches for every
// subscription that isn't served by a live streaming session: all
// subscriptions on polling-only exchanges, plus the non-streaming-type
// subscriptions (OPEN_ORDERS, TRADE_HISTORY) on streaming exchanges.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter"
	"github.com/sawpanic/marketdatasub/internal/marketdata/events"
	"github.com/sawpanic/marketdatasub/internal/marketdata/metrics"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// defaultOrderBookDepth is used on both sides when a subscription does not
// otherwise specify depth; spec.md pins this default at 20.
const defaultOrderBookDepth = 20

// defaultTradeHistoryPage and defaultTradeHistoryLimit are the paging
// defaults spec.md pins for USER_TRADE_HISTORY polls.
const (
	defaultTradeHistoryPage  = 0
	defaultTradeHistoryLimit = 20
)

// Resolver maps an exchange name to its adapter. The engine satisfies this
// with registry.Registry.Resolve.
type Resolver func(exchange string) (adapter.ExchangeAdapter, bool)

// Loop holds the per-exchange rate limiters and circuit breakers that make
// sequential polling both rate-limit-friendly and resilient to a wedged
// exchange.
type Loop struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	rps      float64
	burst    int
	metrics  *metrics.Registry
}

// New builds a polling Loop. rps/burst configure the per-exchange token
// bucket; a single IP's worth of sequential requests per exchange is the
// rate limit's scope, matching spec.md §4.5.
func New(rps float64, burst int, m *metrics.Registry) *Loop {
	return &Loop{
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		rps:      rps,
		burst:    burst,
		metrics:  m,
	}
}

func (l *Loop) limiterFor(exchange string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[exchange]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[exchange] = lim
	return lim
}

func (l *Loop) breakerFor(exchange string) *gobreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.breakers[exchange]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "marketdata-poll-" + exchange,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	l.breakers[exchange] = b
	return b
}

// Run executes one polling tick: every subscription in activePolling is
// fetched sequentially (per exchange, to respect single-IP rate limits),
// wrapped as an event, and published. Run checks ctx between fetches so a
// caller can cancel promptly; it never returns early just because one
// fetch failed — every sibling subscription still gets a chance to run
// this tick, per spec.md invariant 4.
func (l *Loop) Run(ctx context.Context, resolve Resolver, activePolling subscription.Set, pub events.Publisher) {
	for _, sub := range activePolling.Slice() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		logger := log.With().Str("exchange", sub.Spec.Exchange).Str("subscription", sub.String()).Logger()

		a, ok := resolve(sub.Spec.Exchange)
		if !ok {
			logger.Error().Msg("polling subscription references unregistered exchange, skipping")
			continue
		}

		if err := l.limiterFor(sub.Spec.Exchange).Wait(ctx); err != nil {
			return // context cancelled while waiting on the rate limiter
		}

		l.fetchOne(ctx, a, sub, pub, logger)
	}
}

func (l *Loop) fetchOne(ctx context.Context, a adapter.ExchangeAdapter, sub subscription.Subscription, pub events.Publisher, logger zerolog.Logger) {
	breaker := l.breakerFor(sub.Spec.Exchange)
	timer := l.metrics.StartFetch(sub.Spec.Exchange, sub.Type.String())
	defer timer.Stop()

	_, err := breaker.Execute(func() (any, error) {
		return nil, l.dispatch(ctx, a, sub, pub)
	})
	if err != nil {
		l.metrics.FetchErrors.WithLabelValues(sub.Spec.Exchange, sub.Type.String()).Inc()
		logger.Error().Err(err).Msg("polling fetch failed, will retry next tick")
	}
}

func (l *Loop) dispatch(ctx context.Context, a adapter.ExchangeAdapter, sub subscription.Subscription, pub events.Publisher) error {
	switch sub.Type {
	case subscription.Ticker:
		tick, err := a.MarketDataService().GetTicker(ctx, sub.Spec)
		if err != nil {
			return err
		}
		pub.PublishTicker(events.TickerEvent{Spec: sub.Spec, Ticker: tick})
		return nil

	case subscription.OrderBook:
		book, err := a.MarketDataService().GetOrderBook(ctx, sub.Spec, defaultOrderBookDepth)
		if err != nil {
			return err
		}
		pub.PublishOrderBook(events.OrderBookEvent{Spec: sub.Spec, Book: book})
		return nil

	case subscription.Trades:
		trades, err := a.MarketDataService().GetTrades(ctx, sub.Spec, defaultTradeHistoryLimit)
		if err != nil {
			return err
		}
		for _, trade := range trades {
			pub.PublishTrade(events.TradeEvent{Spec: sub.Spec, Trade: trade})
		}
		return nil

	case subscription.OpenOrders:
		ta := a.TradeAdapter()
		if ta == nil {
			return adapter.ErrUnsupportedSubscription
		}
		params, err := ta.CreateOpenOrdersParams(sub.Spec)
		if err != nil {
			return err
		}
		orders, err := ta.GetOpenOrders(ctx, params)
		if err != nil {
			return err
		}
		pub.PublishOpenOrders(events.OpenOrdersEvent{Spec: sub.Spec, Orders: orders})
		return nil

	case subscription.TradeHistory:
		ta := a.TradeAdapter()
		if ta == nil {
			return adapter.ErrUnsupportedSubscription
		}
		params, err := ta.CreateTradeHistoryParams(sub.Spec, defaultTradeHistoryPage, defaultTradeHistoryLimit)
		if err != nil {
			return err
		}
		history, err := ta.GetTradeHistory(ctx, params)
		if err != nil {
			return err
		}
		pub.PublishTradeHistory(events.TradeHistoryEvent{Spec: sub.Spec, Trades: history})
		return nil

	default:
		// Unknown DataType reaching the polling dispatch is a programmer
		// error (e.g. a new DataType added without updating this switch),
		// not a data condition — spec.md §7 treats these as raised
		// immediately, never caught.
		panic("polling: unknown data type " + sub.Type.String())
	}
}
