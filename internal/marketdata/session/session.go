// Package session owns the lifecycle of a single streaming exchange
// connection: the physical connect/disconnect, the set of active stream
// subscriptions on it, and the disposables tying each stream to the
// event buses.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter"
	"github.com/sawpanic/marketdatasub/internal/marketdata/events"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// Session encapsulates one outbound connection to a streaming exchange.
type Session struct {
	exchange string
	adapter  adapter.ExchangeAdapter
	breaker  *gobreaker.CircuitBreaker
	id       uuid.UUID

	handles []adapter.StreamHandle
	active  subscription.Set
}

// New creates a Session for a (already resolved, streaming-capable)
// adapter. Connect and Disconnect run through a circuit breaker owned by
// this Session, which trips after three consecutive failures. The breaker
// sets no deadline on a call that blocks, and its failure counts are not
// shared with other Sessions for the same exchange.
func New(a adapter.ExchangeAdapter) *Session {
	name := a.Name()
	settings := gobreaker.Settings{
		Name:        "marketdata-session-" + name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Session{
		exchange: name,
		adapter:  a,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		id:       uuid.New(),
	}
}

func (s *Session) logger() zerolog.Logger {
	return log.With().Str("exchange", s.exchange).Str("session_id", s.id.String()).Logger()
}

// Active returns the streaming subscription set currently open on this
// session.
func (s *Session) Active() subscription.Set {
	return s.active
}

// Open connects with precisely the given streaming target and registers a
// per-subscription callback pipeline that forwards into pub. A
// subscription whose data type has no matching observable factory call is
// logged and skipped without aborting the rest of target.
func (s *Session) Open(ctx context.Context, target subscription.Set, pub events.Publisher) error {
	logger := s.logger()
	products := adapter.FromSet(target)

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.adapter.Connect(ctx, products)
	})
	if err != nil {
		logger.Error().Err(err).Msg("streaming connect failed")
		return err
	}

	smd := s.adapter.StreamingMarketData()
	for _, sub := range target.Slice() {
		var handle adapter.StreamHandle
		var openErr error

		switch sub.Type {
		case subscription.Ticker:
			handle, openErr = smd.Tickers(sub.Spec, func(spec subscription.TickerSpec, tick adapter.Ticker) {
				pub.PublishTicker(events.TickerEvent{Spec: spec, Ticker: tick})
			})
		case subscription.OrderBook:
			handle, openErr = smd.OrderBooks(sub.Spec, func(spec subscription.TickerSpec, book adapter.OrderBook) {
				pub.PublishOrderBook(events.OrderBookEvent{Spec: spec, Book: book})
			})
		case subscription.Trades:
			handle, openErr = smd.Trades(sub.Spec, func(spec subscription.TickerSpec, trade adapter.Trade) {
				pub.PublishTrade(events.TradeEvent{Spec: spec, Trade: trade})
			})
		default:
			logger.Error().Str("subscription", sub.String()).Msg("non-streaming data type in streaming target, skipping")
			continue
		}

		if openErr != nil {
			logger.Error().Err(openErr).Str("subscription", sub.String()).Msg("per-subscription stream open failed, skipping")
			continue
		}
		s.handles = append(s.handles, handle)
	}

	s.active = target
	logger.Info().Int("subscriptions", target.Len()).Msg("streaming session opened")
	return nil
}

// Close releases every per-subscription handle (best effort, logging
// failures) before disconnecting, and blocks until the disconnect call
// returns.
func (s *Session) Close(ctx context.Context) {
	logger := s.logger()

	for _, h := range s.handles {
		if err := h.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to release stream handle")
		}
	}
	s.handles = nil

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.adapter.Disconnect(ctx)
	})
	if err != nil {
		logger.Error().Err(err).Msg("disconnect failed")
	}
	s.active = subscription.Set{}
	logger.Info().Msg("streaming session closed")
}
