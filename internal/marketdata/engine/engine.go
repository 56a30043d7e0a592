// Package engine implements the reconciliation loop that reconciles the
// desired subscription set against live exchange sessions and polling
// fetches: consume pending -> group by exchange -> diff and disconnect
// changed exchanges -> open sessions for what's new -> poll what isn't
// streamed -> sleep -> repeat.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketdatasub/internal/marketdata/events"
	"github.com/sawpanic/marketdatasub/internal/marketdata/metrics"
	"github.com/sawpanic/marketdatasub/internal/marketdata/polling"
	"github.com/sawpanic/marketdatasub/internal/marketdata/registry"
	"github.com/sawpanic/marketdatasub/internal/marketdata/session"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// State names a stage of the reconciliation loop's state machine.
type State int

const (
	StateIdle State = iota
	StateReconciling
	StatePolling
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReconciling:
		return "RECONCILING"
	case StatePolling:
		return "POLLING"
	case StateSleeping:
		return "SLEEPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Engine owns live exchange sessions and the per-tick polling pass. It is
// not safe to call Run concurrently with itself, but UpdateSubscriptions
// may be called from any goroutine at any time.
type Engine struct {
	reg          *registry.Registry
	poller       *polling.Loop
	metrics      *metrics.Registry
	loopInterval time.Duration

	pending      atomic.Pointer[subscription.Set]
	lastConsumed *subscription.Set
	wake         chan struct{}

	mu              sync.Mutex
	state           State
	current         subscription.Set
	sessions        map[string]*session.Session
	activePolling   subscription.Set
	lastReconcileAt time.Time
}

// New builds an Engine in StateIdle with an empty target set. Call
// UpdateSubscriptions before or after Run starts; Run picks up whatever is
// current at the start of each cycle.
func New(reg *registry.Registry, poller *polling.Loop, m *metrics.Registry, loopInterval time.Duration) *Engine {
	e := &Engine{
		reg:          reg,
		poller:       poller,
		metrics:      m,
		loopInterval: loopInterval,
		sessions:     make(map[string]*session.Session),
		wake:         make(chan struct{}, 1),
	}
	empty := subscription.Set{}
	e.pending.Store(&empty)
	return e
}

// UpdateSubscriptions replaces the desired subscription set. Concurrent
// calls coalesce: the engine only ever acts on the most recently stored
// value, never queuing intermediate ones. If the last reconciliation
// completed more than loopInterval ago, the sleeping reconcile loop is
// woken immediately; otherwise the update rides along with the next
// naturally-elapsed tick, coalescing bursts of changes instead of waking
// the loop once per call.
func (e *Engine) UpdateSubscriptions(target subscription.Set) {
	t := target
	e.pending.Store(&t)

	e.mu.Lock()
	stale := time.Since(e.lastReconcileAt) > e.loopInterval
	e.mu.Unlock()
	if stale {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// State reports the current stage of the reconciliation loop.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Current returns the last subscription set this engine successfully
// reconciled against live exchanges.
func (e *Engine) Current() subscription.Set {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// ExchangeStatus is a point-in-time, read-only view of one exchange's
// connection state, for operator-facing status surfaces.
type ExchangeStatus struct {
	Exchange  string `json:"exchange"`
	Connected bool   `json:"connected"`
	Streaming int    `json:"streaming_subscriptions"`
	Polling   int    `json:"polling_subscriptions"`
}

// Snapshot reports the engine's current state and per-exchange connection
// status, grouping the last reconciled set's streaming and polling
// subscription counts by exchange.
func (e *Engine) Snapshot() (State, []ExchangeStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentByExchange := e.current.ByExchange()
	pollingByExchange := e.activePolling.ByExchange()

	exchanges := make(map[string]struct{}, len(currentByExchange)+len(pollingByExchange))
	for ex := range currentByExchange {
		exchanges[ex] = struct{}{}
	}
	for ex := range pollingByExchange {
		exchanges[ex] = struct{}{}
	}

	statuses := make([]ExchangeStatus, 0, len(exchanges))
	for ex := range exchanges {
		_, connected := e.sessions[ex]
		statuses = append(statuses, ExchangeStatus{
			Exchange:  ex,
			Connected: connected,
			Streaming: currentByExchange[ex].Len() - pollingByExchange[ex].Len(),
			Polling:   pollingByExchange[ex].Len(),
		})
	}
	return e.state, statuses
}

// Run drives the reconciliation loop until ctx is cancelled. On
// cancellation it performs one final reconciliation against an empty
// target — tearing down every live session — before returning, satisfying
// the clean-shutdown invariant. Run returns ctx.Err().
func (e *Engine) Run(ctx context.Context, pub events.Publisher) error {
	for {
		if ctx.Err() != nil {
			e.setState(StateReconciling)
			e.reconcile(context.Background(), subscription.Set{}, pub)
			e.setState(StateStopped)
			return ctx.Err()
		}

		e.setState(StateReconciling)
		e.consumeAndReconcile(ctx, pub)

		e.setState(StatePolling)
		e.pollOnce(ctx, pub)

		e.setState(StateSleeping)
		select {
		case <-ctx.Done():
			continue
		case <-e.wake:
		case <-time.After(e.loopInterval):
		}
	}
}

// consumeAndReconcile reconciles the currently pending target if it
// differs (by identity) from the last one successfully applied. A failed
// reconciliation leaves lastConsumed untouched so the same target is
// retried next cycle, unless a newer UpdateSubscriptions call has already
// superseded it — in which case the stale, failed target is simply
// dropped in favor of the newer one.
func (e *Engine) consumeAndReconcile(ctx context.Context, pub events.Publisher) {
	p := e.pending.Load()
	if p == e.lastConsumed {
		return
	}
	target := *p
	err := e.reconcile(ctx, target, pub)

	e.mu.Lock()
	e.lastReconcileAt = time.Now()
	e.mu.Unlock()

	if err != nil {
		e.metrics.ReconcileErrors.Inc()
		log.Error().Err(err).Msg("reconciliation failed, will retry")
		return
	}
	e.lastConsumed = p
}

func (e *Engine) reconcile(ctx context.Context, target subscription.Set, pub events.Publisher) error {
	timer := e.metrics.StartReconcile()
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	targetByExchange := target.ByExchange()
	currentByExchange := e.current.ByExchange()

	isStreamingSub := func(s subscription.Subscription) bool { return s.Type.Streaming() }

	for exchange, prevSet := range currentByExchange {
		newSet, stillPresent := targetByExchange[exchange]
		if stillPresent {
			if a, ok := e.reg.Resolve(exchange); ok && a.IsStreaming() {
				prevStream := prevSet.Filter(isStreamingSub)
				newStream := newSet.Filter(isStreamingSub)
				if newStream.Equal(prevStream) {
					continue
				}
			}
		}
		if sess, ok := e.sessions[exchange]; ok {
			sess.Close(ctx)
			delete(e.sessions, exchange)
			e.metrics.ExchangeDisconnects.WithLabelValues(exchange).Inc()
		}
	}

	var pollSubs []subscription.Subscription
	var firstErr error

	for exchange, subs := range targetByExchange {
		prevSet, hadPrev := currentByExchange[exchange]

		a, ok := e.reg.Resolve(exchange)
		if !ok {
			log.Error().Str("exchange", exchange).Msg("target references unregistered exchange, dropping its subscriptions")
			continue
		}

		streamable := a.IsStreaming()
		streamTarget := subs.Filter(func(s subscription.Subscription) bool { return streamable && s.Type.Streaming() })
		pollTarget := subs.Filter(func(s subscription.Subscription) bool { return !streamable || !s.Type.Streaming() })

		pollSubs = append(pollSubs, pollTarget.Slice()...)

		// Change minimality is judged on the streaming-typed subset only: a
		// new polling-typed subscription on an otherwise-unchanged exchange
		// must not reopen its session.
		prevStreamTarget := prevSet.Filter(isStreamingSub)
		changed := !hadPrev || !prevStreamTarget.Equal(streamTarget)

		if streamTarget.Len() == 0 {
			continue
		}
		if !changed {
			continue // existing session already serves this exact set
		}

		sess := session.New(a)
		if err := sess.Open(ctx, streamTarget, pub); err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("failed to open streaming session")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.sessions[exchange] = sess
		e.metrics.ExchangeConnects.WithLabelValues(exchange).Inc()
	}

	if firstErr != nil {
		return firstErr
	}

	e.current = target
	e.activePolling = subscription.New(pollSubs...)
	return nil
}

func (e *Engine) pollOnce(ctx context.Context, pub events.Publisher) {
	e.mu.Lock()
	active := e.activePolling
	e.mu.Unlock()
	if active.Len() == 0 {
		return
	}
	e.poller.Run(ctx, e.reg.Resolve, active, pub)
}
