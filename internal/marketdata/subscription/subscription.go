// Package subscription models the declarative, immutable value types that
// describe what market data is desired: a ticker spec, a data type tag, a
// single subscription, and a set of subscriptions.
package subscription

import "sort"

// DataType tags the kind of feed a Subscription asks for. The enumeration is
// closed: callers dispatching on DataType should treat an unrecognized value
// as a programmer error, not a data condition to tolerate.
type DataType int

const (
	Ticker DataType = iota
	OrderBook
	Trades
	OpenOrders
	TradeHistory
)

func (d DataType) String() string {
	switch d {
	case Ticker:
		return "ticker"
	case OrderBook:
		return "order_book"
	case Trades:
		return "trades"
	case OpenOrders:
		return "open_orders"
	case TradeHistory:
		return "trade_history"
	default:
		return "unknown"
	}
}

// Streaming reports whether this data type is carried over a push
// connection on a streaming exchange. TICKER, ORDER_BOOK and TRADES are;
// on a polling-only exchange they are polled instead. OPEN_ORDERS and
// TRADE_HISTORY are always request/response.
func (d DataType) Streaming() bool {
	switch d {
	case Ticker, OrderBook, Trades:
		return true
	default:
		return false
	}
}

// TickerSpec identifies a market: one exchange, one currency pair.
type TickerSpec struct {
	Exchange string
	Base     string
	Counter  string
}

// CurrencyPair renders the base/counter pair the way exchange adapters
// expect to see it in log lines and product subscriptions.
func (s TickerSpec) CurrencyPair() string {
	return s.Base + "/" + s.Counter
}

func (s TickerSpec) String() string {
	return s.Exchange + ":" + s.CurrencyPair()
}

// Subscription is a single desired feed: one market, one data type.
type Subscription struct {
	Spec TickerSpec
	Type DataType
}

func (s Subscription) String() string {
	return s.Spec.String() + "/" + s.Type.String()
}

// Set is an immutable collection of subscriptions with structural equality.
// The zero value is an empty set. Duplicates passed to New collapse, per
// map semantics.
type Set struct {
	subs map[Subscription]struct{}
}

// New builds a Set from the given subscriptions, collapsing duplicates.
func New(subs ...Subscription) Set {
	m := make(map[Subscription]struct{}, len(subs))
	for _, s := range subs {
		m[s] = struct{}{}
	}
	return Set{subs: m}
}

// Len returns the number of distinct subscriptions in the set.
func (s Set) Len() int {
	return len(s.subs)
}

// Contains reports whether sub is a member of the set.
func (s Set) Contains(sub Subscription) bool {
	_, ok := s.subs[sub]
	return ok
}

// Slice returns the set's members in a deterministic (sorted by String)
// order, useful for logging and tests.
func (s Set) Slice() []Subscription {
	out := make([]Subscription, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Equal reports structural equality: same subscriptions, order irrelevant.
func (s Set) Equal(other Set) bool {
	if len(s.subs) != len(other.subs) {
		return false
	}
	for sub := range s.subs {
		if _, ok := other.subs[sub]; !ok {
			return false
		}
	}
	return true
}

// Filter returns the subset of s for which pred returns true.
func (s Set) Filter(pred func(Subscription) bool) Set {
	out := make(map[Subscription]struct{})
	for sub := range s.subs {
		if pred(sub) {
			out[sub] = struct{}{}
		}
	}
	return Set{subs: out}
}

// ByExchange groups the set's members by TickerSpec.Exchange.
func (s Set) ByExchange() map[string]Set {
	grouped := make(map[string]map[Subscription]struct{})
	for sub := range s.subs {
		m, ok := grouped[sub.Spec.Exchange]
		if !ok {
			m = make(map[Subscription]struct{})
		}
		m[sub] = struct{}{}
		grouped[sub.Spec.Exchange] = m
	}
	out := make(map[string]Set, len(grouped))
	for exchange, m := range grouped {
		out[exchange] = Set{subs: m}
	}
	return out
}
