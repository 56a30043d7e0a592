// Package wsadapter is a reference ExchangeAdapter over a real WebSocket
// transport: one physical connection per exchange, a generic JSON
// subscribe envelope sent at connect time, and per-subscription callback
// registration that a read loop dispatches into. Ticker, order-book and
// trades fetches go over a plain REST client; the adapter exposes no
// TradeAdapter, so open orders and trade history are not served.
package wsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

const (
	handshakeTimeout = 30 * time.Second
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
)

// Adapter is a generic streaming ExchangeAdapter: it speaks a simple JSON
// subscribe/envelope wire protocol rather than any one exchange's actual
// API, so it can stand in for any WebSocket-based venue in tests and demos
// while still exercising a real network transport.
type Adapter struct {
	name    string
	wsURL   string
	restURL string
	client  *http.Client

	mu      sync.RWMutex
	conn    *websocket.Conn
	closeCh chan struct{}

	tickerCb map[subscription.TickerSpec]adapter.TickerCallback
	bookCb   map[subscription.TickerSpec]adapter.OrderBookCallback
	tradeCb  map[subscription.TickerSpec]adapter.TradeCallback
}

// New builds an Adapter for name, dialing wsURL on Connect and issuing
// REST fetches against restURL.
func New(name, wsURL, restURL string) *Adapter {
	return &Adapter{
		name:     name,
		wsURL:    wsURL,
		restURL:  restURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		tickerCb: make(map[subscription.TickerSpec]adapter.TickerCallback),
		bookCb:   make(map[subscription.TickerSpec]adapter.OrderBookCallback),
		tradeCb:  make(map[subscription.TickerSpec]adapter.TradeCallback),
	}
}

var _ adapter.ExchangeAdapter = (*Adapter)(nil)

func (a *Adapter) Name() string      { return a.name }
func (a *Adapter) IsStreaming() bool { return true }

func (a *Adapter) logger() zerolog.Logger {
	return log.With().Str("exchange", a.name).Logger()
}

func (a *Adapter) MarketDataService() adapter.MarketDataService { return (*restClient)(a) }

// TradeAdapter returns nil: this reference adapter carries no credential
// configuration, so it exposes no authenticated trading surface.
func (a *Adapter) TradeAdapter() adapter.TradeAdapter { return nil }

// subscribeEnvelope is the wire shape sent once, right after dialing, to
// declare every market and data type this connection should push.
type subscribeEnvelope struct {
	Type       string                    `json:"type"`
	Tickers    []subscription.TickerSpec `json:"tickers,omitempty"`
	OrderBooks []subscription.TickerSpec `json:"order_books,omitempty"`
	Trades     []subscription.TickerSpec `json:"trades,omitempty"`
}

// pushEnvelope is the wire shape the server sends per update.
type pushEnvelope struct {
	Type   string                  `json:"type"`
	Spec   subscription.TickerSpec `json:"spec"`
	Ticker *adapter.Ticker         `json:"ticker,omitempty"`
	Book   *adapter.OrderBook      `json:"order_book,omitempty"`
	Trade  *adapter.Trade          `json:"trade,omitempty"`
}

// Connect dials the WebSocket endpoint, sends the subscribe envelope for
// products, and starts the read and ping loops.
func (a *Adapter) Connect(ctx context.Context, products adapter.ProductSubscription) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return fmt.Errorf("wsadapter: %s already connected", a.name)
	}

	u, err := url.Parse(a.wsURL)
	if err != nil {
		return fmt.Errorf("wsadapter: invalid url: %w", err)
	}

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("wsadapter: dial %s: %w", a.name, err)
	}

	env := subscribeEnvelope{Type: "subscribe", Tickers: products.Tickers, OrderBooks: products.OrderBooks, Trades: products.Trades}
	data, err := json.Marshal(env)
	if err != nil {
		conn.Close()
		return fmt.Errorf("wsadapter: marshal subscribe envelope: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("wsadapter: send subscribe envelope: %w", err)
	}

	a.conn = conn
	a.closeCh = make(chan struct{})
	go a.readLoop(a.conn, a.closeCh)
	go a.pingLoop(a.conn, a.closeCh)

	a.logger().Info().Int("tickers", len(products.Tickers)).Int("order_books", len(products.OrderBooks)).Int("trades", len(products.Trades)).Msg("websocket connected and subscribed")
	return nil
}

// Disconnect closes the physical connection and stops the read/ping loops.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	close(a.closeCh)
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *Adapter) readLoop(conn *websocket.Conn, closeCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			a.logger().Error().Interface("panic", r).Msg("websocket read loop panic")
		}
	}()

	for {
		select {
		case <-closeCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closeCh:
				return
			default:
			}
			a.logger().Warn().Err(err).Msg("websocket read error, stopping read loop")
			return
		}

		var env pushEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger().Error().Err(err).Msg("failed to unmarshal push envelope")
			continue
		}
		a.dispatch(env)
	}
}

func (a *Adapter) dispatch(env pushEnvelope) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	switch {
	case env.Ticker != nil:
		if cb, ok := a.tickerCb[env.Spec]; ok {
			cb(env.Spec, *env.Ticker)
		}
	case env.Book != nil:
		if cb, ok := a.bookCb[env.Spec]; ok {
			cb(env.Spec, *env.Book)
		}
	case env.Trade != nil:
		if cb, ok := a.tradeCb[env.Spec]; ok {
			cb(env.Spec, *env.Trade)
		}
	}
}

func (a *Adapter) pingLoop(conn *websocket.Conn, closeCh chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.logger().Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Tickers, OrderBooks, Trades register a callback for spec; Connect must
// already have declared spec in the subscribe envelope for any messages to
// actually arrive.
func (a *Adapter) Tickers(spec subscription.TickerSpec, cb adapter.TickerCallback) (adapter.StreamHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, fmt.Errorf("wsadapter: %s not connected", a.name)
	}
	a.tickerCb[spec] = cb
	return tickerHandle{a, spec}, nil
}

func (a *Adapter) OrderBooks(spec subscription.TickerSpec, cb adapter.OrderBookCallback) (adapter.StreamHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, fmt.Errorf("wsadapter: %s not connected", a.name)
	}
	a.bookCb[spec] = cb
	return bookHandle{a, spec}, nil
}

func (a *Adapter) Trades(spec subscription.TickerSpec, cb adapter.TradeCallback) (adapter.StreamHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, fmt.Errorf("wsadapter: %s not connected", a.name)
	}
	a.tradeCb[spec] = cb
	return tradeHandle{a, spec}, nil
}

var _ adapter.StreamingMarketData = (*Adapter)(nil)

type tickerHandle struct {
	a    *Adapter
	spec subscription.TickerSpec
}

func (h tickerHandle) Close() error {
	h.a.mu.Lock()
	delete(h.a.tickerCb, h.spec)
	h.a.mu.Unlock()
	return nil
}

type bookHandle struct {
	a    *Adapter
	spec subscription.TickerSpec
}

func (h bookHandle) Close() error {
	h.a.mu.Lock()
	delete(h.a.bookCb, h.spec)
	h.a.mu.Unlock()
	return nil
}

type tradeHandle struct {
	a    *Adapter
	spec subscription.TickerSpec
}

func (h tradeHandle) Close() error {
	h.a.mu.Lock()
	delete(h.a.tradeCb, h.spec)
	h.a.mu.Unlock()
	return nil
}

// restClient implements adapter.MarketDataService over plain HTTP GETs
// against the adapter's REST base URL, for polled data types and for
// exchanges where the streaming manifest doesn't cover a given market.
type restClient Adapter

func (r *restClient) get(ctx context.Context, path string, out any) error {
	a := (*Adapter)(r)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("wsadapter: %s rest request failed: %w", a.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wsadapter: %s rest request returned status %d", a.name, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *restClient) GetTicker(ctx context.Context, spec subscription.TickerSpec) (adapter.Ticker, error) {
	var tick adapter.Ticker
	err := r.get(ctx, fmt.Sprintf("/ticker?pair=%s", spec.CurrencyPair()), &tick)
	return tick, err
}

func (r *restClient) GetOrderBook(ctx context.Context, spec subscription.TickerSpec, depth int) (adapter.OrderBook, error) {
	var book adapter.OrderBook
	err := r.get(ctx, fmt.Sprintf("/orderbook?pair=%s&depth=%d", spec.CurrencyPair(), depth), &book)
	return book, err
}

func (r *restClient) GetTrades(ctx context.Context, spec subscription.TickerSpec, limit int) ([]adapter.Trade, error) {
	var trades []adapter.Trade
	err := r.get(ctx, fmt.Sprintf("/trades?pair=%s&limit=%d", spec.CurrencyPair(), limit), &trades)
	return trades, err
}
