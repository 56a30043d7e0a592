package wsadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter"
	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

var upgrader = websocket.Upgrader{}

// newEchoTickerServer accepts one connection, reads the subscribe
// envelope, then pushes a single ticker update for spec back down.
func newEchoTickerServer(t *testing.T, spec subscription.TickerSpec) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		push := pushEnvelope{Type: "ticker", Spec: spec, Ticker: &adapter.Ticker{Bid: 1, Ask: 2, Last: 1.5, Timestamp: time.Now()}}
		data, _ := json.Marshal(push)
		conn.WriteMessage(websocket.TextMessage, data)

		// Keep the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectSubscribeAndReceiveTicker(t *testing.T) {
	spec := subscription.TickerSpec{Exchange: "generic", Base: "BTC", Counter: "USD"}
	srv := newEchoTickerServer(t, spec)
	defer srv.Close()

	a := New("generic", wsURL(srv.URL), "http://unused")

	received := make(chan adapter.Ticker, 1)
	handle, err := a.Tickers(spec, func(s subscription.TickerSpec, tick adapter.Ticker) {
		select {
		case received <- tick:
		default:
		}
	})
	if err == nil {
		t.Fatal("expected registering a callback before Connect to fail")
	}
	_ = handle

	products := adapter.ProductSubscription{Tickers: []subscription.TickerSpec{spec}}
	if err := a.Connect(context.Background(), products); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	defer a.Disconnect(context.Background())

	handle, err = a.Tickers(spec, func(s subscription.TickerSpec, tick adapter.Ticker) {
		select {
		case received <- tick:
		default:
		}
	})
	if err != nil {
		t.Fatalf("unexpected error registering ticker callback: %v", err)
	}
	defer handle.Close()

	select {
	case tick := <-received:
		if tick.Last != 1.5 {
			t.Fatalf("expected last price 1.5, got %v", tick.Last)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ticker push")
	}
}

func TestDoubleConnectFails(t *testing.T) {
	spec := subscription.TickerSpec{Exchange: "generic", Base: "BTC", Counter: "USD"}
	srv := newEchoTickerServer(t, spec)
	defer srv.Close()

	a := New("generic", wsURL(srv.URL), "http://unused")
	if err := a.Connect(context.Background(), adapter.ProductSubscription{Tickers: []subscription.TickerSpec{spec}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Disconnect(context.Background())

	if err := a.Connect(context.Background(), adapter.ProductSubscription{}); err == nil {
		t.Fatal("expected second Connect to fail while already connected")
	}
}

func TestDisconnectWithoutConnectIsNoOp(t *testing.T) {
	a := New("generic", "ws://unused", "http://unused")
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("expected nil error disconnecting an unconnected adapter, got %v", err)
	}
}

func TestTradeAdapterIsNilForUnauthenticatedReference(t *testing.T) {
	a := New("generic", "ws://unused", "http://unused")
	if a.TradeAdapter() != nil {
		t.Fatal("expected no TradeAdapter without credentials configured")
	}
}
