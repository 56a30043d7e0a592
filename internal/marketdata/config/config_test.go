package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollRPS != 5 || cfg.PollBurst != 5 {
		t.Fatalf("expected default poll rate, got %+v", cfg)
	}
}

func TestLoadParsesLoopIntervalAndExchanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
loop_interval: 10s
poll_rps: 2
poll_burst: 4
metrics_addr: ":9999"
exchanges:
  - name: binance
    streaming: true
    pairs:
      - base: BTC
        counter: USDT
        data_types: [ticker, order_book]
  - name: kraken
    streaming: false
    trading: true
    pairs:
      - base: ETH
        counter: USD
        data_types: [trade_history]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LoopInterval.Seconds() != 10 {
		t.Fatalf("expected 10s loop interval, got %v", cfg.LoopInterval)
	}

	set, err := cfg.SubscriptionSet()
	if err != nil {
		t.Fatalf("unexpected error building subscription set: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", set.Len())
	}
	if !set.Contains(subscription.Subscription{
		Spec: subscription.TickerSpec{Exchange: "kraken", Base: "ETH", Counter: "USD"},
		Type: subscription.TradeHistory,
	}) {
		t.Fatal("expected kraken trade history subscription")
	}
}

func TestLoadRejectsUnknownDataType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
exchanges:
  - name: binance
    pairs:
      - base: BTC
        counter: USDT
        data_types: [not_a_real_type]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown data type")
	}
}

func TestLoadRejectsDuplicateExchange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
exchanges:
  - name: binance
    pairs: []
  - name: binance
    pairs: []
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a duplicate exchange")
	}
}
