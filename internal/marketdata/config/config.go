// Package config loads the daemon's YAML configuration: reconciliation
// cadence, polling rate limit, metrics bind address, and the exchanges
// and markets to subscribe to at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/marketdatasub/internal/marketdata/subscription"
)

// PairConfig names one market and the data types desired on it.
type PairConfig struct {
	Base      string   `yaml:"base"`
	Counter   string   `yaml:"counter"`
	DataTypes []string `yaml:"data_types"`
}

// ExchangeConfig names one exchange, the markets subscribed on it, and two
// flags, Streaming and Trading. cmd/marketdatad registers a streaming
// WebSocket adapter for every exchange and reads neither flag.
type ExchangeConfig struct {
	Name      string       `yaml:"name"`
	Streaming bool         `yaml:"streaming"`
	Trading   bool         `yaml:"trading"`
	Pairs     []PairConfig `yaml:"pairs"`
}

// Config is the daemon's full startup configuration.
type Config struct {
	LoopIntervalRaw string  `yaml:"loop_interval"`
	PollRPS         float64 `yaml:"poll_rps"`
	PollBurst       int     `yaml:"poll_burst"`
	MetricsAddr     string  `yaml:"metrics_addr"`

	Exchanges []ExchangeConfig `yaml:"exchanges"`

	LoopInterval time.Duration `yaml:"-"`
}

// Default returns the configuration used when no file is present: a
// single streaming exchange placeholder is deliberately omitted — an
// empty exchange list is valid and simply means nothing is subscribed
// until the caller calls UpdateSubscriptions itself.
func Default() *Config {
	return &Config{
		LoopIntervalRaw: "5s",
		LoopInterval:    5 * time.Second,
		PollRPS:         5,
		PollBurst:       5,
		MetricsAddr:     ":9090",
	}
}

// Load reads path and returns a validated Config. A missing file is not
// an error: Load returns Default().
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if cfg.LoopIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.LoopIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("config: parse loop_interval %q: %w", cfg.LoopIntervalRaw, err)
		}
		cfg.LoopInterval = d
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LoopInterval <= 0 {
		return fmt.Errorf("loop_interval must be positive")
	}
	if c.PollRPS <= 0 {
		return fmt.Errorf("poll_rps must be positive")
	}
	if c.PollBurst <= 0 {
		return fmt.Errorf("poll_burst must be positive")
	}
	seen := make(map[string]bool)
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange name is required")
		}
		if seen[ex.Name] {
			return fmt.Errorf("duplicate exchange %q", ex.Name)
		}
		seen[ex.Name] = true
		for _, p := range ex.Pairs {
			if p.Base == "" || p.Counter == "" {
				return fmt.Errorf("exchange %q: pair base/counter required", ex.Name)
			}
			for _, dt := range p.DataTypes {
				if _, err := parseDataType(dt); err != nil {
					return fmt.Errorf("exchange %q pair %s/%s: %w", ex.Name, p.Base, p.Counter, err)
				}
			}
		}
	}
	return nil
}

// SubscriptionSet builds the startup subscription.Set this config
// describes.
func (c *Config) SubscriptionSet() (subscription.Set, error) {
	var subs []subscription.Subscription
	for _, ex := range c.Exchanges {
		for _, p := range ex.Pairs {
			spec := subscription.TickerSpec{Exchange: ex.Name, Base: p.Base, Counter: p.Counter}
			for _, raw := range p.DataTypes {
				dt, err := parseDataType(raw)
				if err != nil {
					return subscription.Set{}, err
				}
				subs = append(subs, subscription.Subscription{Spec: spec, Type: dt})
			}
		}
	}
	return subscription.New(subs...), nil
}

func parseDataType(raw string) (subscription.DataType, error) {
	switch raw {
	case "ticker":
		return subscription.Ticker, nil
	case "order_book":
		return subscription.OrderBook, nil
	case "trades":
		return subscription.Trades, nil
	case "open_orders":
		return subscription.OpenOrders, nil
	case "trade_history":
		return subscription.TradeHistory, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", raw)
	}
}
