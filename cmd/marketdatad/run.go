package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketdatasub"
	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter/wsadapter"
	"github.com/sawpanic/marketdatasub/internal/marketdata/config"
	"github.com/sawpanic/marketdatasub/internal/marketdata/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load config, connect to exchanges, and reconcile subscriptions until interrupted",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	for _, ex := range cfg.Exchanges {
		reg.Register(wsadapter.New(ex.Name, "wss://"+ex.Name+"/stream", "https://"+ex.Name+"/api"))
	}

	metricsReg := prometheus.NewRegistry()
	manager := marketdata.New(reg, metricsReg, marketdata.Options{
		LoopInterval: cfg.LoopInterval,
		PollRPS:      cfg.PollRPS,
		PollBurst:    cfg.PollBurst,
	})

	target, err := cfg.SubscriptionSet()
	if err != nil {
		return err
	}
	manager.UpdateSubscriptions(target)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(manager.Status())
	})
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping")

	manager.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
