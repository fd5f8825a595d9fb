package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"threads/internal/config"
	"threads/internal/conversation"
	"threads/internal/httpserver"
	"threads/internal/logging"
	"threads/internal/notify"
	"threads/internal/observability"
	"threads/internal/ratelimit"
	"threads/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	log := logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnLifetime:   cfg.DBMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
	}, cfg.DBPingTimeout)
	if err != nil {
		log.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	wh := &httpserver.Webhook{
		Store:     st,
		Threads:   conversation.NewService(st, notify.NewDispatcher(log), log),
		AuthToken: cfg.TwilioAuthToken,
		PublicURL: cfg.PublicWebhookURL,
		Log:       log,
	}
	limit := httpserver.RateLimit{
		Limiter: ratelimit.NewLocal(cfg.WebhookRateLimit, cfg.WebhookRateWindow),
		Scope:   "twilio_webhook",
	}

	s := httpserver.New()
	wh.Register(s.Mux, limit.Wrap)
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	})).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("webhook metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
