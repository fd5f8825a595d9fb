package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"threads/internal/chatapi"
	"threads/internal/config"
	"threads/internal/contact"
	"threads/internal/conversation"
	"threads/internal/httpserver"
	"threads/internal/logging"
	"threads/internal/notify"
	"threads/internal/observability"
	"threads/internal/providers/turnstile"
	"threads/internal/ratelimit"
	"threads/internal/store"
	"threads/internal/store/memory"
	"threads/internal/store/pg"
	"threads/internal/validation"
	"threads/internal/worker"
)

func main() {
	cfg := config.LoadAPI()
	log := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	var (
		st      store.Store
		outbox  store.NotificationStore
		db      *pgxpool.Pool
		readyDB httpserver.ReadyzCheck
	)
	switch cfg.StoreDriver {
	case "memory":
		mem := memory.New()
		st, outbox = mem, mem
		log.Warn("using in-memory store; data is lost on exit")
	default:
		var err error
		db, err = pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBMaxConns,
			MinConns:          cfg.DBMinConns,
			MaxConnLifetime:   cfg.DBMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBHealthCheckPeriod,
		}, cfg.DBPingTimeout)
		if err != nil {
			log.Error("api db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		pgStore := pg.New(db)
		st, outbox = pgStore, pgStore
		readyDB = func(ctx context.Context) error { return db.Ping(ctx) }
	}

	contactLimiter, webhookLimiter, readyRedis := limiters(ctx, cfg, log)

	threads := conversation.NewService(st, notify.NewDispatcher(log), log)
	router := contact.NewRouter(st, threads, log)
	if cfg.TurnstileSecret != "" {
		router.Turnstile = &turnstile.Client{
			Secret:    cfg.TurnstileSecret,
			VerifyURL: cfg.TurnstileVerifyURL,
			HTTP:      &http.Client{Timeout: 5 * time.Second},
		}
	} else {
		log.Warn("TURNSTILE_SECRET not set; captcha verification disabled")
	}
	router.Chat = &chatapi.Client{
		BaseURL: cfg.ChatAPIURL,
		Token:   cfg.InternalAPIToken,
		Timeout: cfg.ChatAPITimeout,
		HTTP:    &http.Client{},
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chat-api",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}

	api := &httpserver.API{
		Contact:           router,
		Threads:           threads,
		Validate:          validation.New(),
		Audit:             st,
		Log:               log,
		ContactLimiter:    contactLimiter,
		WebhookLimiter:    webhookLimiter,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		InternalToken:     cfg.InternalAPIToken,
		EmailWebhookKey:   cfg.EmailWebhookKey,
	}
	s := httpserver.New()
	api.Register(s.Mux)

	var checks []httpserver.ReadyzCheck
	if readyDB != nil {
		checks = append(checks, readyDB)
	}
	if readyRedis != nil {
		checks = append(checks, readyRedis)
	}
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, checks...)).Methods(http.MethodGet)

	// In-process delivery: the relay feeds the senders directly.
	var direct *worker.Direct
	relayDone := make(chan struct{})
	if cfg.DeliveryInProcess {
		direct = worker.NewDirect(worker.NewProcessor(outbox, cfg.Delivery, log), cfg.SendConcurrency)
		relay := &worker.Relay{
			Store:      outbox,
			Publisher:  direct,
			Batch:      cfg.RelayBatch,
			Interval:   cfg.RelayInterval,
			StaleAfter: cfg.SendStaleAfter,
			Log:        log,
		}
		go func() {
			defer close(relayDone)
			log.Info("in-process delivery started")
			_ = relay.Run(ctx)
		}()
	} else {
		close(relayDone)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}
	go func() {
		log.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", "port", cfg.Port, "store", cfg.StoreDriver, "delivery_in_process", cfg.DeliveryInProcess)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("api server failed", "err", err)
		os.Exit(1)
	}

	<-relayDone
	if direct != nil {
		direct.Wait()
	}
}

// limiters picks the shared Redis limiter when REDIS_ADDR is set, per-process buckets otherwise.
func limiters(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (contactLim, webhookLim ratelimit.Limiter, ready httpserver.ReadyzCheck) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocal(cfg.ContactRateLimit, cfg.ContactRateWindow),
			ratelimit.NewLocal(cfg.WebhookRateLimit, cfg.WebhookRateWindow),
			nil
	}

	client, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Error("api redis connect failed", "err", err)
		os.Exit(1)
	}
	contactLim = &ratelimit.Redis{Client: client, Prefix: "rl:", Limit: cfg.ContactRateLimit, Window: cfg.ContactRateWindow}
	webhookLim = &ratelimit.Redis{Client: client, Prefix: "rl:", Limit: cfg.WebhookRateLimit, Window: cfg.WebhookRateWindow}
	return contactLim, webhookLim, func(ctx context.Context) error { return client.Ping(ctx).Err() }
}
