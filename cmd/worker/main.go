package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"

	"threads/internal/awsutil"
	"threads/internal/config"
	"threads/internal/httpserver"
	"threads/internal/logging"
	"threads/internal/observability"
	sqsqueue "threads/internal/queue/sqs"
	"threads/internal/store/pg"
	"threads/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	log := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
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
		log.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	processor := worker.NewProcessor(st, cfg.Delivery, log)
	checks := []httpserver.ReadyzCheck{func(c context.Context) error { return db.Ping(c) }}

	relay := &worker.Relay{
		Store:      st,
		Batch:      cfg.RelayBatch,
		Interval:   cfg.RelayInterval,
		StaleAfter: cfg.SendStaleAfter,
		Log:        log,
	}

	var (
		direct   *worker.Direct
		consumer *sqsqueue.Consumer
	)
	if cfg.SQSQueueURL == "" {
		// No queue: the relay hands jobs straight to the senders.
		direct = worker.NewDirect(processor, cfg.SendConcurrency)
		relay.Publisher = direct
		log.Warn("SQS_QUEUE_URL not set; delivering in process")
	} else {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			log.Error("worker sqs client init failed", "err", err)
			os.Exit(1)
		}
		queueReady := func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.SQSQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		}
		startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
		err = queueReady(startupCtx)
		startupCancel()
		if err != nil {
			log.Error("sqs not reachable", "err", err)
			os.Exit(1)
		}
		checks = append(checks, queueReady)

		relay.Publisher = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}
		consumer = &sqsqueue.Consumer{
			SQS:               sqsClient,
			QueueURL:          cfg.SQSQueueURL,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
			Log:               log,
		}
	}

	// health server (liveness + readiness)
	health := httpserver.New()
	health.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, checks...)).Methods(http.MethodGet)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Handler()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}

	healthErrCh := make(chan error, 1)
	go func() {
		log.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker metrics server failed", "err", err)
		}
	}()

	relayErrCh := make(chan error, 1)
	go func() {
		log.Info("worker relay started", "batch", cfg.RelayBatch, "interval", cfg.RelayInterval)
		relayErrCh <- relay.Run(ctx)
	}()

	pollErrCh := make(chan error, 1)
	if consumer != nil {
		go func() {
			log.Info("worker starting poll", "queue_url", cfg.SQSQueueURL)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.NotificationJob) (err error) {
				start := time.Now()
				defer func() {
					status := "ok"
					if err != nil {
						status = "error"
					}
					log.Info("worker job finish",
						"notification_id", job.NotificationID,
						"channel", job.Channel,
						"status", status,
						"duration", time.Since(start),
					)
				}()
				return processor.Process(ctx, job)
			})
		}()
	}

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pollExited := consumer == nil
	select {
	case err := <-pollErrCh:
		pollExited = true
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker poll failed", "err", err)
		}
	case err := <-relayErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker relay failed", "err", err)
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker health server failed", "err", err)
		}
	case sig := <-sigCh:
		log.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		if !pollExited {
			<-pollErrCh
		}
		if direct != nil {
			direct.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Info("worker shutdown timeout waiting for in-flight jobs")
	}
}
