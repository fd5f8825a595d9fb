package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"threads/internal/domain"
	"threads/internal/observability"
	sqsqueue "threads/internal/queue/sqs"
	"threads/internal/store"
)

type Publisher interface {
	Publish(ctx context.Context, job sqsqueue.NotificationJob) error
}

// Relay moves pending outbox rows to a publisher.
type Relay struct {
	Store     store.NotificationStore
	Publisher Publisher
	Batch     int
	Interval  time.Duration
	// StaleAfter returns rows stuck in queued or processing to pending; 0 disables it.
	StaleAfter time.Duration

	Log *slog.Logger
	Now func() time.Time
}

// RunOnce publishes one batch and reports how many rows were handed off.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	if r.StaleAfter > 0 {
		n, err := r.Store.RequeueStale(ctx, now.Add(-r.StaleAfter), now)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			r.log().Warn("requeued stale notifications", "count", n)
		}
	}

	batch := r.Batch
	if batch <= 0 {
		batch = 50
	}
	rows, err := r.Store.ClaimPending(ctx, batch, now)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, n := range rows {
		job := sqsqueue.NotificationJob{NotificationID: n.ID, ConversationID: n.ConversationID, Channel: string(n.Channel)}
		if err := r.Publisher.Publish(ctx, job); err != nil {
			observability.Enqueues.WithLabelValues("error").Inc()
			r.log().Error("publish notification failed", "notification_id", n.ID, "err", err)
			_ = r.Store.SetNotificationState(context.WithoutCancel(ctx), store.NotificationStateUpdate{
				ID: n.ID, State: domain.NotifyPending, LastError: "enqueue_failed", Now: r.now(),
			})
			continue
		}
		observability.Enqueues.WithLabelValues("ok").Inc()
		sent++
	}
	return sent, nil
}

// Run polls until ctx ends. A full batch is followed immediately by another.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log().Error("outbox relay failed", "err", err)
		}
		if err == nil && n > 0 && n >= r.Batch && r.Batch > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Relay) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func (r *Relay) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// Direct publishes by processing jobs in this process, at most Concurrency at a time.
type Direct struct {
	Processor *Processor
	sem       chan struct{}
	wg        sync.WaitGroup
}

func NewDirect(p *Processor, concurrency int) *Direct {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Direct{Processor: p, sem: make(chan struct{}, concurrency)}
}

func (d *Direct) Publish(ctx context.Context, job sqsqueue.NotificationJob) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.sem
			d.wg.Done()
		}()
		// A send that started before shutdown is allowed to finish.
		if err := d.Processor.Process(context.WithoutCancel(ctx), job); err != nil {
			d.Processor.log().Error("deliver notification failed", "notification_id", job.NotificationID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until in-flight jobs finish.
func (d *Direct) Wait() { d.wg.Wait() }
