// Package notify turns thread events into durable notification intents.
//
// Intents are written to the outbox next to the message they announce. A failing
// outbox write is logged and swallowed; it never reaches the caller and never rolls
// back the message.
package notify

import (
	"context"
	"log/slog"
	"time"

	"threads/internal/domain"
	"threads/internal/observability"
	"threads/internal/store"
	"threads/internal/util"
)

type Dispatcher struct {
	IDGen func(prefix string) string
	Now   func() time.Time
	Log   *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{IDGen: util.NewID, Now: util.NowUTC, Log: log}
}

// Enqueue writes n to the outbox through q inside a savepoint. It reports whether the intent was stored.
func (d *Dispatcher) Enqueue(ctx context.Context, q store.Queries, n domain.Notification) bool {
	if n.Recipient == "" {
		d.Log.Info("notification skipped: no recipient", "kind", n.Kind, "channel", n.Channel, "conversation_id", n.ConversationID)
		observability.Notifications.WithLabelValues(string(n.Kind), string(n.Channel), "skipped").Inc()
		return false
	}

	now := d.Now()
	if n.ID == "" {
		n.ID = d.IDGen("ntf")
	}
	n.State = domain.NotifyPending
	n.CreatedAt, n.UpdatedAt = now, now

	err := q.Savepoint(ctx, func(sq store.Queries) error {
		return sq.InsertNotification(ctx, n)
	})
	if err != nil {
		d.Log.Error("notification enqueue failed", "kind", n.Kind, "channel", n.Channel, "conversation_id", n.ConversationID, "err", err)
		observability.Notifications.WithLabelValues(string(n.Kind), string(n.Channel), "error").Inc()
		return false
	}
	observability.Notifications.WithLabelValues(string(n.Kind), string(n.Channel), "queued").Inc()
	return true
}

// EnqueueAll writes each intent independently; one failure does not stop the rest.
func (d *Dispatcher) EnqueueAll(ctx context.Context, q store.Queries, ns ...domain.Notification) int {
	stored := 0
	for _, n := range ns {
		if d.Enqueue(ctx, q, n) {
			stored++
		}
	}
	return stored
}
