package sqsqueue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

func msg(handle, body string) types.Message {
	return types.Message{ReceiptHandle: &handle, Body: &body}
}

func TestPollConcurrentDeletesOnlyHandledMessages(t *testing.T) {
	f := &fakeSQS{
		inbox: []types.Message{
			msg("ok", `{"notificationId":"ntf_ok"}`),
			msg("fail", `{"notificationId":"ntf_fail"}`),
			msg("junk", `not json`),
		},
		received: make(chan struct{}, 1),
	}
	c := &Consumer{SQS: f, QueueURL: "q"}

	var mu sync.Mutex
	var handled []string
	handler := func(ctx context.Context, job NotificationJob) error {
		mu.Lock()
		handled = append(handled, job.NotificationID)
		mu.Unlock()
		if job.NotificationID == "ntf_fail" {
			return errors.New("provider down")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.PollConcurrent(ctx, 2, handler) }()

	select {
	case <-f.received:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer never drained the inbox")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	slices.Sort(handled)
	if !slices.Equal(handled, []string{"ntf_fail", "ntf_ok"}) {
		t.Fatalf("unexpected handled jobs: %v", handled)
	}
	slices.Sort(f.deleted)
	if !slices.Equal(f.deleted, []string{"junk", "ok"}) {
		t.Fatalf("expected ok and junk deleted, got %v", f.deleted)
	}
}
