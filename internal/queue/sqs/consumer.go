package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	Log *slog.Logger
}

type Handler func(ctx context.Context, job NotificationJob) error

// PollConcurrent processes messages with a worker pool until ctx ends. Messages are deleted only
// after the handler succeeds; failures are left for SQS redrive. Unparseable messages are deleted.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}

	jobs := make(chan types.Message, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				job, ok := decode(m)
				if !ok {
					log.Warn("sqs dropping unparseable message", "message_id", deref(m.MessageId))
					c.delete(ctx, m)
					continue
				}
				if err := handler(ctx, job); err != nil {
					log.Error("sqs handler error", "notification_id", job.NotificationID, "err", err)
					continue
				}
				c.delete(ctx, m)
			}
		}()
	}

	// Producer: fetch messages and hand them to the workers.
	err := func() error {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error("sqs receive message failed", "err", err)
				select {
				case <-time.After(500 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}()

	// Workers finish whatever is already buffered.
	wg.Wait()
	return err
}

func decode(m types.Message) (NotificationJob, bool) {
	if m.Body == nil {
		return NotificationJob{}, false
	}
	var job NotificationJob
	if err := json.Unmarshal([]byte(*m.Body), &job); err != nil || job.NotificationID == "" {
		return NotificationJob{}, false
	}
	return job, true
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	// Deletion must outlive shutdown so finished work is not redelivered.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, _ = c.SQS.DeleteMessage(delCtx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
