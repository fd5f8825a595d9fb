package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the part of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NotificationJob points the worker at one outbox row; the row holds everything else.
type NotificationJob struct {
	NotificationID string `json:"notificationId"`
	ConversationID string `json:"conversationId,omitempty"`
	Channel        string `json:"channel,omitempty"`
}

const defaultGroupBuckets = 64

type Producer struct {
	SQS      API
	QueueURL string
	// GroupBuckets spreads FIFO message groups; 0 uses the default.
	GroupBuckets int
}

func (p *Producer) Publish(ctx context.Context, job NotificationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		// Notifications for one conversation stay ordered; the outbox id dedups relay retries.
		in.MessageGroupId = str(messageGroupIDBucketed(job.ConversationID, p.GroupBuckets))
		in.MessageDeduplicationId = str(job.NotificationID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// messageGroupIDBucketed maps a conversation to one of a fixed number of FIFO groups, which keeps
// per-conversation order without creating a group per conversation.
func messageGroupIDBucketed(conversationID string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return fmt.Sprintf("conv-%d", h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
