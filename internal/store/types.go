package store

import (
	"context"
	"time"

	"threads/internal/domain"
)

// Queries is the relational surface the thread services run against.
// Implementations must behave the same on a pool and inside a transaction.
type Queries interface {
	// LockThread serializes find-or-create work for one (email, model) pair until the
	// surrounding transaction ends. Outside a transaction it is a no-op.
	LockThread(ctx context.Context, email, modelID string) error

	FindModel(ctx context.Context, idOrSlug string) (domain.Model, bool, error)
	FindModelByEmail(ctx context.Context, email string) (domain.Model, bool, error)
	FindModelByPhone(ctx context.Context, phone string) (domain.Model, bool, error)

	FindContactByEmail(ctx context.Context, email string) (domain.Contact, bool, error)
	FindContactByPhone(ctx context.Context, phone string) (domain.Contact, bool, error)
	GetContact(ctx context.Context, id string) (domain.Contact, bool, error)
	InsertContact(ctx context.Context, c domain.Contact) error
	UpdateContact(ctx context.Context, in ContactUpdate) error

	// UpsertContactInteraction inserts the pair with count 1 or increments the existing row.
	UpsertContactInteraction(ctx context.Context, in InteractionUpsert) (domain.ContactModelInteraction, error)

	FindEscortClientByHash(ctx context.Context, phoneHash, emailHash string) (domain.EscortClient, bool, error)
	InsertEscortClient(ctx context.Context, c domain.EscortClient) error
	FindClientInteraction(ctx context.Context, escortClientID, modelID string) (domain.ClientModelInteraction, bool, error)
	InsertClientInteraction(ctx context.Context, in domain.ClientModelInteraction) error

	// FindConversation returns the preferred open conversation for an interaction: chat_status
	// 'active' first, then newest. With statuses set, only those chat statuses are considered.
	FindConversation(ctx context.Context, interactionID string, statuses ...domain.ChatStatus) (domain.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	InsertConversation(ctx context.Context, c domain.Conversation) error
	PromoteConversation(ctx context.Context, id string, now time.Time) error
	SetConversationClientInteraction(ctx context.Context, conversationID, clientInteractionID string) error
	TouchConversation(ctx context.Context, id string, now time.Time) error
	SetLastSeen(ctx context.Context, conversationID string, reader domain.ReaderType, now time.Time) error

	InsertMessage(ctx context.Context, m domain.Message) error
	FindMessageByEmailID(ctx context.Context, emailMessageID string) (domain.Message, bool, error)
	MarkMessagesRead(ctx context.Context, in ReadUpdate) (int64, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	SearchMessages(ctx context.Context, in SearchQuery) ([]domain.Message, error)
	Stats(ctx context.Context, modelID string) (Stats, error)

	InsertNotification(ctx context.Context, n domain.Notification) error
	InsertAuditEvent(ctx context.Context, ev domain.AuditEvent) error

	// Savepoint runs fn so that its failure does not poison the surrounding transaction.
	Savepoint(ctx context.Context, fn func(q Queries) error) error
}

type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}

// NotificationStore backs the outbox relay, the sender worker and the provider webhooks.
type NotificationStore interface {
	// ClaimPending moves up to limit pending notifications to queued and returns them.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]domain.Notification, error)
	GetNotification(ctx context.Context, id string) (domain.Notification, bool, error)
	// ClaimNotification moves a queued (or stale processing) notification to processing.
	ClaimNotification(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	SetNotificationState(ctx context.Context, in NotificationStateUpdate) error
	UpdateByProviderMsgID(ctx context.Context, in ProviderStatusUpdate) (bool, error)
	// RequeueStale returns queued or processing rows untouched since before cutoff to pending.
	RequeueStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

type ContactUpdate struct {
	ID               string
	Name             string
	Phone            string
	PreferredContact string
}

type InteractionUpsert struct {
	ID        string
	ContactID string
	ModelID   string
	Now       time.Time
}

type ReadUpdate struct {
	ConversationID string
	Reader         domain.ReaderType
	MessageIDs     []string
	Now            time.Time
}

type SearchQuery struct {
	Query   string
	ModelID string
	Limit   int
}

type Stats struct {
	Conversations int64            `json:"total_conversations"`
	LiveChats     int64            `json:"live_chats"`
	Messages      int64            `json:"total_messages"`
	UnreadByModel int64            `json:"unread_by_model"`
	ByType        map[string]int64 `json:"by_type"`
}

type NotificationStateUpdate struct {
	ID            string
	State         domain.NotificationState
	Provider      string
	ProviderMsgID string
	LastError     string
	Attempted     bool
	Now           time.Time
}

type ProviderStatusUpdate struct {
	Provider      string
	ProviderMsgID string
	State         domain.NotificationState
	LastError     string
	Now           time.Time
}
