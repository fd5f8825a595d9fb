package domain

import "time"

type NotificationChannel string

const (
	ChannelSMS   NotificationChannel = "sms"
	ChannelEmail NotificationChannel = "email"
)

type NotificationKind string

const (
	KindChatStarted    NotificationKind = "chat_started"
	KindChatMessage    NotificationKind = "chat_message"
	KindNewContact     NotificationKind = "new_contact_message"
	KindIncomingEmail  NotificationKind = "incoming_email"
	KindOutgoingEmail  NotificationKind = "outgoing_email"
	KindModelChatReply NotificationKind = "model_chat_reply"
)

type NotificationState string

const (
	NotifyPending    NotificationState = "pending"
	NotifyQueued     NotificationState = "queued"
	NotifyProcessing NotificationState = "processing"
	NotifySent       NotificationState = "sent"
	NotifyDelivered  NotificationState = "delivered"
	NotifySuppressed NotificationState = "suppressed"
	NotifyFailed     NotificationState = "failed"
)

// Final reports whether no further delivery work applies.
func (s NotificationState) Final() bool {
	switch s {
	case NotifySent, NotifyDelivered, NotifySuppressed, NotifyFailed:
		return true
	}
	return false
}

// Notification is a durable notification intent written next to the message it announces.
type Notification struct {
	ID             string              `json:"id"`
	Kind           NotificationKind    `json:"kind"`
	Channel        NotificationChannel `json:"channel"`
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id,omitempty"`
	ModelID        string              `json:"model_id,omitempty"`
	Recipient      string              `json:"recipient"`
	Subject        string              `json:"subject,omitempty"`
	Body           string              `json:"body"`
	State          NotificationState   `json:"state"`
	Attempts       int                 `json:"attempts"`
	Provider       string              `json:"provider,omitempty"`
	ProviderMsgID  string              `json:"provider_msg_id,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}
