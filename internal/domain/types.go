package domain

import (
	"errors"
	"time"
)

type ChatStatus string

const (
	ChatNew       ChatStatus = "new"
	ChatPending   ChatStatus = "pending"
	ChatActive    ChatStatus = "active"
	ChatEmailOnly ChatStatus = "email_only"
)

type MessageType string

const (
	TypeContactForm MessageType = "contact_form"
	TypeChatMessage MessageType = "chat_message"
	TypeEmailIn     MessageType = "email_in"
	TypeEmailOut    MessageType = "email_out"
	TypeSMSIn       MessageType = "sms_in"
	TypeSMSOut      MessageType = "sms_out"
)

// Live reports whether a message of this type belongs on a live-chat thread.
func (t MessageType) Live() bool {
	switch t {
	case TypeChatMessage, TypeSMSIn, TypeSMSOut:
		return true
	}
	return false
}

// Outgoing reports whether the message travels from the model to the contact.
func (t MessageType) Outgoing() bool {
	return t == TypeEmailOut || t == TypeSMSOut
}

// Channel is the coarse message_type column.
func (t MessageType) Channel() string {
	switch t {
	case TypeEmailIn, TypeEmailOut:
		return "email"
	case TypeSMSIn, TypeSMSOut:
		return "sms"
	case TypeChatMessage:
		return "chat"
	default:
		return "form"
	}
}

func (t MessageType) Valid() bool {
	switch t {
	case TypeContactForm, TypeChatMessage, TypeEmailIn, TypeEmailOut, TypeSMSIn, TypeSMSOut:
		return true
	}
	return false
}

// StatusFor maps an inbound message type to the chat status its thread should carry.
func StatusFor(t MessageType) ChatStatus {
	if t.Live() {
		return ChatActive
	}
	return ChatEmailOnly
}

type ReaderType string

const (
	ReaderContact ReaderType = "contact"
	ReaderModel   ReaderType = "model"
)

func (r ReaderType) Valid() bool { return r == ReaderContact || r == ReaderModel }

const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"

	ScreeningPending   = "pending"
	CategoryUnscreened = "unscreened"

	SourceContactForm = "contact_form"
	SourceEmail       = "email"
	SourceSMS         = "sms"
)

// Model is the creator profile a contact writes to.
type Model struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	ChatEnabled bool   `json:"chat_enabled"`
}

type Contact struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone,omitempty"`
	PreferredContact string    `json:"preferred_contact,omitempty"`
	Source           string    `json:"source"`
	CreatedAt        time.Time `json:"created_at"`
}

// EscortClient is the privacy-hashed identity used for screening. Empty hashes mean NULL.
type EscortClient struct {
	ID               string    `json:"id"`
	ModelID          string    `json:"model_id,omitempty"`
	ClientIdentifier string    `json:"client_identifier"`
	PhoneHash        string    `json:"-"`
	EmailHash        string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

type ContactModelInteraction struct {
	ID                 string    `json:"id"`
	ContactID          string    `json:"contact_id"`
	ModelID            string    `json:"model_id"`
	InteractionCount   int       `json:"interaction_count"`
	FirstInteractionAt time.Time `json:"first_interaction_at"`
	LastInteractionAt  time.Time `json:"last_interaction_at"`
}

type ClientModelInteraction struct {
	ID              string    `json:"id"`
	EscortClientID  string    `json:"escort_client_id"`
	ModelID         string    `json:"model_id"`
	ScreeningStatus string    `json:"screening_status"`
	ClientCategory  string    `json:"client_category"`
	CreatedAt       time.Time `json:"created_at"`
}

type Conversation struct {
	ID                        string     `json:"id"`
	ContactModelInteractionID string     `json:"contact_model_interaction_id"`
	ClientModelInteractionID  string     `json:"client_model_interaction_id,omitempty"`
	Subject                   string     `json:"subject"`
	Status                    string     `json:"status"`
	ChatStatus                ChatStatus `json:"chat_status"`
	IsLiveChat                bool       `json:"is_live_chat"`
	LastSeenByContact         *time.Time `json:"last_seen_by_contact,omitempty"`
	LastSeenByModel           *time.Time `json:"last_seen_by_model,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`

	// Filled by joins on reads; not persisted on the conversation row.
	ContactID string `json:"contact_id,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
}

type Message struct {
	ID                  string      `json:"id"`
	ConversationID      string      `json:"conversation_id"`
	MessageType         string      `json:"message_type"`
	MessageTypeExtended MessageType `json:"message_type_extended"`
	Subject             string      `json:"subject,omitempty"`
	Message             string      `json:"message"`
	SenderName          string      `json:"sender_name,omitempty"`
	SenderEmail         string      `json:"sender_email,omitempty"`
	SenderPhone         string      `json:"sender_phone,omitempty"`
	RecipientName       string      `json:"recipient_name,omitempty"`
	RecipientEmail      string      `json:"recipient_email,omitempty"`
	EmailMessageID      string      `json:"email_message_id,omitempty"`
	SMSMessageID        string      `json:"sms_message_id,omitempty"`
	IPAddress           string      `json:"-"`
	UserAgent           string      `json:"-"`
	IsReadByContact     bool        `json:"is_read_by_contact"`
	IsReadByModel       bool        `json:"is_read_by_model"`
	ReadAtContact       *time.Time  `json:"read_at_contact,omitempty"`
	ReadAtModel         *time.Time  `json:"read_at_model,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

type AuditEvent struct {
	ID        string
	EventType string
	IPAddress string
	UserAgent string
	Details   map[string]any
	CreatedAt time.Time
}

var (
	ErrNotFound           = errors.New("not found")
	ErrUnknownModel       = errors.New("unknown model")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidReader      = errors.New("invalid reader type")
	ErrMissingFields      = errors.New("missing required fields")
)

// ValidationError carries one message per failing field.
type ValidationError struct {
	Msg     string
	Details map[string]string
}

func (e *ValidationError) Error() string { return e.Msg }
