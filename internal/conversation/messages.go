package conversation

import (
	"context"
	"strings"

	"threads/internal/domain"
	"threads/internal/store"
)

// EmailMessage is the input of AddEmailMessage.
type EmailMessage struct {
	ConversationID string
	MessageType    domain.MessageType
	Subject        string
	Message        string
	SenderName     string
	SenderEmail    string
	RecipientName  string
	RecipientEmail string
	EmailMessageID string
	IPAddress      string
	UserAgent      string
}

// AddEmailMessage appends a message to an existing conversation and returns its id.
func (s *Service) AddEmailMessage(ctx context.Context, in EmailMessage) (string, error) {
	if in.ConversationID == "" {
		return "", domain.ErrMissingFields
	}
	if !in.MessageType.Valid() {
		return "", domain.ErrInvalidMessageType
	}

	var id string
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		m, err := s.AppendMessage(ctx, q, domain.Message{
			ConversationID:      in.ConversationID,
			MessageTypeExtended: in.MessageType,
			Subject:             in.Subject,
			Message:             in.Message,
			SenderName:          in.SenderName,
			SenderEmail:         in.SenderEmail,
			RecipientName:       in.RecipientName,
			RecipientEmail:      in.RecipientEmail,
			EmailMessageID:      in.EmailMessageID,
			IPAddress:           in.IPAddress,
			UserAgent:           in.UserAgent,
		})
		id = m.ID
		return err
	})
	return id, err
}

// AppendMessage inserts m into its conversation through q. It fills the id, timestamps and
// read flags, backfills the screening link on the conversation and touches updated_at.
//
// Outgoing messages start read on the contact side and unread for the model; incoming
// messages are the inverse. This holds even for a model-authored email_out; only chat
// messages (SendChatMessage) start read by their author.
func (s *Service) AppendMessage(ctx context.Context, q store.Queries, m domain.Message) (domain.Message, error) {
	readBy := domain.ReaderModel
	if m.MessageTypeExtended.Outgoing() {
		readBy = domain.ReaderContact
	}
	return s.appendMessage(ctx, q, m, readBy)
}

func (s *Service) appendMessage(ctx context.Context, q store.Queries, m domain.Message, readBy domain.ReaderType) (domain.Message, error) {
	conv, found, err := q.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if !found {
		return domain.Message{}, domain.ErrNotFound
	}

	fromModel := m.MessageTypeExtended.Outgoing() || (m.MessageTypeExtended == domain.TypeChatMessage && readBy == domain.ReaderModel)
	if fromModel {
		s.backfillClientInteraction(ctx, q, conv, m.RecipientName, m.RecipientEmail, "")
	} else {
		s.backfillClientInteraction(ctx, q, conv, m.SenderName, m.SenderEmail, m.SenderPhone)
	}

	now := s.Now()
	m.ID = s.IDGen("msg")
	m.MessageType = m.MessageTypeExtended.Channel()
	m.CreatedAt = now
	m.IsReadByContact, m.ReadAtContact = false, nil
	m.IsReadByModel, m.ReadAtModel = false, nil
	if readBy == domain.ReaderContact {
		m.IsReadByContact, m.ReadAtContact = true, &now
	} else {
		m.IsReadByModel, m.ReadAtModel = true, &now
	}

	if err := q.InsertMessage(ctx, m); err != nil {
		return domain.Message{}, err
	}
	if err := q.TouchConversation(ctx, conv.ID, now); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// MarkMessagesAsRead flags messages as read for one side, all of them when messageIDs is
// empty, and records when that side last looked at the conversation.
func (s *Service) MarkMessagesAsRead(ctx context.Context, conversationID string, reader domain.ReaderType, messageIDs []string) (int64, error) {
	if !reader.Valid() {
		return 0, domain.ErrInvalidReader
	}

	var updated int64
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		if _, found, err := q.GetConversation(ctx, conversationID); err != nil {
			return err
		} else if !found {
			return domain.ErrNotFound
		}

		now := s.Now()
		n, err := q.MarkMessagesRead(ctx, store.ReadUpdate{
			ConversationID: conversationID,
			Reader:         reader,
			MessageIDs:     messageIDs,
			Now:            now,
		})
		if err != nil {
			return err
		}
		updated = n
		return q.SetLastSeen(ctx, conversationID, reader, now)
	})
	return updated, err
}

// ConversationView is a conversation with its messages in insertion order.
type ConversationView struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
}

func (s *Service) GetConversation(ctx context.Context, id string) (ConversationView, error) {
	conv, found, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		return ConversationView{}, err
	}
	if !found {
		return ConversationView{}, domain.ErrNotFound
	}
	msgs, err := s.Store.ListMessages(ctx, id)
	if err != nil {
		return ConversationView{}, err
	}
	return ConversationView{Conversation: conv, Messages: msgs}, nil
}

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 200
)

func (s *Service) Search(ctx context.Context, in store.SearchQuery) ([]domain.Message, error) {
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return nil, domain.ErrMissingFields
	}
	switch {
	case in.Limit <= 0:
		in.Limit = defaultSearchLimit
	case in.Limit > maxSearchLimit:
		in.Limit = maxSearchLimit
	}
	return s.Store.SearchMessages(ctx, in)
}

func (s *Service) Stats(ctx context.Context, modelID string) (store.Stats, error) {
	return s.Store.Stats(ctx, modelID)
}
