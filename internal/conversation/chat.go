package conversation

import (
	"context"
	"errors"
	"strings"

	"threads/internal/domain"
	"threads/internal/notify"
	"threads/internal/store"
)

const (
	SenderClient = "client"
	SenderModel  = "model"
)

var ErrInvalidSender = errors.New("invalid sender type")

type ChatMessage struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Message        string `json:"message" validate:"required"`
	SenderType     string `json:"sender_type" validate:"required,oneof=client model"`
	SenderID       string `json:"sender_id"`
}

// SendChatMessage appends a live-chat message, promotes the thread to an active live chat
// and queues the notification for the other side: an SMS to the model for client messages,
// an email to the contact for model replies.
func (s *Service) SendChatMessage(ctx context.Context, in ChatMessage) (string, error) {
	in.Message = strings.TrimSpace(in.Message)
	if in.ConversationID == "" || in.Message == "" {
		return "", domain.ErrMissingFields
	}
	if in.SenderType != SenderClient && in.SenderType != SenderModel {
		return "", ErrInvalidSender
	}

	var id string
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		conv, found, err := q.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrNotFound
		}
		contact, _, err := q.GetContact(ctx, conv.ContactID)
		if err != nil {
			return err
		}
		model, hasModel := s.model(ctx, q, conv.ModelID)

		m := domain.Message{ConversationID: conv.ID, MessageTypeExtended: domain.TypeChatMessage, Message: in.Message}
		if in.SenderType == SenderClient {
			m.SenderName, m.SenderEmail, m.SenderPhone = contact.Name, contact.Email, contact.Phone
			m.RecipientName, m.RecipientEmail = model.Name, model.Email
		} else {
			m.SenderName, m.SenderEmail = model.Name, model.Email
			m.RecipientName, m.RecipientEmail = contact.Name, contact.Email
		}

		// Chat messages start read by whoever wrote them.
		readBy := domain.ReaderContact
		if in.SenderType == SenderModel {
			readBy = domain.ReaderModel
		}
		m, err = s.appendMessage(ctx, q, m, readBy)
		if err != nil {
			return err
		}
		if conv.ChatStatus != domain.ChatActive || !conv.IsLiveChat {
			if err := q.PromoteConversation(ctx, conv.ID, m.CreatedAt); err != nil {
				return err
			}
		}
		id = m.ID

		switch {
		case !hasModel:
			s.Log.Info("chat notification skipped: no model", "conversation_id", conv.ID)
		case in.SenderType == SenderClient && (model.Phone == "" || !model.ChatEnabled):
			s.Log.Info("chat notification skipped: model has no sms or chat disabled", "conversation_id", conv.ID, "model_id", model.ID)
		case in.SenderType == SenderClient:
			s.Notify.Enqueue(ctx, q, notify.ChatMessage(model, contact, m))
		default:
			s.Notify.Enqueue(ctx, q, notify.ModelChatReply(model, contact, m))
		}
		return nil
	})
	return id, err
}

type ChatStarted struct {
	ConversationID string `json:"conversationId" validate:"required"`
	ModelSlug      string `json:"modelSlug" validate:"required"`
	ClientName     string `json:"clientName"`
	ClientEmail    string `json:"clientEmail"`
	InitialMessage string `json:"initialMessage"`
}

// NotifyChatStarted queues the chat-started SMS for a model. It reports whether an intent was
// stored; a model without an SMS number or with chat disabled is a silent no-op.
func (s *Service) NotifyChatStarted(ctx context.Context, in ChatStarted) (bool, error) {
	model, found, err := s.Store.FindModel(ctx, in.ModelSlug)
	if err != nil {
		return false, err
	}
	if !found {
		return false, domain.ErrUnknownModel
	}
	if _, found, err := s.Store.GetConversation(ctx, in.ConversationID); err != nil {
		return false, err
	} else if !found {
		return false, domain.ErrNotFound
	}

	n, ok := notify.ChatStarted(model,
		domain.Contact{Name: in.ClientName, Email: in.ClientEmail},
		domain.Message{ConversationID: in.ConversationID, Message: in.InitialMessage})
	if !ok {
		s.Log.Info("chat-started sms skipped", "model_id", model.ID, "has_phone", model.Phone != "", "chat_enabled", model.ChatEnabled)
		return false, nil
	}
	return s.Notify.Enqueue(ctx, s.Store, n), nil
}
