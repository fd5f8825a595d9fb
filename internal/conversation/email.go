package conversation

import (
	"context"
	"strings"

	"threads/internal/domain"
	"threads/internal/notify"
	"threads/internal/store"
	"threads/internal/util"
)

type Address struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
}

// InboundEmail is the normalized payload of the incoming-email webhooks.
type InboundEmail struct {
	From      Address           `json:"from" validate:"required"`
	To        []Address         `json:"to" validate:"required,min=1,dive"`
	Subject   string            `json:"subject"`
	TextBody  string            `json:"textBody"`
	HTMLBody  string            `json:"htmlBody"`
	MessageID string            `json:"messageId"`
	Headers   map[string]string `json:"headers"`

	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// Body prefers the plain-text part.
func (e InboundEmail) Body() string {
	if strings.TrimSpace(e.TextBody) != "" {
		return e.TextBody
	}
	return e.HTMLBody
}

// Receipt identifies the message an email or SMS landed as.
type Receipt struct {
	ConversationID    string `json:"conversation_id"`
	MessageID         string `json:"message_id"`
	IsNewConversation bool   `json:"is_new_conversation"`
	Duplicate         bool   `json:"duplicate,omitempty"`
}

// ReceiveEmail threads an inbound email under its sender and the first recipient that is a
// known model, and forwards it to the model. Replays of the same Message-ID return the
// original message.
func (s *Service) ReceiveEmail(ctx context.Context, in InboundEmail) (Receipt, error) {
	from := util.NormalizeEmail(in.From.Email)
	if from == "" || len(in.To) == 0 {
		return Receipt{}, domain.ErrMissingFields
	}
	if r, dup, err := s.duplicateEmail(ctx, in.MessageID); err != nil || dup {
		return r, err
	}

	var model domain.Model
	hasModel := false
	recipient := in.To[0]
	for _, to := range in.To {
		m, found, err := s.Store.FindModelByEmail(ctx, util.NormalizeEmail(to.Email))
		if err != nil {
			return Receipt{}, err
		}
		if found {
			model, hasModel, recipient = m, true, to
			break
		}
	}
	if !hasModel {
		s.Log.Info("inbound email for unknown model", "to", recipient.Email, "message_id", in.MessageID)
	}

	var r Receipt
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		if err := q.LockThread(ctx, from, model.ID); err != nil {
			return err
		}
		contact, err := s.contactByEmail(ctx, q, from, strings.TrimSpace(in.From.Name), domain.SourceEmail)
		if err != nil {
			return err
		}
		th, err := s.resolveThread(ctx, q, contact, model.ID, domain.TypeEmailIn, in.Subject)
		if err != nil {
			return err
		}
		m, err := s.AppendMessage(ctx, q, domain.Message{
			ConversationID:      th.ConversationID,
			MessageTypeExtended: domain.TypeEmailIn,
			Subject:             in.Subject,
			Message:             in.Body(),
			SenderName:          in.From.Name,
			SenderEmail:         from,
			RecipientName:       recipient.Name,
			RecipientEmail:      util.NormalizeEmail(recipient.Email),
			EmailMessageID:      in.MessageID,
			IPAddress:           in.IPAddress,
			UserAgent:           in.UserAgent,
		})
		if err != nil {
			return err
		}
		r = Receipt{ConversationID: th.ConversationID, MessageID: m.ID, IsNewConversation: th.IsNewConversation}

		if hasModel {
			s.Notify.Enqueue(ctx, q, notify.IncomingEmail(model, m))
		}
		return nil
	})
	if err != nil {
		// A concurrent delivery of the same email may have won the unique index.
		if dr, dup, derr := s.duplicateEmail(ctx, in.MessageID); derr == nil && dup {
			return dr, nil
		}
		return Receipt{}, err
	}
	return r, nil
}

func (s *Service) duplicateEmail(ctx context.Context, emailMessageID string) (Receipt, bool, error) {
	if emailMessageID == "" {
		return Receipt{}, false, nil
	}
	m, found, err := s.Store.FindMessageByEmailID(ctx, emailMessageID)
	if err != nil || !found {
		return Receipt{}, false, err
	}
	return Receipt{ConversationID: m.ConversationID, MessageID: m.ID, Duplicate: true}, true, nil
}

// OutboundEmail is a model-authored email. With ConversationID empty the thread is resolved
// from ModelID and the recipient address.
type OutboundEmail struct {
	ConversationID string `json:"conversation_id"`
	ModelID        string `json:"model_id" validate:"required_without=ConversationID"`
	To             string `json:"to" validate:"required_without=ConversationID,omitempty,email"`
	ToName         string `json:"to_name"`
	Subject        string `json:"subject" validate:"required"`
	Message        string `json:"message" validate:"required"`
}

// SendEmail stores an email_out message and queues its delivery to the contact.
func (s *Service) SendEmail(ctx context.Context, in OutboundEmail) (Receipt, error) {
	if in.ConversationID == "" && (in.ModelID == "" || in.To == "") {
		return Receipt{}, domain.ErrMissingFields
	}

	var r Receipt
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		var conv domain.Conversation
		var contact domain.Contact
		if in.ConversationID != "" {
			c, found, err := q.GetConversation(ctx, in.ConversationID)
			if err != nil {
				return err
			}
			if !found {
				return domain.ErrNotFound
			}
			conv = c
			if contact, _, err = q.GetContact(ctx, conv.ContactID); err != nil {
				return err
			}
		} else {
			model, found, err := q.FindModel(ctx, in.ModelID)
			if err != nil {
				return err
			}
			if !found {
				return domain.ErrUnknownModel
			}
			to := util.NormalizeEmail(in.To)
			if err := q.LockThread(ctx, to, model.ID); err != nil {
				return err
			}
			if contact, err = s.contactByEmail(ctx, q, to, strings.TrimSpace(in.ToName), domain.SourceEmail); err != nil {
				return err
			}
			th, err := s.resolveThread(ctx, q, contact, model.ID, domain.TypeEmailOut, in.Subject)
			if err != nil {
				return err
			}
			r.IsNewConversation = th.IsNewConversation
			conv = domain.Conversation{ID: th.ConversationID, ModelID: model.ID}
		}

		model, _ := s.model(ctx, q, conv.ModelID)
		toName, toEmail := contact.Name, contact.Email
		if in.To != "" {
			toEmail = util.NormalizeEmail(in.To)
		}
		if in.ToName != "" {
			toName = in.ToName
		}
		m, err := s.AppendMessage(ctx, q, domain.Message{
			ConversationID:      conv.ID,
			MessageTypeExtended: domain.TypeEmailOut,
			Subject:             in.Subject,
			Message:             in.Message,
			SenderName:          model.Name,
			SenderEmail:         model.Email,
			RecipientName:       toName,
			RecipientEmail:      toEmail,
		})
		if err != nil {
			return err
		}
		r.ConversationID, r.MessageID = conv.ID, m.ID
		s.Notify.Enqueue(ctx, q, notify.OutgoingEmail(conv.ModelID, m))
		return nil
	})
	return r, err
}
