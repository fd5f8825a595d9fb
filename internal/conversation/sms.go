package conversation

import (
	"context"
	"strings"

	"threads/internal/domain"
	"threads/internal/store"
	"threads/internal/util"
)

// InboundSMS is a text a contact sent to a model's SMS number.
type InboundSMS struct {
	From string
	To   string
	Body string
	SID  string
}

// ReceiveSMS threads an inbound text under the contact with that phone number, creating the
// contact on first contact. The thread is promoted to an active live chat.
func (s *Service) ReceiveSMS(ctx context.Context, in InboundSMS) (Receipt, error) {
	from := util.NormalizePhone(in.From)
	to := util.NormalizePhone(in.To)
	if from == "" || to == "" || strings.TrimSpace(in.Body) == "" {
		return Receipt{}, domain.ErrMissingFields
	}

	model, found, err := s.Store.FindModelByPhone(ctx, to)
	if err != nil {
		return Receipt{}, err
	}
	if !found {
		return Receipt{}, domain.ErrUnknownModel
	}

	var r Receipt
	err = s.Store.InTx(ctx, func(q store.Queries) error {
		if err := q.LockThread(ctx, from, model.ID); err != nil {
			return err
		}
		contact, found, err := q.FindContactByPhone(ctx, from)
		if err != nil {
			return err
		}
		if !found {
			contact = domain.Contact{
				ID:               s.IDGen("ct"),
				Name:             from,
				Phone:            from,
				PreferredContact: "sms",
				Source:           domain.SourceSMS,
				CreatedAt:        s.Now(),
			}
			if err := q.InsertContact(ctx, contact); err != nil {
				return err
			}
		}

		th, err := s.resolveThread(ctx, q, contact, model.ID, domain.TypeSMSIn, "")
		if err != nil {
			return err
		}
		m, err := s.AppendMessage(ctx, q, domain.Message{
			ConversationID:      th.ConversationID,
			MessageTypeExtended: domain.TypeSMSIn,
			Message:             in.Body,
			SenderName:          contact.Name,
			SenderEmail:         contact.Email,
			SenderPhone:         from,
			RecipientName:       model.Name,
			SMSMessageID:        in.SID,
		})
		if err != nil {
			return err
		}
		r = Receipt{ConversationID: th.ConversationID, MessageID: m.ID, IsNewConversation: th.IsNewConversation}
		return nil
	})
	return r, err
}
