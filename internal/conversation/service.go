// Package conversation owns thread resolution and the message store: which conversation an
// inbound message belongs to, and how messages are appended and read.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"threads/internal/domain"
	"threads/internal/identity"
	"threads/internal/notify"
	"threads/internal/observability"
	"threads/internal/store"
	"threads/internal/util"
)

type Service struct {
	Store    store.Store
	Identity *identity.Resolver
	Notify   *notify.Dispatcher
	Log      *slog.Logger

	IDGen func(prefix string) string
	Now   func() time.Time
}

func NewService(st store.Store, n *notify.Dispatcher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if n == nil {
		n = notify.NewDispatcher(log)
	}
	return &Service{
		Store:    st,
		Identity: identity.NewResolver(st),
		Notify:   n,
		Log:      log,
		IDGen:    util.NewID,
		Now:      util.NowUTC,
	}
}

// Thread is the outcome of resolving an inbound message to a conversation.
type Thread struct {
	ConversationID    string            `json:"conversation_id"`
	ContactID         string            `json:"contact_id"`
	ModelID           string            `json:"model_id"`
	InteractionID     string            `json:"interaction_id"`
	IsNewConversation bool              `json:"is_new_conversation"`
	ChatStatus        domain.ChatStatus `json:"chat_status"`
	IsLiveChat        bool              `json:"is_live_chat"`
}

// FindOrCreateConversation resolves the contact by email, bumps the (contact, model)
// interaction and returns the thread the message belongs to, creating or promoting it
// as the message type requires.
func (s *Service) FindOrCreateConversation(ctx context.Context, contactEmail, modelID string, msgType domain.MessageType) (Thread, error) {
	email := util.NormalizeEmail(contactEmail)
	if email == "" {
		return Thread{}, domain.ErrMissingFields
	}
	if !msgType.Valid() {
		return Thread{}, domain.ErrInvalidMessageType
	}

	var th Thread
	err := s.Store.InTx(ctx, func(q store.Queries) error {
		if err := q.LockThread(ctx, email, modelID); err != nil {
			return err
		}
		contact, err := s.contactByEmail(ctx, q, email, "", domain.SourceEmail)
		if err != nil {
			return err
		}
		th, err = s.resolveThread(ctx, q, contact, modelID, msgType, "")
		return err
	})
	return th, err
}

// contactByEmail returns the newest contact with this email, inserting one with the
// local-part as a placeholder name when none exists.
func (s *Service) contactByEmail(ctx context.Context, q store.Queries, email, name, source string) (domain.Contact, error) {
	c, found, err := q.FindContactByEmail(ctx, email)
	if err != nil || found {
		return c, err
	}
	if name == "" {
		name = util.LocalPart(email)
	}
	c = domain.Contact{
		ID:        s.IDGen("ct"),
		Name:      name,
		Email:     email,
		Source:    source,
		CreatedAt: s.Now(),
	}
	return c, q.InsertContact(ctx, c)
}

// resolveThread applies the interaction and conversation steps for an already resolved contact.
// The conversation is never downgraded: an email on an active thread leaves it active.
func (s *Service) resolveThread(ctx context.Context, q store.Queries, contact domain.Contact, modelID string, msgType domain.MessageType, subject string) (Thread, error) {
	now := s.Now()
	inter, err := q.UpsertContactInteraction(ctx, store.InteractionUpsert{
		ID:        s.IDGen("cmi"),
		ContactID: contact.ID,
		ModelID:   modelID,
		Now:       now,
	})
	if err != nil {
		return Thread{}, err
	}

	th := Thread{ContactID: contact.ID, ModelID: modelID, InteractionID: inter.ID}
	want := domain.StatusFor(msgType)

	conv, found, err := q.FindConversation(ctx, inter.ID)
	if err != nil {
		return Thread{}, err
	}
	if !found {
		conv = domain.Conversation{
			ID:                        s.IDGen("conv"),
			ContactModelInteractionID: inter.ID,
			Subject:                   subject,
			Status:                    domain.ConversationOpen,
			ChatStatus:                want,
			IsLiveChat:                want != domain.ChatEmailOnly,
			CreatedAt:                 now,
		}
		if err := q.InsertConversation(ctx, conv); err != nil {
			return Thread{}, err
		}
		observability.Conversations.WithLabelValues(string(want), "created").Inc()
		th.IsNewConversation = true
	} else if want == domain.ChatActive && conv.ChatStatus != domain.ChatActive {
		if err := q.PromoteConversation(ctx, conv.ID, now); err != nil {
			return Thread{}, err
		}
		conv.ChatStatus, conv.IsLiveChat = domain.ChatActive, true
		observability.Conversations.WithLabelValues(string(domain.ChatActive), "promoted").Inc()
	}

	th.ConversationID = conv.ID
	th.ChatStatus = conv.ChatStatus
	th.IsLiveChat = conv.IsLiveChat
	return th, nil
}

// backfillClientInteraction links the conversation to the hashed screening identity when it
// has none yet. It runs in a savepoint; failures are logged and dropped.
func (s *Service) backfillClientInteraction(ctx context.Context, q store.Queries, conv domain.Conversation, name, email, phone string) {
	if conv.ClientModelInteractionID != "" || conv.ModelID == "" {
		return
	}
	if email == "" && phone == "" {
		return
	}
	err := q.Savepoint(ctx, func(sq store.Queries) error {
		res, err := s.Identity.WithStore(sq).ResolveOrCreateClient(ctx, identity.Input{
			ModelID: conv.ModelID,
			Name:    name,
			Email:   email,
			Phone:   phone,
		})
		if err != nil {
			return err
		}
		return sq.SetConversationClientInteraction(ctx, conv.ID, res.InteractionID)
	})
	if err != nil {
		s.Log.Warn("client interaction backfill failed", "conversation_id", conv.ID, "err", err)
	}
}

func (s *Service) model(ctx context.Context, q store.Queries, id string) (domain.Model, bool) {
	if id == "" {
		return domain.Model{}, false
	}
	m, found, err := q.FindModel(ctx, id)
	if err != nil {
		s.Log.Warn("model lookup failed", "model_id", id, "err", err)
		return domain.Model{}, false
	}
	return m, found
}
