// Package memory is an in-process store used for local runs and tests.
// Transactions are serialized and roll back by restoring a snapshot.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"threads/internal/domain"
	"threads/internal/store"
)

type data struct {
	models        []domain.Model
	contacts      []domain.Contact
	clients       []domain.EscortClient
	interactions  []domain.ContactModelInteraction
	clientInter   []domain.ClientModelInteraction
	conversations []domain.Conversation
	messages      []domain.Message
	notifications []domain.Notification
	audit         []domain.AuditEvent
}

func (d *data) clone() data {
	return data{
		models:        slices.Clone(d.models),
		contacts:      slices.Clone(d.contacts),
		clients:       slices.Clone(d.clients),
		interactions:  slices.Clone(d.interactions),
		clientInter:   slices.Clone(d.clientInter),
		conversations: slices.Clone(d.conversations),
		messages:      slices.Clone(d.messages),
		notifications: slices.Clone(d.notifications),
		audit:         slices.Clone(d.audit),
	}
}

var errDuplicateEmailID = errors.New("memory: duplicate email_message_id")

var (
	_ store.Store             = (*Store)(nil)
	_ store.NotificationStore = (*Store)(nil)
)

type Store struct {
	mu   *sync.Mutex
	d    *data
	held bool
}

func New() *Store {
	return &Store{mu: &sync.Mutex{}, d: &data{}}
}

func (s *Store) lock() func() {
	if s.held {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	unlock := s.lock()
	defer unlock()

	snap := s.d.clone()
	if err := fn(&Store{mu: s.mu, d: s.d, held: true}); err != nil {
		*s.d = snap
		return err
	}
	return nil
}

func (s *Store) Savepoint(ctx context.Context, fn func(q store.Queries) error) error {
	return s.InTx(ctx, fn)
}

func (s *Store) LockThread(ctx context.Context, email, modelID string) error { return nil }

// AddModel seeds a model profile.
func (s *Store) AddModel(m domain.Model) {
	defer s.lock()()
	s.d.models = append(s.d.models, m)
}

func (s *Store) findModel(match func(domain.Model) bool) (domain.Model, bool, error) {
	defer s.lock()()
	for _, m := range s.d.models {
		if match(m) {
			return m, true, nil
		}
	}
	return domain.Model{}, false, nil
}

func (s *Store) FindModel(ctx context.Context, idOrSlug string) (domain.Model, bool, error) {
	return s.findModel(func(m domain.Model) bool { return m.ID == idOrSlug || m.Slug == idOrSlug })
}

func (s *Store) FindModelByEmail(ctx context.Context, email string) (domain.Model, bool, error) {
	return s.findModel(func(m domain.Model) bool { return m.Email != "" && strings.EqualFold(m.Email, email) })
}

func (s *Store) FindModelByPhone(ctx context.Context, phone string) (domain.Model, bool, error) {
	return s.findModel(func(m domain.Model) bool { return m.Phone != "" && m.Phone == phone })
}

// latestContact returns the newest matching contact; later inserts win ties.
func (s *Store) latestContact(match func(domain.Contact) bool) (domain.Contact, bool, error) {
	defer s.lock()()
	var best domain.Contact
	ok := false
	for _, c := range s.d.contacts {
		if match(c) && (!ok || !c.CreatedAt.Before(best.CreatedAt)) {
			best, ok = c, true
		}
	}
	return best, ok, nil
}

func (s *Store) FindContactByEmail(ctx context.Context, email string) (domain.Contact, bool, error) {
	return s.latestContact(func(c domain.Contact) bool { return c.Email == email })
}

func (s *Store) FindContactByPhone(ctx context.Context, phone string) (domain.Contact, bool, error) {
	return s.latestContact(func(c domain.Contact) bool { return c.Phone != "" && c.Phone == phone })
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, bool, error) {
	return s.latestContact(func(c domain.Contact) bool { return c.ID == id })
}

func (s *Store) InsertContact(ctx context.Context, c domain.Contact) error {
	defer s.lock()()
	s.d.contacts = append(s.d.contacts, c)
	return nil
}

func (s *Store) UpdateContact(ctx context.Context, in store.ContactUpdate) error {
	defer s.lock()()
	for i := range s.d.contacts {
		c := &s.d.contacts[i]
		if c.ID != in.ID {
			continue
		}
		c.Name = in.Name
		if in.Phone != "" {
			c.Phone = in.Phone
		}
		if in.PreferredContact != "" {
			c.PreferredContact = in.PreferredContact
		}
	}
	return nil
}

func (s *Store) UpsertContactInteraction(ctx context.Context, in store.InteractionUpsert) (domain.ContactModelInteraction, error) {
	defer s.lock()()
	for i := range s.d.interactions {
		it := &s.d.interactions[i]
		if it.ContactID == in.ContactID && it.ModelID == in.ModelID {
			it.InteractionCount++
			it.LastInteractionAt = in.Now
			return *it, nil
		}
	}
	it := domain.ContactModelInteraction{
		ID:                 in.ID,
		ContactID:          in.ContactID,
		ModelID:            in.ModelID,
		InteractionCount:   1,
		FirstInteractionAt: in.Now,
		LastInteractionAt:  in.Now,
	}
	s.d.interactions = append(s.d.interactions, it)
	return it, nil
}

// Interaction returns the (contact, model) row, for assertions.
func (s *Store) Interaction(contactID, modelID string) (domain.ContactModelInteraction, bool) {
	defer s.lock()()
	for _, it := range s.d.interactions {
		if it.ContactID == contactID && it.ModelID == modelID {
			return it, true
		}
	}
	return domain.ContactModelInteraction{}, false
}

func (s *Store) FindEscortClientByHash(ctx context.Context, phoneHash, emailHash string) (domain.EscortClient, bool, error) {
	defer s.lock()()
	for _, c := range s.d.clients {
		if (phoneHash != "" && c.PhoneHash == phoneHash) || (emailHash != "" && c.EmailHash == emailHash) {
			return c, true, nil
		}
	}
	return domain.EscortClient{}, false, nil
}

func (s *Store) InsertEscortClient(ctx context.Context, c domain.EscortClient) error {
	defer s.lock()()
	s.d.clients = append(s.d.clients, c)
	return nil
}

func (s *Store) FindClientInteraction(ctx context.Context, escortClientID, modelID string) (domain.ClientModelInteraction, bool, error) {
	defer s.lock()()
	for _, c := range s.d.clientInter {
		if c.EscortClientID == escortClientID && c.ModelID == modelID {
			return c, true, nil
		}
	}
	return domain.ClientModelInteraction{}, false, nil
}

func (s *Store) InsertClientInteraction(ctx context.Context, in domain.ClientModelInteraction) error {
	defer s.lock()()
	s.d.clientInter = append(s.d.clientInter, in)
	return nil
}

func (s *Store) interaction(id string) (domain.ContactModelInteraction, bool) {
	for _, it := range s.d.interactions {
		if it.ID == id {
			return it, true
		}
	}
	return domain.ContactModelInteraction{}, false
}

func (s *Store) joined(c domain.Conversation) domain.Conversation {
	if it, ok := s.interaction(c.ContactModelInteractionID); ok {
		c.ContactID, c.ModelID = it.ContactID, it.ModelID
	}
	return c
}

func (s *Store) FindConversation(ctx context.Context, interactionID string, statuses ...domain.ChatStatus) (domain.Conversation, bool, error) {
	defer s.lock()()
	rank := func(c domain.Conversation) int {
		if c.ChatStatus == domain.ChatActive {
			return 1
		}
		return 2
	}
	var best domain.Conversation
	ok := false
	for _, c := range s.d.conversations {
		if c.ContactModelInteractionID != interactionID || c.Status == domain.ConversationClosed {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, c.ChatStatus) {
			continue
		}
		switch {
		case !ok, rank(c) < rank(best):
			best, ok = c, true
		case rank(c) == rank(best) && !c.CreatedAt.Before(best.CreatedAt):
			best = c
		}
	}
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return s.joined(best), true, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	defer s.lock()()
	for _, c := range s.d.conversations {
		if c.ID == id {
			return s.joined(c), true, nil
		}
	}
	return domain.Conversation{}, false, nil
}

func (s *Store) InsertConversation(ctx context.Context, c domain.Conversation) error {
	defer s.lock()()
	c.UpdatedAt = c.CreatedAt
	c.ContactID, c.ModelID = "", ""
	s.d.conversations = append(s.d.conversations, c)
	return nil
}

func (s *Store) updateConversation(id string, fn func(c *domain.Conversation)) {
	defer s.lock()()
	for i := range s.d.conversations {
		if s.d.conversations[i].ID == id {
			fn(&s.d.conversations[i])
		}
	}
}

func (s *Store) PromoteConversation(ctx context.Context, id string, now time.Time) error {
	s.updateConversation(id, func(c *domain.Conversation) {
		c.ChatStatus = domain.ChatActive
		c.IsLiveChat = true
		c.UpdatedAt = now
	})
	return nil
}

func (s *Store) SetConversationClientInteraction(ctx context.Context, conversationID, clientInteractionID string) error {
	s.updateConversation(conversationID, func(c *domain.Conversation) {
		if c.ClientModelInteractionID == "" {
			c.ClientModelInteractionID = clientInteractionID
		}
	})
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, now time.Time) error {
	s.updateConversation(id, func(c *domain.Conversation) { c.UpdatedAt = now })
	return nil
}

func (s *Store) SetLastSeen(ctx context.Context, conversationID string, reader domain.ReaderType, now time.Time) error {
	s.updateConversation(conversationID, func(c *domain.Conversation) {
		t := now
		if reader == domain.ReaderModel {
			c.LastSeenByModel = &t
		} else {
			c.LastSeenByContact = &t
		}
	})
	return nil
}

// Conversations returns every conversation row, for assertions.
func (s *Store) Conversations() []domain.Conversation {
	defer s.lock()()
	out := make([]domain.Conversation, 0, len(s.d.conversations))
	for _, c := range s.d.conversations {
		out = append(out, s.joined(c))
	}
	return out
}

// Contacts returns every contact row, for assertions.
func (s *Store) Contacts() []domain.Contact {
	defer s.lock()()
	return slices.Clone(s.d.contacts)
}
