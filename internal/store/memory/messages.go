package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"threads/internal/domain"
	"threads/internal/store"
)

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	defer s.lock()()
	if m.EmailMessageID != "" {
		for _, ex := range s.d.messages {
			if ex.EmailMessageID == m.EmailMessageID {
				return errDuplicateEmailID
			}
		}
	}
	s.d.messages = append(s.d.messages, m)
	return nil
}

func (s *Store) FindMessageByEmailID(ctx context.Context, emailMessageID string) (domain.Message, bool, error) {
	defer s.lock()()
	for _, m := range s.d.messages {
		if m.EmailMessageID == emailMessageID {
			return m, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, in store.ReadUpdate) (int64, error) {
	defer s.lock()()
	var n int64
	for i := range s.d.messages {
		m := &s.d.messages[i]
		if m.ConversationID != in.ConversationID {
			continue
		}
		if len(in.MessageIDs) > 0 && !slices.Contains(in.MessageIDs, m.ID) {
			continue
		}
		t := in.Now
		switch in.Reader {
		case domain.ReaderModel:
			if m.IsReadByModel {
				continue
			}
			m.IsReadByModel, m.ReadAtModel = true, &t
		default:
			if m.IsReadByContact {
				continue
			}
			m.IsReadByContact, m.ReadAtContact = true, &t
		}
		n++
	}
	return n, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	defer s.lock()()
	out := []domain.Message{}
	for _, m := range s.d.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) modelOf(conversationID string) string {
	for _, c := range s.d.conversations {
		if c.ID == conversationID {
			if it, ok := s.interaction(c.ContactModelInteractionID); ok {
				return it.ModelID
			}
		}
	}
	return ""
}

func (s *Store) SearchMessages(ctx context.Context, in store.SearchQuery) ([]domain.Message, error) {
	defer s.lock()()
	q := strings.ToLower(in.Query)
	out := []domain.Message{}
	for i := len(s.d.messages) - 1; i >= 0; i-- {
		m := s.d.messages[i]
		if in.ModelID != "" && s.modelOf(m.ConversationID) != in.ModelID {
			continue
		}
		hay := strings.ToLower(strings.Join([]string{m.Subject, m.Message, m.SenderEmail, m.SenderName}, "\n"))
		if !strings.Contains(hay, q) {
			continue
		}
		out = append(out, m)
		if in.Limit > 0 && len(out) >= in.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, modelID string) (store.Stats, error) {
	defer s.lock()()
	out := store.Stats{ByType: map[string]int64{}}
	for _, c := range s.d.conversations {
		if modelID != "" && s.modelOf(c.ID) != modelID {
			continue
		}
		out.Conversations++
		if c.IsLiveChat {
			out.LiveChats++
		}
	}
	for _, m := range s.d.messages {
		if modelID != "" && s.modelOf(m.ConversationID) != modelID {
			continue
		}
		out.Messages++
		out.ByType[string(m.MessageTypeExtended)]++
		if !m.IsReadByModel {
			out.UnreadByModel++
		}
	}
	return out, nil
}

// Messages returns every message row, for assertions.
func (s *Store) Messages() []domain.Message {
	defer s.lock()()
	return slices.Clone(s.d.messages)
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev domain.AuditEvent) error {
	defer s.lock()()
	s.d.audit = append(s.d.audit, ev)
	return nil
}

// AuditEvents returns every audit row, for assertions.
func (s *Store) AuditEvents() []domain.AuditEvent {
	defer s.lock()()
	return slices.Clone(s.d.audit)
}

func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) error {
	defer s.lock()()
	s.d.notifications = append(s.d.notifications, n)
	return nil
}

// Notifications returns every outbox row, for assertions.
func (s *Store) Notifications() []domain.Notification {
	defer s.lock()()
	return slices.Clone(s.d.notifications)
}

func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time) ([]domain.Notification, error) {
	defer s.lock()()
	var out []domain.Notification
	for i := range s.d.notifications {
		n := &s.d.notifications[i]
		if n.State != domain.NotifyPending {
			continue
		}
		n.State, n.UpdatedAt = domain.NotifyQueued, now
		out = append(out, *n)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (domain.Notification, bool, error) {
	defer s.lock()()
	for _, n := range s.d.notifications {
		if n.ID == id {
			return n, true, nil
		}
	}
	return domain.Notification{}, false, nil
}

func (s *Store) ClaimNotification(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	defer s.lock()()
	for i := range s.d.notifications {
		n := &s.d.notifications[i]
		if n.ID != id {
			continue
		}
		stale := n.State == domain.NotifyProcessing && n.UpdatedAt.Before(now.Add(-staleAfter))
		if n.State == domain.NotifyPending || n.State == domain.NotifyQueued || stale {
			n.State, n.UpdatedAt = domain.NotifyProcessing, now
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

func (s *Store) SetNotificationState(ctx context.Context, in store.NotificationStateUpdate) error {
	defer s.lock()()
	for i := range s.d.notifications {
		n := &s.d.notifications[i]
		if n.ID != in.ID {
			continue
		}
		n.State, n.LastError, n.UpdatedAt = in.State, in.LastError, in.Now
		if in.Provider != "" {
			n.Provider = in.Provider
		}
		if in.ProviderMsgID != "" {
			n.ProviderMsgID = in.ProviderMsgID
		}
		if in.Attempted {
			n.Attempts++
		}
	}
	return nil
}

func (s *Store) UpdateByProviderMsgID(ctx context.Context, in store.ProviderStatusUpdate) (bool, error) {
	defer s.lock()()
	updated := false
	for i := range s.d.notifications {
		n := &s.d.notifications[i]
		if n.Provider == in.Provider && n.ProviderMsgID == in.ProviderMsgID {
			n.State, n.LastError, n.UpdatedAt = in.State, in.LastError, in.Now
			updated = true
		}
	}
	return updated, nil
}

func (s *Store) RequeueStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for i := range s.d.notifications {
		row := &s.d.notifications[i]
		if (row.State == domain.NotifyQueued || row.State == domain.NotifyProcessing) && row.UpdatedAt.Before(cutoff) {
			row.State, row.UpdatedAt = domain.NotifyPending, now
			n++
		}
	}
	return n, nil
}
