package conversation

import (
	"context"
	"errors"
	"testing"

	"threads/internal/domain"
	"threads/internal/store"
)

func TestAddEmailMessageSetsReadFlagsByDirection(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, err := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeEmailIn)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}

	inID, err := svc.AddEmailMessage(ctx, EmailMessage{
		ConversationID: th.ConversationID,
		MessageType:    domain.TypeEmailIn,
		Subject:        "Hi",
		Message:        "hello",
		SenderName:     "Ann",
		SenderEmail:    "ann@x.com",
		EmailMessageID: "<a1@x.com>",
	})
	if err != nil {
		t.Fatalf("add inbound: %v", err)
	}
	outID, err := svc.AddEmailMessage(ctx, EmailMessage{
		ConversationID: th.ConversationID,
		MessageType:    domain.TypeEmailOut,
		Subject:        "Re: Hi",
		Message:        "hey",
		RecipientName:  "Ann",
		RecipientEmail: "ann@x.com",
	})
	if err != nil {
		t.Fatalf("add outbound: %v", err)
	}

	byID := map[string]domain.Message{}
	for _, m := range st.Messages() {
		byID[m.ID] = m
	}
	in, out := byID[inID], byID[outID]
	if !in.IsReadByModel || in.IsReadByContact || in.ReadAtModel == nil || in.ReadAtContact != nil {
		t.Fatalf("unexpected inbound flags: %+v", in)
	}
	if !out.IsReadByContact || out.IsReadByModel || out.ReadAtContact == nil || out.ReadAtModel != nil {
		t.Fatalf("unexpected outbound flags: %+v", out)
	}
	if in.MessageType != "email" {
		t.Fatalf("expected coarse type email, got %q", in.MessageType)
	}
}

func TestAddEmailMessageTouchesAndBackfills(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, err := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeEmailIn)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	before, _, _ := st.GetConversation(ctx, th.ConversationID)
	if before.ClientModelInteractionID != "" {
		t.Fatalf("expected no client interaction yet")
	}

	if _, err := svc.AddEmailMessage(ctx, EmailMessage{
		ConversationID: th.ConversationID,
		MessageType:    domain.TypeEmailIn,
		Message:        "hello",
		SenderEmail:    "ann@x.com",
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	after, _, _ := st.GetConversation(ctx, th.ConversationID)
	if after.ClientModelInteractionID == "" {
		t.Fatalf("expected client interaction backfilled")
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("expected updated_at touched: before=%v after=%v", before.UpdatedAt, after.UpdatedAt)
	}

	// A second message keeps the first link.
	if _, err := svc.AddEmailMessage(ctx, EmailMessage{
		ConversationID: th.ConversationID,
		MessageType:    domain.TypeEmailIn,
		Message:        "again",
		SenderEmail:    "ann@x.com",
	}); err != nil {
		t.Fatalf("add again: %v", err)
	}
	again, _, _ := st.GetConversation(ctx, th.ConversationID)
	if again.ClientModelInteractionID != after.ClientModelInteractionID {
		t.Fatalf("expected stable client interaction, got %s then %s", after.ClientModelInteractionID, again.ClientModelInteractionID)
	}
}

func TestAddEmailMessageUnknownConversation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AddEmailMessage(context.Background(), EmailMessage{ConversationID: "conv_missing", MessageType: domain.TypeEmailIn, Message: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkMessagesAsRead(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, _ := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeEmailIn)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := svc.AddEmailMessage(ctx, EmailMessage{ConversationID: th.ConversationID, MessageType: domain.TypeEmailIn, Message: "m", SenderEmail: "ann@x.com"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, id)
	}

	n, err := svc.MarkMessagesAsRead(ctx, th.ConversationID, domain.ReaderContact, ids[:1])
	if err != nil {
		t.Fatalf("mark subset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 updated, got %d", n)
	}

	n, err = svc.MarkMessagesAsRead(ctx, th.ConversationID, domain.ReaderContact, nil)
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected remaining 2 updated, got %d", n)
	}
	for _, m := range st.Messages() {
		if !m.IsReadByContact || m.ReadAtContact == nil {
			t.Fatalf("expected %s read by contact", m.ID)
		}
	}

	conv, _, _ := st.GetConversation(ctx, th.ConversationID)
	if conv.LastSeenByContact == nil || conv.LastSeenByModel != nil {
		t.Fatalf("expected only last_seen_by_contact set, got %+v", conv)
	}

	if _, err := svc.MarkMessagesAsRead(ctx, th.ConversationID, "admin", nil); !errors.Is(err, domain.ErrInvalidReader) {
		t.Fatalf("expected ErrInvalidReader, got %v", err)
	}
	if _, err := svc.MarkMessagesAsRead(ctx, "conv_missing", domain.ReaderModel, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchAndStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	th, _ := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeEmailIn)
	for _, body := range []string{"booking for friday", "see you soon"} {
		if _, err := svc.AddEmailMessage(ctx, EmailMessage{ConversationID: th.ConversationID, MessageType: domain.TypeEmailIn, Message: body, SenderEmail: "ann@x.com"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := svc.Search(ctx, store.SearchQuery{Query: "FRIDAY"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].Message != "booking for friday" {
		t.Fatalf("unexpected search result: %+v", got)
	}
	if _, err := svc.Search(ctx, store.SearchQuery{Query: " "}); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields for blank query, got %v", err)
	}

	stats, err := svc.Stats(ctx, "m1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Conversations != 1 || stats.Messages != 2 || stats.ByType[string(domain.TypeEmailIn)] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
