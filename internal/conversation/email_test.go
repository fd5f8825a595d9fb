package conversation

import (
	"context"
	"errors"
	"testing"

	"threads/internal/domain"
)

func TestReceiveEmailThreadsAndForwards(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	in := InboundEmail{
		From:      Address{Email: "Ann@X.com", Name: "Ann"},
		To:        []Address{{Email: "someone@else.test"}, {Email: "mila@models.test", Name: "Mila"}},
		Subject:   "Booking",
		TextBody:  "Is Friday ok?",
		MessageID: "<b1@x.com>",
	}
	r, err := svc.ReceiveEmail(ctx, in)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !r.IsNewConversation || r.Duplicate {
		t.Fatalf("unexpected receipt: %+v", r)
	}

	conv, _, _ := st.GetConversation(ctx, r.ConversationID)
	if conv.ModelID != "m1" || conv.ChatStatus != domain.ChatEmailOnly || conv.Subject != "Booking" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	contacts := st.Contacts()
	if len(contacts) != 1 || contacts[0].Name != "Ann" || contacts[0].Email != "ann@x.com" {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
	ns := st.Notifications()
	if len(ns) != 1 || ns[0].Kind != domain.KindIncomingEmail || ns[0].Recipient != "mila@models.test" {
		t.Fatalf("unexpected notifications: %+v", ns)
	}

	dup, err := svc.ReceiveEmail(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !dup.Duplicate || dup.MessageID != r.MessageID {
		t.Fatalf("expected duplicate of %s, got %+v", r.MessageID, dup)
	}
	if n := len(st.Messages()); n != 1 {
		t.Fatalf("expected 1 message after replay, got %d", n)
	}
}

func TestReceiveEmailUsesHTMLWhenNoText(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	if _, err := svc.ReceiveEmail(ctx, InboundEmail{
		From:     Address{Email: "ann@x.com"},
		To:       []Address{{Email: "mila@models.test"}},
		HTMLBody: "<p>hi</p>",
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := st.Messages()[0].Message; got != "<p>hi</p>" {
		t.Fatalf("expected html body, got %q", got)
	}
}

func TestReceiveEmailRequiresSender(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ReceiveEmail(context.Background(), InboundEmail{To: []Address{{Email: "mila@models.test"}}})
	if !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}

func TestSendEmailResolvesThreadAndQueuesDelivery(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	r, err := svc.SendEmail(ctx, OutboundEmail{ModelID: "mila", To: "ann@x.com", ToName: "Ann", Subject: "Hello", Message: "Welcome"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !r.IsNewConversation {
		t.Fatalf("expected new thread")
	}

	msgs := st.Messages()
	if len(msgs) != 1 || msgs[0].MessageTypeExtended != domain.TypeEmailOut || msgs[0].SenderEmail != "mila@models.test" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	ns := st.Notifications()
	if len(ns) != 1 || ns[0].Kind != domain.KindOutgoingEmail || ns[0].Recipient != "ann@x.com" || ns[0].Subject != "Hello" {
		t.Fatalf("unexpected notifications: %+v", ns)
	}

	again, err := svc.SendEmail(ctx, OutboundEmail{ConversationID: r.ConversationID, Subject: "Again", Message: "Still there?"})
	if err != nil {
		t.Fatalf("send on conversation: %v", err)
	}
	if again.ConversationID != r.ConversationID {
		t.Fatalf("expected same conversation")
	}
	if n := len(st.Notifications()); n != 2 {
		t.Fatalf("expected 2 notifications, got %d", n)
	}
}

func TestSendEmailUnknownModel(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.SendEmail(context.Background(), OutboundEmail{ModelID: "ghost", To: "a@x.com", Subject: "s", Message: "m"})
	if !errors.Is(err, domain.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}
