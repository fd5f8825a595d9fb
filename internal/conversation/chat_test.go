package conversation

import (
	"context"
	"errors"
	"testing"

	"threads/internal/domain"
)

func TestSendChatMessageFromClientPromotesAndTextsModel(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, _ := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeEmailIn)
	id, err := svc.SendChatMessage(ctx, ChatMessage{ConversationID: th.ConversationID, Message: " are you free? ", SenderType: SenderClient})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	conv, _, _ := st.GetConversation(ctx, th.ConversationID)
	if conv.ChatStatus != domain.ChatActive || !conv.IsLiveChat {
		t.Fatalf("expected promoted conversation, got %s live=%v", conv.ChatStatus, conv.IsLiveChat)
	}

	var msg domain.Message
	for _, m := range st.Messages() {
		if m.ID == id {
			msg = m
		}
	}
	if msg.Message != "are you free?" || msg.MessageType != "chat" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !msg.IsReadByContact || msg.IsReadByModel {
		t.Fatalf("expected read by sender only, got contact=%v model=%v", msg.IsReadByContact, msg.IsReadByModel)
	}

	ns := st.Notifications()
	if len(ns) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(ns))
	}
	if ns[0].Kind != domain.KindChatMessage || ns[0].Channel != domain.ChannelSMS || ns[0].Recipient != "+15550001111" {
		t.Fatalf("unexpected notification: %+v", ns[0])
	}
	if ns[0].State != domain.NotifyPending || ns[0].MessageID != id {
		t.Fatalf("expected pending intent for %s, got %+v", id, ns[0])
	}
}

func TestSendChatMessageFromModelEmailsContact(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, _ := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeChatMessage)
	if _, err := svc.SendChatMessage(ctx, ChatMessage{ConversationID: th.ConversationID, Message: "hi!", SenderType: SenderModel, SenderID: "m1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ns := st.Notifications()
	if len(ns) != 1 || ns[0].Kind != domain.KindModelChatReply || ns[0].Recipient != "ann@x.com" {
		t.Fatalf("unexpected notifications: %+v", ns)
	}
	msgs := st.Messages()
	if !msgs[0].IsReadByModel || msgs[0].IsReadByContact {
		t.Fatalf("expected read by model only: %+v", msgs[0])
	}
}

func TestSendChatMessageSkipsSMSWhenModelCannotReceive(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, _ := svc.FindOrCreateConversation(ctx, "ann@x.com", "m2", domain.TypeChatMessage)
	if _, err := svc.SendChatMessage(ctx, ChatMessage{ConversationID: th.ConversationID, Message: "hello", SenderType: SenderClient}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := len(st.Notifications()); n != 0 {
		t.Fatalf("expected no notification for model without sms, got %d", n)
	}
	if n := len(st.Messages()); n != 1 {
		t.Fatalf("expected message stored, got %d", n)
	}
}

func TestSendChatMessageValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		in   ChatMessage
		want error
	}{
		{"empty message", ChatMessage{ConversationID: "conv_1", Message: "  ", SenderType: SenderClient}, domain.ErrMissingFields},
		{"bad sender", ChatMessage{ConversationID: "conv_1", Message: "x", SenderType: "bot"}, ErrInvalidSender},
		{"unknown conversation", ChatMessage{ConversationID: "conv_1", Message: "x", SenderType: SenderClient}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SendChatMessage(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNotifyChatStarted(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, _ := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeChatMessage)
	ok, err := svc.NotifyChatStarted(ctx, ChatStarted{ConversationID: th.ConversationID, ModelSlug: "mila", ClientName: "Ann", InitialMessage: "hi"})
	if err != nil || !ok {
		t.Fatalf("expected queued, got ok=%v err=%v", ok, err)
	}
	if ns := st.Notifications(); len(ns) != 1 || ns[0].Body != "New chat from Ann: hi" {
		t.Fatalf("unexpected notifications: %+v", ns)
	}

	ok, err = svc.NotifyChatStarted(ctx, ChatStarted{ConversationID: th.ConversationID, ModelSlug: "nora"})
	if err != nil || ok {
		t.Fatalf("expected silent no-op for model without sms, got ok=%v err=%v", ok, err)
	}
	if _, err := svc.NotifyChatStarted(ctx, ChatStarted{ConversationID: th.ConversationID, ModelSlug: "ghost"}); !errors.Is(err, domain.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestModelAuthoredReadFlagsDifferByChannel(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	th, _ := svc.FindOrCreateConversation(ctx, "ann@x.com", "m1", domain.TypeChatMessage)
	chatID, err := svc.SendChatMessage(ctx, ChatMessage{ConversationID: th.ConversationID, Message: "hi", SenderType: SenderModel, SenderID: "m1"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := svc.SendEmail(ctx, OutboundEmail{ConversationID: th.ConversationID, Subject: "Hi", Message: "By email"}); err != nil {
		t.Fatalf("email: %v", err)
	}

	for _, m := range st.Messages() {
		switch {
		case m.ID == chatID:
			if !m.IsReadByModel || m.IsReadByContact {
				t.Fatalf("expected model chat read by model only: %+v", m)
			}
		case m.MessageTypeExtended == domain.TypeEmailOut:
			if m.IsReadByModel || !m.IsReadByContact {
				t.Fatalf("expected email_out read on the contact side only: %+v", m)
			}
		}
	}
}
