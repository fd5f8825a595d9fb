package contact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"threads/internal/conversation"
	"threads/internal/domain"
	"threads/internal/identity"
	"threads/internal/notify"
	"threads/internal/store/memory"
)

type fakeVerifier struct {
	ok    bool
	err   error
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	f.calls++
	return f.ok, f.err
}

// loopbackChat delivers through the service directly, the way the chat API handler does.
type loopbackChat struct {
	svc   *conversation.Service
	err   error
	calls int
}

func (c *loopbackChat) SendMessage(ctx context.Context, in conversation.ChatMessage) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.svc.SendChatMessage(ctx, in)
}

type fixture struct {
	router *Router
	svc    *conversation.Service
	store  *memory.Store
	chat   *loopbackChat
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	st.AddModel(domain.Model{ID: "m1", Slug: "mila", Name: "Mila", Email: "mila@models.test", Phone: "+15550001111", ChatEnabled: true})
	st.AddModel(domain.Model{ID: "m2", Slug: "nora", Name: "Nora", Email: "nora@models.test"})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := conversation.NewService(st, notify.NewDispatcher(log), log)

	var seq int
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ids := func(prefix string) string { seq++; return fmt.Sprintf("%s_%04d", prefix, seq) }
	now := func() time.Time { seq++; return base.Add(time.Duration(seq) * time.Second) }
	svc.IDGen, svc.Now = ids, now
	svc.Identity.IDGen, svc.Identity.Now = ids, now
	svc.Notify.IDGen, svc.Notify.Now = ids, now

	r := NewRouter(st, svc, log)
	r.IDGen, r.Now = ids, now
	chat := &loopbackChat{svc: svc}
	r.Chat = chat
	return &fixture{router: r, svc: svc, store: st, chat: chat}
}

func validSubmission() Submission {
	return Submission{
		Name:           "Ann",
		Email:          "ann@x.com",
		Message:        "Hello there, I am interested",
		ConsentContact: true,
	}
}

func TestSubmitWithoutModelIsEmailOnly(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.Submit(context.Background(), validSubmission(), Meta{IP: "203.0.113.5"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.IsLiveChat || res.ChatStatus != domain.ChatEmailOnly || !res.IsNewConversation {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(f.store.Notifications()); n != 0 {
		t.Fatalf("expected no notifications without a model, got %d", n)
	}
}

func TestSubmitNewEmailCreatesExactlyOneOfEach(t *testing.T) {
	f := newFixture(t)
	sub := validSubmission()
	sub.ModelID = "m1"

	res, err := f.router.Submit(context.Background(), sub, Meta{IP: "203.0.113.5", UserAgent: "ua"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	contacts := f.store.Contacts()
	if len(contacts) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(contacts))
	}
	it, ok := f.store.Interaction(contacts[0].ID, "m1")
	if !ok || it.InteractionCount != 1 {
		t.Fatalf("expected interaction with count 1, got %+v ok=%v", it, ok)
	}
	convs := f.store.Conversations()
	if len(convs) != 1 || convs[0].ID != res.ConversationID {
		t.Fatalf("expected 1 conversation %s, got %+v", res.ConversationID, convs)
	}
	if convs[0].ChatStatus != domain.ChatPending || !convs[0].IsLiveChat || convs[0].ClientModelInteractionID == "" {
		t.Fatalf("unexpected conversation: %+v", convs[0])
	}

	msgs := f.store.Messages()
	if len(msgs) != 1 || msgs[0].MessageTypeExtended != domain.TypeContactForm || msgs[0].IPAddress != "203.0.113.5" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	kinds := map[domain.NotificationKind]domain.Notification{}
	for _, n := range f.store.Notifications() {
		kinds[n.Kind] = n
	}
	if n, ok := kinds[domain.KindNewContact]; !ok || n.Recipient != "mila@models.test" {
		t.Fatalf("expected email to model, got %+v", kinds)
	}
	if n, ok := kinds[domain.KindChatStarted]; !ok || n.Recipient != "+15550001111" {
		t.Fatalf("expected chat-started sms, got %+v", kinds)
	}
}

func TestSubmitContinuesActiveChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := validSubmission()
	sub.ModelID = "m1"

	first, err := f.router.Submit(ctx, sub, Meta{})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.svc.SendChatMessage(ctx, conversation.ChatMessage{ConversationID: first.ConversationID, Message: "hi", SenderType: conversation.SenderModel}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	before := len(f.store.Notifications())

	sub.Message = "Following up on my message"
	second, err := f.router.Submit(ctx, sub, Meta{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ConversationID != first.ConversationID || second.IsNewConversation {
		t.Fatalf("expected continuation of %s, got %+v", first.ConversationID, second)
	}
	if second.ChatStatus != domain.ChatActive || !second.IsLiveChat {
		t.Fatalf("expected active live chat, got %+v", second)
	}
	if n := len(f.store.Conversations()); n != 1 {
		t.Fatalf("expected 1 conversation, got %d", n)
	}
	if f.chat.calls != 1 {
		t.Fatalf("expected 1 chat api call, got %d", f.chat.calls)
	}

	// The continuation texts the model via the chat path, never a second chat-started, and emails it.
	kinds := map[domain.NotificationKind]int{}
	for _, n := range f.store.Notifications()[before:] {
		kinds[n.Kind]++
	}
	if len(kinds) != 2 || kinds[domain.KindChatMessage] != 1 || kinds[domain.KindNewContact] != 1 {
		t.Fatalf("expected one chat_message sms and one contact email, got %v", kinds)
	}

	it, _ := f.store.Interaction(f.store.Contacts()[0].ID, "m1")
	if it.InteractionCount != 2 {
		t.Fatalf("expected interaction count 2, got %d", it.InteractionCount)
	}
}

func TestSubmitContinuesPendingChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := validSubmission()
	sub.ModelID = "mila"

	first, _ := f.router.Submit(ctx, sub, Meta{})
	second, err := f.router.Submit(ctx, sub, Meta{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("expected pending chat reused")
	}
}

func TestSubmitFallsBackWhenChatAPIFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := validSubmission()
	sub.ModelID = "m1"

	first, _ := f.router.Submit(ctx, sub, Meta{})
	before := len(f.store.Notifications())
	f.chat.err = errors.New("connection refused")

	second, err := f.router.Submit(ctx, sub, Meta{})
	if err != nil {
		t.Fatalf("expected success on fallback, got %v", err)
	}
	if second.ConversationID != first.ConversationID || second.ChatStatus != domain.ChatPending {
		t.Fatalf("unexpected result: %+v", second)
	}
	msgs := f.store.Messages()
	if len(msgs) != 2 || msgs[1].MessageTypeExtended != domain.TypeContactForm {
		t.Fatalf("expected direct contact_form insert, got %+v", msgs)
	}
	added := f.store.Notifications()[before:]
	if len(added) != 1 || added[0].Channel != domain.ChannelEmail || added[0].Kind != domain.KindNewContact {
		t.Fatalf("expected only the contact email on fallback, got %+v", added)
	}
	if added[0].MessageID != msgs[1].ID || added[0].Recipient != "mila@models.test" {
		t.Fatalf("expected email for the inserted message, got %+v", added[0])
	}
}

func TestSubmitContinuationEmailsModelWithoutSMSNumber(t *testing.T) {
	for _, failing := range []bool{false, true} {
		t.Run(fmt.Sprintf("chat_api_fails=%v", failing), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.store.AddModel(domain.Model{ID: "m3", Slug: "iris", Name: "Iris", Email: "iris@models.test", ChatEnabled: true})
			sub := validSubmission()
			sub.ModelID = "m3"

			if _, err := f.router.Submit(ctx, sub, Meta{}); err != nil {
				t.Fatalf("first: %v", err)
			}
			before := len(f.store.Notifications())
			if failing {
				f.chat.err = errors.New("timeout")
			}
			if _, err := f.router.Submit(ctx, sub, Meta{}); err != nil {
				t.Fatalf("second: %v", err)
			}

			added := f.store.Notifications()[before:]
			if len(added) != 1 || added[0].Kind != domain.KindNewContact || added[0].Recipient != "iris@models.test" {
				t.Fatalf("expected one contact email, got %+v", added)
			}
		})
	}
}

func TestSubmitExistingContactWithoutLiveChatOpensNewConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := validSubmission()
	sub.ModelID = "m2"

	first, _ := f.router.Submit(ctx, sub, Meta{})
	sub.Name = "Ann B"
	sub.Phone = "+15557778888"
	second, err := f.router.Submit(ctx, sub, Meta{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ConversationID == first.ConversationID || !second.IsNewConversation {
		t.Fatalf("expected a new email_only conversation, got %+v", second)
	}
	contacts := f.store.Contacts()
	if len(contacts) != 1 || contacts[0].Name != "Ann B" || contacts[0].Phone != "+15557778888" {
		t.Fatalf("expected contact updated in place, got %+v", contacts)
	}
	if it, _ := f.store.Interaction(contacts[0].ID, "m2"); it.InteractionCount != 2 {
		t.Fatalf("expected interaction count 2, got %d", it.InteractionCount)
	}
	for _, n := range f.store.Notifications() {
		if n.Channel == domain.ChannelSMS {
			t.Fatalf("expected no sms for model without chat: %+v", n)
		}
	}
}

func TestSubmitHoneypot(t *testing.T) {
	for _, field := range []string{"website", "company", "phone_alt"} {
		t.Run(field, func(t *testing.T) {
			f := newFixture(t)
			sub := validSubmission()
			switch field {
			case "website":
				sub.Website = "http://spam.com"
			case "company":
				sub.Company = " Acme "
			case "phone_alt":
				sub.PhoneAlt = "555"
			}

			_, err := f.router.Submit(context.Background(), sub, Meta{IP: "198.51.100.7"})
			if !errors.Is(err, ErrHoneypot) {
				t.Fatalf("expected honeypot rejection, got %v", err)
			}
			if !IsCallerError(err) {
				t.Fatalf("expected caller error")
			}
			if n := len(f.store.Contacts()); n != 0 {
				t.Fatalf("expected no contact row, got %d", n)
			}
			events := f.store.AuditEvents()
			if len(events) != 1 || events[0].EventType != "honeypot_triggered" || events[0].Details["field"] != field {
				t.Fatalf("unexpected audit events: %+v", events)
			}
		})
	}
}

func TestSubmitWhitespaceHoneypotIsIgnored(t *testing.T) {
	f := newFixture(t)
	sub := validSubmission()
	sub.Website = "   "
	if _, err := f.router.Submit(context.Background(), sub, Meta{}); err != nil {
		t.Fatalf("expected blank honeypot accepted, got %v", err)
	}
}

func TestSubmitValidationListsFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Submit(context.Background(), Submission{Email: "not-an-email", Message: "short"}, Meta{})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"name", "email", "message", "consent_contact"} {
		if _, ok := ve.Details[field]; !ok {
			t.Fatalf("expected detail for %s, got %v", field, ve.Details)
		}
	}
	if n := len(f.store.Contacts()); n != 0 {
		t.Fatalf("expected no writes, got %d contacts", n)
	}
}

func TestSubmitUnknownModel(t *testing.T) {
	f := newFixture(t)
	sub := validSubmission()
	sub.ModelID = "ghost"
	if _, err := f.router.Submit(context.Background(), sub, Meta{}); !errors.Is(err, domain.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestSubmitTurnstile(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		v       *fakeVerifier
		wantErr error
	}{
		{"missing token", "", &fakeVerifier{ok: true}, ErrCaptchaNeeded},
		{"rejected", "tok", &fakeVerifier{ok: false}, ErrCaptchaFailed},
		{"accepted", "tok", &fakeVerifier{ok: true}, nil},
		{"provider down", "tok", &fakeVerifier{err: errors.New("timeout")}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.router.Turnstile = tc.v
			sub := validSubmission()
			sub.TurnstileToken = tc.token

			_, err := f.router.Submit(context.Background(), sub, Meta{})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSubmitHashesPhoneAsSubmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := validSubmission()
	sub.ModelID = "m1"
	sub.Phone = " +1 555 000 2222 "

	if _, err := f.router.Submit(ctx, sub, Meta{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, found, _ := f.store.FindEscortClientByHash(ctx, identity.Hash(" +1 555 000 2222 "), ""); !found {
		t.Fatalf("expected client keyed by the hash of the submitted phone")
	}
	if _, found, _ := f.store.FindEscortClientByHash(ctx, identity.Hash("+15550002222"), ""); found {
		t.Fatalf("expected no client keyed by the normalized phone")
	}
}
