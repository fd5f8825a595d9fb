package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"threads/internal/domain"
	"threads/internal/providers/smtp"
	"threads/internal/providers/twilio"
	sqsqueue "threads/internal/queue/sqs"
	"threads/internal/store/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSMS struct {
	mu     sync.Mutex
	calls  []twilio.SendRequest
	status int
	err    error
}

func (f *fakeSMS) SendSMS(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return twilio.SendResponse{}, f.status, f.err
	}
	return twilio.SendResponse{Sid: "SM123", Status: "queued"}, 201, nil
}

type fakeMail struct {
	mu   sync.Mutex
	sent []smtp.Email
	err  error
}

func (f *fakeMail) Send(ctx context.Context, e smtp.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

func seed(t *testing.T, st *memory.Store, n domain.Notification) {
	t.Helper()
	if n.State == "" {
		n.State = domain.NotifyQueued
	}
	if n.ConversationID == "" {
		n.ConversationID = "conv_1"
	}
	n.CreatedAt, n.UpdatedAt = t0, t0
	if err := st.InsertNotification(context.Background(), n); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func row(t *testing.T, st *memory.Store, id string) domain.Notification {
	t.Helper()
	n, ok, err := st.GetNotification(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected notification %s, got ok=%v err=%v", id, ok, err)
	}
	return n
}

func newProcessor(st *memory.Store, sms SMSSender, mail MailSender) *Processor {
	return &Processor{
		Store: st,
		SMS:   sms,
		Mail:  mail,
		Now:   func() time.Time { return t0.Add(time.Minute) },
		Sleep: func(time.Duration) {},
	}
}

func job(id string) sqsqueue.NotificationJob { return sqsqueue.NotificationJob{NotificationID: id} }

func TestProcessSMSSent(t *testing.T) {
	st := memory.New()
	seed(t, st, domain.Notification{ID: "ntf_1", Channel: domain.ChannelSMS, Recipient: "+15550001111", Body: "hi"})
	sms := &fakeSMS{}

	if err := newProcessor(st, sms, nil).Process(context.Background(), job("ntf_1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	n := row(t, st, "ntf_1")
	if n.State != domain.NotifySent || n.Provider != twilio.Provider || n.ProviderMsgID != "SM123" || n.Attempts != 1 {
		t.Fatalf("unexpected row %+v", n)
	}
	if len(sms.calls) != 1 || sms.calls[0].To != "+15550001111" {
		t.Fatalf("expected one send to the model phone, got %+v", sms.calls)
	}
}

func TestProcessSkipsFinalAndMissing(t *testing.T) {
	st := memory.New()
	seed(t, st, domain.Notification{ID: "ntf_done", Channel: domain.ChannelSMS, Recipient: "+1555", State: domain.NotifySent})
	sms := &fakeSMS{}
	p := newProcessor(st, sms, nil)

	if err := p.Process(context.Background(), job("ntf_done")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Process(context.Background(), job("ntf_missing")); err != nil {
		t.Fatalf("expected missing rows to be acked, got %v", err)
	}
	if len(sms.calls) != 0 {
		t.Fatalf("expected no sends, got %d", len(sms.calls))
	}
}

func TestProcessSuppressed(t *testing.T) {
	st := memory.New()
	seed(t, st, domain.Notification{ID: "ntf_norcpt", Channel: domain.ChannelEmail})
	seed(t, st, domain.Notification{ID: "ntf_nosms", Channel: domain.ChannelSMS, Recipient: "+1555"})
	p := newProcessor(st, nil, &fakeMail{})

	_ = p.Process(context.Background(), job("ntf_norcpt"))
	_ = p.Process(context.Background(), job("ntf_nosms"))

	if n := row(t, st, "ntf_norcpt"); n.State != domain.NotifySuppressed || n.LastError != "no_recipient" {
		t.Fatalf("expected suppressed/no_recipient, got %+v", n)
	}
	if n := row(t, st, "ntf_nosms"); n.State != domain.NotifySuppressed || n.LastError != "sms_not_configured" {
		t.Fatalf("expected suppressed/sms_not_configured, got %+v", n)
	}
}

func TestProcessSMSNonRetryableFails(t *testing.T) {
	st := memory.New()
	seed(t, st, domain.Notification{ID: "ntf_1", Channel: domain.ChannelSMS, Recipient: "+1555", Body: "hi"})
	sms := &fakeSMS{status: 400, err: &twilio.APIError{HTTPStatus: 400, Code: 21211, Message: "invalid To"}}

	_ = newProcessor(st, sms, nil).Process(context.Background(), job("ntf_1"))

	n := row(t, st, "ntf_1")
	if n.State != domain.NotifyFailed || n.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %+v", n)
	}
	if len(sms.calls) != 1 {
		t.Fatalf("expected no retries, got %d calls", len(sms.calls))
	}
}

func TestProcessSMSRetriesThenReleases(t *testing.T) {
	st := memory.New()
	seed(t, st, domain.Notification{ID: "ntf_1", Channel: domain.ChannelSMS, Recipient: "+1555", Body: "hi"})
	seed(t, st, domain.Notification{ID: "ntf_2", Channel: domain.ChannelSMS, Recipient: "+1555", Body: "hi", Attempts: 4})
	sms := &fakeSMS{status: 503, err: &twilio.APIError{HTTPStatus: 503, Message: "unavailable"}}
	p := newProcessor(st, sms, nil)

	_ = p.Process(context.Background(), job("ntf_1"))
	if len(sms.calls) != 3 {
		t.Fatalf("expected 3 tries, got %d", len(sms.calls))
	}
	if n := row(t, st, "ntf_1"); n.State != domain.NotifyPending || n.LastError != "twilio_retry_exhausted" || n.Attempts != 1 {
		t.Fatalf("expected row back to pending, got %+v", n)
	}

	_ = p.Process(context.Background(), job("ntf_2"))
	if n := row(t, st, "ntf_2"); n.State != domain.NotifyFailed {
		t.Fatalf("expected failed once attempts run out, got %+v", n)
	}
}

func TestProcessBreakerOpenReleasesWithoutAttempt(t *testing.T) {
	st := memory.New()
	seed(t, st, domain.Notification{ID: "ntf_1", Channel: domain.ChannelSMS, Recipient: "+1555", Body: "hi"})
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twilio",
		Timeout:     time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	_, _ = br.Execute(func() (any, error) { return nil, errors.New("boom") })

	sms := &fakeSMS{}
	p := newProcessor(st, sms, nil)
	p.SMSBreaker = br

	if err := p.Process(context.Background(), job("ntf_1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sms.calls) != 0 {
		t.Fatalf("expected no provider call while open")
	}
	if n := row(t, st, "ntf_1"); n.State != domain.NotifyPending || n.Attempts != 0 || n.LastError != "twilio_circuit_open" {
		t.Fatalf("expected pending without an attempt, got %+v", n)
	}
}

func TestProcessEmail(t *testing.T) {
	st := memory.New()
	seed(t, st, domain.Notification{ID: "ntf_ok", Channel: domain.ChannelEmail, Recipient: "mila@example.com", Subject: "New message", Body: "body"})
	seed(t, st, domain.Notification{ID: "ntf_bad", Channel: domain.ChannelEmail, Recipient: "nora@example.com", Body: "body"})
	mail := &fakeMail{}
	p := newProcessor(st, nil, mail)

	_ = p.Process(context.Background(), job("ntf_ok"))
	if n := row(t, st, "ntf_ok"); n.State != domain.NotifySent || n.Provider != smtp.Provider {
		t.Fatalf("expected sent via smtp, got %+v", n)
	}
	if len(mail.sent) != 1 || mail.sent[0].Subject != "New message" {
		t.Fatalf("unexpected mail %+v", mail.sent)
	}

	mail.err = errors.New("421 try later")
	_ = p.Process(context.Background(), job("ntf_bad"))
	if n := row(t, st, "ntf_bad"); n.State != domain.NotifyPending || n.Attempts != 1 {
		t.Fatalf("expected pending after a transient smtp error, got %+v", n)
	}
}
