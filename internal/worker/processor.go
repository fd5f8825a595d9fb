// Package worker delivers outbox notifications: the relay hands pending rows to a publisher and
// the processor sends each one through Twilio or SMTP.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"threads/internal/domain"
	"threads/internal/observability"
	"threads/internal/providers/smtp"
	"threads/internal/providers/twilio"
	sqsqueue "threads/internal/queue/sqs"
	"threads/internal/store"
)

type SMSSender interface {
	SendSMS(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, error)
}

type MailSender interface {
	Send(ctx context.Context, e smtp.Email) error
}

const (
	defaultMaxAttempts = 5
	defaultSendTimeout = 10 * time.Second
	defaultStaleAfter  = 2 * time.Minute
)

type Processor struct {
	Store store.NotificationStore
	SMS   SMSSender // nil suppresses SMS
	Mail  MailSender

	Limiter     *rate.Limiter
	SMSBreaker  *gobreaker.CircuitBreaker
	MailBreaker *gobreaker.CircuitBreaker

	// MaxAttempts caps provider attempts across redeliveries before a row fails.
	MaxAttempts int
	SendTimeout time.Duration
	StaleAfter  time.Duration

	Log   *slog.Logger
	Now   func() time.Time
	Sleep func(time.Duration)
}

// Process delivers one notification. It returns nil once the row reached a final state or was
// handed back to the relay; an error means the row could not be read or claimed.
func (p *Processor) Process(ctx context.Context, job sqsqueue.NotificationJob) error {
	n, ok, err := p.Store.GetNotification(ctx, job.NotificationID)
	if err != nil {
		return err
	}
	if !ok {
		p.log().Warn("notification not found", "notification_id", job.NotificationID)
		return nil
	}
	if n.State.Final() {
		return nil
	}

	claimed, err := p.Store.ClaimNotification(ctx, n.ID, p.now(), p.staleAfter())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if n.Recipient == "" {
		return p.suppress(ctx, n, "no_recipient")
	}

	switch n.Channel {
	case domain.ChannelSMS:
		return p.sendSMS(ctx, n)
	case domain.ChannelEmail:
		return p.sendEmail(ctx, n)
	default:
		return p.finish(ctx, n, domain.NotifyFailed, "", "", "unknown_channel", false)
	}
}

func (p *Processor) sendSMS(ctx context.Context, n domain.Notification) error {
	if p.SMS == nil {
		return p.suppress(ctx, n, "sms_not_configured")
	}

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < 3; attempt++ {
		// Rate limit before calling Twilio (per process).
		if p.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := p.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.TwilioSend.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = err
				p.sleep(200 * time.Millisecond)
				continue
			}
		}

		res, err := p.executeSMS(ctx, n)

		// Breaker open: fail fast without spending an attempt.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.TwilioSend.WithLabelValues("cb_open", "0").Inc()
			return p.release(ctx, n, "twilio_circuit_open", false)
		}

		if err == nil {
			observability.TwilioSend.WithLabelValues("ok", strconv.Itoa(res.httpStatus)).Inc()
			observability.TwilioLatency.Observe(time.Since(start).Seconds())
			return p.finish(ctx, n, domain.NotifySent, twilio.Provider, res.resp.Sid, "", true)
		}

		lastErr = err
		var sce smsCallError
		httpStatus := 0
		if errors.As(err, &sce) {
			httpStatus = sce.httpStatus
		}
		observability.TwilioSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		if !twilio.ShouldRetry(err, httpStatus) {
			p.log().Warn("twilio rejected notification", "notification_id", n.ID, "http_status", httpStatus, "err", err)
			return p.finish(ctx, n, domain.NotifyFailed, twilio.Provider, "", "twilio_non_retryable: "+err.Error(), true)
		}
		p.sleep(twilio.Backoff(attempt))
	}

	p.log().Warn("twilio retries exhausted", "notification_id", n.ID, "err", lastErr)
	return p.release(ctx, n, "twilio_retry_exhausted", true)
}

func (p *Processor) executeSMS(ctx context.Context, n domain.Notification) (smsResult, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()

		resp, httpStatus, err := p.SMS.SendSMS(reqCtx, twilio.SendRequest{To: n.Recipient, Body: n.Body})
		if err != nil {
			return nil, smsCallError{err: err, httpStatus: httpStatus}
		}
		return smsResult{resp: resp, httpStatus: httpStatus}, nil
	}

	var (
		res any
		err error
	)
	if p.SMSBreaker == nil {
		res, err = call()
	} else {
		res, err = p.SMSBreaker.Execute(call)
	}
	if err != nil {
		return smsResult{}, err
	}
	return res.(smsResult), nil
}

func (p *Processor) sendEmail(ctx context.Context, n domain.Notification) error {
	if p.Mail == nil {
		return p.suppress(ctx, n, "smtp_not_configured")
	}

	call := func() (any, error) {
		sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout())
		defer cancel()
		return nil, p.Mail.Send(sendCtx, smtp.Email{To: n.Recipient, Subject: n.Subject, Body: n.Body})
	}

	var err error
	if p.MailBreaker == nil {
		_, err = call()
	} else {
		_, err = p.MailBreaker.Execute(call)
	}

	switch {
	case err == nil:
		observability.EmailSend.WithLabelValues("ok").Inc()
		return p.finish(ctx, n, domain.NotifySent, smtp.Provider, "", "", true)
	case errors.Is(err, smtp.ErrNotConfigured):
		return p.suppress(ctx, n, "smtp_not_configured")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.EmailSend.WithLabelValues("cb_open").Inc()
		return p.release(ctx, n, "smtp_circuit_open", false)
	default:
		observability.EmailSend.WithLabelValues("error").Inc()
		p.log().Warn("smtp send failed", "notification_id", n.ID, "err", err)
		return p.release(ctx, n, "smtp_error: "+err.Error(), true)
	}
}

// release hands a transiently failed row back to the relay, or fails it once attempts run out.
func (p *Processor) release(ctx context.Context, n domain.Notification, reason string, attempted bool) error {
	if attempted && n.Attempts+1 >= p.maxAttempts() {
		return p.finish(ctx, n, domain.NotifyFailed, "", "", reason, true)
	}
	return p.finish(ctx, n, domain.NotifyPending, "", "", reason, attempted)
}

func (p *Processor) suppress(ctx context.Context, n domain.Notification, reason string) error {
	observability.Suppressed.WithLabelValues(reason).Inc()
	p.log().Info("notification suppressed", "notification_id", n.ID, "kind", n.Kind, "reason", reason)
	return p.finish(ctx, n, domain.NotifySuppressed, "", "", reason, false)
}

func (p *Processor) finish(ctx context.Context, n domain.Notification, state domain.NotificationState, provider, providerMsgID, lastErr string, attempted bool) error {
	// Outcome writes must land even if the job context was cancelled mid-send.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return p.Store.SetNotificationState(wctx, store.NotificationStateUpdate{
		ID:            n.ID,
		State:         state,
		Provider:      provider,
		ProviderMsgID: providerMsgID,
		LastError:     lastErr,
		Attempted:     attempted,
		Now:           p.now(),
	})
}

func (p *Processor) log() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p *Processor) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

func (p *Processor) sleep(d time.Duration) {
	if p.Sleep == nil {
		time.Sleep(d)
		return
	}
	p.Sleep(d)
}

func (p *Processor) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p *Processor) sendTimeout() time.Duration {
	if p.SendTimeout <= 0 {
		return defaultSendTimeout
	}
	return p.SendTimeout
}

func (p *Processor) staleAfter() time.Duration {
	if p.StaleAfter <= 0 {
		return defaultStaleAfter
	}
	return p.StaleAfter
}

type smsResult struct {
	resp       twilio.SendResponse
	httpStatus int
}

type smsCallError struct {
	err        error
	httpStatus int
}

func (e smsCallError) Error() string { return e.err.Error() }
func (e smsCallError) Unwrap() error { return e.err }
