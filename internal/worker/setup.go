package worker

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"threads/internal/config"
	"threads/internal/providers/smtp"
	"threads/internal/providers/twilio"
	"threads/internal/store"
)

// NewProcessor wires the senders configured in cfg. A channel without credentials gets no
// sender, and its notifications are suppressed.
func NewProcessor(st store.NotificationStore, cfg config.Delivery, log *slog.Logger) *Processor {
	p := &Processor{
		Store:       st,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.TwilioRPSPerPod), cfg.TwilioBurst),
		SMSBreaker:  newBreaker("twilio"),
		MailBreaker: newBreaker("smtp"),
		SendTimeout: cfg.SMTPTimeout,
		StaleAfter:  cfg.SendStaleAfter,
		Log:         log,
	}

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" && (cfg.TwilioFromNumber != "" || cfg.TwilioMessagingServiceSID != "") {
		p.SMS = &twilio.Client{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			HTTP:                &http.Client{Timeout: 8 * time.Second},
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
			FromNumber:          cfg.TwilioFromNumber,
			BaseURL:             cfg.TwilioBaseURL,
			StatusCallbackURL:   cfg.TwilioStatusCallbackURL,
		}
	} else {
		log.Warn("twilio not configured; sms notifications will be suppressed")
	}

	if cfg.SMTPHost != "" && cfg.SMTPFromEmail != "" {
		p.Mail = smtp.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFromEmail, cfg.SMTPFromName)
	} else {
		log.Warn("smtp not configured; email notifications will be suppressed")
	}
	return p
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
