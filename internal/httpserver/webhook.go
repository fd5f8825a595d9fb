package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"threads/internal/conversation"
	"threads/internal/domain"
	"threads/internal/observability"
	"threads/internal/providers/twilio"
	"threads/internal/store"
	"threads/internal/util"
)

type StatusStore interface {
	UpdateByProviderMsgID(ctx context.Context, in store.ProviderStatusUpdate) (bool, error)
}

type SMSReceiver interface {
	ReceiveSMS(ctx context.Context, in conversation.InboundSMS) (conversation.Receipt, error)
}

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type Webhook struct {
	Store           StatusStore
	Threads         SMSReceiver
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	// PublicURL is the externally visible origin; the request path is appended for signing.
	PublicURL string
	Log       *slog.Logger
	Now       func() time.Time
}

// Register mounts the Twilio routes; mw applies to them only.
func (w *Webhook) Register(r *mux.Router, mw ...mux.MiddlewareFunc) {
	hooks := r.NewRoute().Subrouter()
	hooks.Use(mw...)
	hooks.HandleFunc("/v1/webhooks/twilio/status", w.handleTwilioStatus).Methods(http.MethodPost)
	hooks.HandleFunc("/v1/webhooks/twilio/inbound", w.handleTwilioInbound).Methods(http.MethodPost)
}

// verified parses the form and checks the Twilio signature, answering the request itself on failure.
func (w *Webhook) verified(rw http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return false
	}
	verify := w.VerifySignature
	if verify == nil {
		verify = twilio.VerifySignature
	}
	fullURL := strings.TrimRight(w.PublicURL, "/") + r.URL.Path
	if !verify(w.AuthToken, fullURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		observability.WebhookEvents.WithLabelValues("twilio", "invalid_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return false
	}
	return true
}

func (w *Webhook) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r) {
		return
	}
	st := twilio.ParseStatus(r.PostForm)
	observability.WebhookEvents.WithLabelValues("twilio_status", st.Status).Inc()

	// Intermediate statuses never move a notification.
	state, ok := st.State()
	if !ok || st.MessageSID == "" {
		rw.WriteHeader(http.StatusOK)
		return
	}

	updated, err := w.Store.UpdateByProviderMsgID(r.Context(), store.ProviderStatusUpdate{
		Provider:      twilio.Provider,
		ProviderMsgID: st.MessageSID,
		State:         state,
		LastError:     st.LastError(),
		Now:           w.now(),
	})
	if err != nil {
		w.log().Error("webhook update notification failed", "err", err, "message_sid", st.MessageSID, "status", st.Status)
		http.Error(rw, ErrInternal, http.StatusInternalServerError)
		return
	}
	if !updated {
		w.log().Warn("webhook status for unknown message", "message_sid", st.MessageSID, "status", st.Status)
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) handleTwilioInbound(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r) {
		return
	}
	in := twilio.ParseInbound(r.PostForm)

	rec, err := w.Threads.ReceiveSMS(r.Context(), conversation.InboundSMS{
		From: in.From,
		To:   in.To,
		Body: in.Body,
		SID:  in.MessageSID,
	})
	switch {
	case err == nil:
		observability.WebhookEvents.WithLabelValues("twilio_inbound", "stored").Inc()
		w.log().Info("inbound sms stored", "conversation_id", rec.ConversationID, "message_id", rec.MessageID)
	case errors.Is(err, domain.ErrUnknownModel), errors.Is(err, domain.ErrMissingFields):
		// Nothing to thread it under; acknowledge so Twilio does not retry.
		observability.WebhookEvents.WithLabelValues("twilio_inbound", "ignored").Inc()
		w.log().Warn("inbound sms ignored", "message_sid", in.MessageSID, "to", in.To, "err", err)
	default:
		observability.WebhookEvents.WithLabelValues("twilio_inbound", "error").Inc()
		w.log().Error("inbound sms failed", "message_sid", in.MessageSID, "err", err)
		http.Error(rw, ErrInternal, http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "text/xml")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(emptyTwiML))
}

func (w *Webhook) log() *slog.Logger {
	if w.Log == nil {
		return slog.Default()
	}
	return w.Log
}

func (w *Webhook) now() time.Time {
	if w.Now == nil {
		return util.NowUTC()
	}
	return w.Now()
}
