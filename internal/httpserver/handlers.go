package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"threads/internal/chatapi"
	"threads/internal/contact"
	"threads/internal/conversation"
	"threads/internal/domain"
	"threads/internal/inbound"
	"threads/internal/ratelimit"
	"threads/internal/store"
	"threads/internal/util"
	"threads/internal/validation"
)

// WebhookKeyHeader carries the shared secret of the email provider webhooks.
const WebhookKeyHeader = "X-Webhook-Key"

const maxRawEmail = 10 << 20

type AuditStore interface {
	InsertAuditEvent(ctx context.Context, ev domain.AuditEvent) error
}

type API struct {
	Contact  *contact.Router
	Threads  *conversation.Service
	Validate *validation.Validator
	Audit    AuditStore
	Log      *slog.Logger

	ContactLimiter    ratelimit.Limiter
	WebhookLimiter    ratelimit.Limiter
	TrustProxyHeaders bool

	// InternalToken guards the endpoints other services call; empty disables the check.
	InternalToken   string
	EmailWebhookKey string

	IDGen func(prefix string) string
	Now   func() time.Time
}

func (a *API) Register(r *mux.Router) {
	contactLimit := RateLimit{Limiter: a.ContactLimiter, Scope: "contact", TrustProxy: a.TrustProxyHeaders, OnLimited: a.auditLimited}
	webhookLimit := RateLimit{Limiter: a.WebhookLimiter, Scope: "email_webhook", TrustProxy: a.TrustProxyHeaders, OnLimited: a.auditLimited}
	internal := func(h http.HandlerFunc) http.Handler { return RequireToken(chatapi.TokenHeader, a.InternalToken, h) }
	webhook := func(h http.HandlerFunc) http.Handler {
		return webhookLimit.Wrap(RequireToken(WebhookKeyHeader, a.EmailWebhookKey, h))
	}

	r.Handle("/api/contact/submit", contactLimit.Wrap(http.HandlerFunc(a.handleContactSubmit))).Methods(http.MethodPost)

	r.Handle("/api/chat/send-message", internal(a.handleSendChat)).Methods(http.MethodPost)
	r.Handle("/api/sms/notify/chat-started", internal(a.handleChatStarted)).Methods(http.MethodPost)

	r.Handle("/api/email/webhook/incoming", webhook(a.handleIncomingEmail)).Methods(http.MethodPost)
	r.Handle("/api/email/webhook/raw", webhook(a.handleRawEmail)).Methods(http.MethodPost)
	r.Handle("/api/email/send", internal(a.handleSendEmail)).Methods(http.MethodPost)
	r.Handle("/api/email/conversation/{id}", internal(a.handleGetConversation)).Methods(http.MethodGet)
	r.Handle("/api/email/search", internal(a.handleSearch)).Methods(http.MethodGet)
	r.Handle("/api/email/stats", internal(a.handleStats)).Methods(http.MethodGet)

	r.Handle("/api/conversations/{id}/read", internal(a.handleMarkRead)).Methods(http.MethodPost)
}

type contactResponse struct {
	Success        bool              `json:"success"`
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id"`
	IsLiveChat     bool              `json:"is_live_chat"`
	ChatStatus     domain.ChatStatus `json:"chat_status"`
}

func (a *API) handleContactSubmit(w http.ResponseWriter, r *http.Request) {
	var sub contact.Submission
	if !decodeJSON(w, r, &sub) {
		return
	}
	res, err := a.Contact.Submit(r.Context(), sub, contact.Meta{
		IP:        ClientIP(r, a.TrustProxyHeaders),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, a.log(), "contact submit", err)
		return
	}

	msg := "Thank you for your message. You will receive a reply by email."
	if res.IsLiveChat {
		msg = "Your message has been sent. You can continue the conversation in live chat."
	}
	writeJSON(w, http.StatusOK, contactResponse{
		Success:        true,
		Message:        msg,
		ConversationID: res.ConversationID,
		IsLiveChat:     res.IsLiveChat,
		ChatStatus:     res.ChatStatus,
	})
}

func (a *API) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var in conversation.ChatMessage
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := a.Validate.Struct(in); err != nil {
		writeServiceError(w, r, a.log(), "send chat message", err)
		return
	}
	id, err := a.Threads.SendChatMessage(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, a.log(), "send chat message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message_id": id})
}

func (a *API) handleChatStarted(w http.ResponseWriter, r *http.Request) {
	var in conversation.ChatStarted
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := a.Validate.Struct(in); err != nil {
		writeServiceError(w, r, a.log(), "chat started notification", err)
		return
	}
	queued, err := a.Threads.NotifyChatStarted(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, a.log(), "chat started notification", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "queued": queued})
}

type receiptResponse struct {
	Success bool `json:"success"`
	conversation.Receipt
}

func (a *API) handleIncomingEmail(w http.ResponseWriter, r *http.Request) {
	var in conversation.InboundEmail
	if !decodeJSON(w, r, &in) {
		return
	}
	a.receiveEmail(w, r, in)
}

func (a *API) handleRawEmail(w http.ResponseWriter, r *http.Request) {
	in, err := inbound.ParseRaw(http.MaxBytesReader(w, r.Body, maxRawEmail))
	if err != nil {
		writeServiceError(w, r, a.log(), "parse raw email", err)
		return
	}
	a.receiveEmail(w, r, in)
}

func (a *API) receiveEmail(w http.ResponseWriter, r *http.Request, in conversation.InboundEmail) {
	if err := inbound.Normalize(&in); err != nil {
		writeServiceError(w, r, a.log(), "receive email", err)
		return
	}
	if err := a.Validate.Struct(in); err != nil {
		writeServiceError(w, r, a.log(), "receive email", err)
		return
	}
	in.IPAddress = ClientIP(r, a.TrustProxyHeaders)
	in.UserAgent = r.UserAgent()

	rec, err := a.Threads.ReceiveEmail(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, a.log(), "receive email", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{Success: true, Receipt: rec})
}

func (a *API) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var in conversation.OutboundEmail
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := a.Validate.Struct(in); err != nil {
		writeServiceError(w, r, a.log(), "send email", err)
		return
	}
	rec, err := a.Threads.SendEmail(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, a.log(), "send email", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{Success: true, Receipt: rec})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrMissingID)
		return
	}
	view, err := a.Threads.GetConversation(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, a.log(), "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := a.Threads.Search(r.Context(), store.SearchQuery{
		Query:   q.Get("q"),
		ModelID: q.Get("model_id"),
		Limit:   limit,
	})
	if err != nil {
		writeServiceError(w, r, a.log(), "search messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": msgs, "count": len(msgs)})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Threads.Stats(r.Context(), r.URL.Query().Get("model_id"))
	if err != nil {
		writeServiceError(w, r, a.log(), "email stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type markReadRequest struct {
	ReaderType string   `json:"reader_type"`
	MessageIDs []string `json:"message_ids"`
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var in markReadRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	n, err := a.Threads.MarkMessagesAsRead(r.Context(), mux.Vars(r)["id"], domain.ReaderType(in.ReaderType), in.MessageIDs)
	if err != nil {
		writeServiceError(w, r, a.log(), "mark messages read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": n})
}

// auditLimited records a rate-limit rejection. The insert is best-effort and bounded.
func (a *API) auditLimited(r *http.Request, ip string) {
	if a.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	err := a.Audit.InsertAuditEvent(ctx, domain.AuditEvent{
		ID:        a.idGen()("aud"),
		EventType: "rate_limited",
		IPAddress: ip,
		UserAgent: r.UserAgent(),
		Details:   map[string]any{"path": r.URL.Path},
		CreatedAt: a.now(),
	})
	if err != nil {
		a.log().Warn("audit insert failed", "event", "rate_limited", "err", err)
	}
}

func (a *API) log() *slog.Logger {
	if a.Log == nil {
		return slog.Default()
	}
	return a.Log
}

func (a *API) idGen() func(string) string {
	if a.IDGen == nil {
		return util.NewID
	}
	return a.IDGen
}

func (a *API) now() time.Time {
	if a.Now == nil {
		return util.NowUTC()
	}
	return a.Now()
}
