// Package contact routes public contact-form submissions into conversation threads.
//
// A submission either opens a new conversation (new contact, or an existing contact with no
// live chat open for the model) or continues an active/pending live chat through the chat
// API so the live-chat side effects fire as for any chat message.
package contact

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"threads/internal/conversation"
	"threads/internal/domain"
	"threads/internal/identity"
	"threads/internal/notify"
	"threads/internal/observability"
	"threads/internal/store"
	"threads/internal/util"
	"threads/internal/validation"
)

// Submission is the body of POST /api/contact/submit.
type Submission struct {
	Name             string `json:"name" validate:"required,max=100"`
	Email            string `json:"email" validate:"required,email,max=254"`
	Phone            string `json:"phone" validate:"omitempty,max=32"`
	Message          string `json:"message" validate:"required,min=10,max=5000"`
	Subject          string `json:"subject" validate:"omitempty,max=200"`
	PreferredContact string `json:"preferred_contact" validate:"omitempty,oneof=email phone sms"`
	ConsentMarketing bool   `json:"consent_marketing"`
	ConsentAnalytics bool   `json:"consent_analytics"`
	ConsentContact   bool   `json:"consent_contact" validate:"eq=true"`
	ModelID          string `json:"model_id" validate:"omitempty,max=64"`
	TurnstileToken   string `json:"cf-turnstile-response"`

	// Honeypots: humans never see these fields.
	Website  string `json:"website"`
	Company  string `json:"company"`
	PhoneAlt string `json:"phone_alt"`
}

// Meta is request context recorded with the message.
type Meta struct {
	IP        string
	UserAgent string
}

type Result struct {
	ConversationID    string            `json:"conversation_id"`
	IsLiveChat        bool              `json:"is_live_chat"`
	ChatStatus        domain.ChatStatus `json:"chat_status"`
	IsNewConversation bool              `json:"is_new_conversation"`
}

// Verifier checks a CAPTCHA token. An error means the provider was unreachable.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// ChatSender delivers a message through the chat API.
type ChatSender interface {
	SendMessage(ctx context.Context, in conversation.ChatMessage) (string, error)
}

var (
	ErrHoneypot      = &domain.ValidationError{Msg: "invalid submission"}
	ErrCaptchaNeeded = &domain.ValidationError{Msg: "captcha verification required"}
	ErrCaptchaFailed = &domain.ValidationError{Msg: "captcha verification failed"}
)

type Router struct {
	Store    store.Store
	Threads  *conversation.Service
	Identity *identity.Resolver
	Notify   *notify.Dispatcher
	Validate *validation.Validator
	Log      *slog.Logger

	// Turnstile is nil when no secret is configured; verification is then skipped.
	Turnstile Verifier
	// Chat continues live chats; nil means direct insertion.
	Chat ChatSender

	IDGen func(prefix string) string
	Now   func() time.Time
}

func NewRouter(st store.Store, threads *conversation.Service, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		Store:    st,
		Threads:  threads,
		Identity: threads.Identity,
		Notify:   threads.Notify,
		Validate: validation.New(),
		Log:      log,
		IDGen:    util.NewID,
		Now:      util.NowUTC,
	}
}

// continuation is a live chat found for an existing contact; the message is delivered after commit.
type continuation struct {
	conv    domain.Conversation
	contact domain.Contact
	model   domain.Model
}

// Submit validates and routes one submission. The returned error is a *domain.ValidationError
// for caller mistakes, domain.ErrUnknownModel for a bad model_id, or an internal error.
// Once the message row is committed Submit succeeds; notification problems are only logged.
func (r *Router) Submit(ctx context.Context, sub Submission, meta Meta) (Result, error) {
	if field := honeypotField(sub); field != "" {
		r.audit(ctx, "honeypot_triggered", meta, map[string]any{"field": field, "email": sub.Email})
		observability.ContactSubmissions.WithLabelValues("honeypot").Inc()
		return Result{}, ErrHoneypot
	}
	if err := r.Validate.Struct(sub); err != nil {
		observability.ContactSubmissions.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	if err := r.verifyCaptcha(ctx, sub.TurnstileToken, meta.IP); err != nil {
		observability.ContactSubmissions.WithLabelValues("captcha").Inc()
		return Result{}, err
	}

	// The screening hash is taken over the phone as submitted, not the normalized form.
	rawPhone := sub.Phone
	sub.Email = util.NormalizeEmail(sub.Email)
	sub.Name = strings.TrimSpace(sub.Name)
	sub.Phone = util.NormalizePhone(sub.Phone)
	if sub.PreferredContact == "" {
		sub.PreferredContact = "email"
	}

	var model domain.Model
	hasModel := false
	if id := strings.TrimSpace(sub.ModelID); id != "" {
		m, found, err := r.Store.FindModel(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if !found {
			observability.ContactSubmissions.WithLabelValues("unknown_model").Inc()
			return Result{}, domain.ErrUnknownModel
		}
		model, hasModel = m, true
	}

	var res Result
	var cont *continuation
	err := r.Store.InTx(ctx, func(q store.Queries) error {
		if err := q.LockThread(ctx, sub.Email, model.ID); err != nil {
			return err
		}
		contact, existed, err := r.upsertContact(ctx, q, sub)
		if err != nil {
			return err
		}
		inter, err := q.UpsertContactInteraction(ctx, store.InteractionUpsert{
			ID:        r.IDGen("cmi"),
			ContactID: contact.ID,
			ModelID:   model.ID,
			Now:       r.Now(),
		})
		if err != nil {
			return err
		}
		clientInteractionID := r.resolveClient(ctx, q, model, sub, rawPhone)

		if existed && hasModel {
			conv, found, err := q.FindConversation(ctx, inter.ID, domain.ChatActive, domain.ChatPending)
			if err != nil {
				return err
			}
			if found {
				if clientInteractionID != "" && conv.ClientModelInteractionID == "" {
					if err := q.SetConversationClientInteraction(ctx, conv.ID, clientInteractionID); err != nil {
						return err
					}
				}
				cont = &continuation{conv: conv, contact: contact, model: model}
				return nil
			}
		}

		res, err = r.openConversation(ctx, q, sub, meta, model, hasModel, contact, inter.ID, clientInteractionID)
		return err
	})
	if err != nil {
		observability.ContactSubmissions.WithLabelValues("error").Inc()
		return Result{}, err
	}

	if cont != nil {
		return r.continueChat(ctx, cont, sub, meta)
	}
	observability.ContactSubmissions.WithLabelValues("new_conversation").Inc()
	return res, nil
}

func honeypotField(sub Submission) string {
	switch {
	case strings.TrimSpace(sub.Website) != "":
		return "website"
	case strings.TrimSpace(sub.Company) != "":
		return "company"
	case strings.TrimSpace(sub.PhoneAlt) != "":
		return "phone_alt"
	}
	return ""
}

func (r *Router) verifyCaptcha(ctx context.Context, token, ip string) error {
	if r.Turnstile == nil {
		return nil
	}
	if strings.TrimSpace(token) == "" {
		return ErrCaptchaNeeded
	}
	ok, err := r.Turnstile.Verify(ctx, token, ip)
	if err != nil {
		r.Log.Warn("turnstile unreachable, allowing submission", "err", err)
		return nil
	}
	if !ok {
		return ErrCaptchaFailed
	}
	return nil
}

// upsertContact inserts a new contact or refreshes the newest one with this email.
func (r *Router) upsertContact(ctx context.Context, q store.Queries, sub Submission) (domain.Contact, bool, error) {
	c, found, err := q.FindContactByEmail(ctx, sub.Email)
	if err != nil {
		return domain.Contact{}, false, err
	}
	if found {
		if err := q.UpdateContact(ctx, store.ContactUpdate{
			ID:               c.ID,
			Name:             sub.Name,
			Phone:            sub.Phone,
			PreferredContact: sub.PreferredContact,
		}); err != nil {
			return domain.Contact{}, false, err
		}
		c.Name = sub.Name
		if sub.Phone != "" {
			c.Phone = sub.Phone
		}
		c.PreferredContact = sub.PreferredContact
		return c, true, nil
	}

	c = domain.Contact{
		ID:               r.IDGen("ct"),
		Name:             sub.Name,
		Email:            sub.Email,
		Phone:            sub.Phone,
		PreferredContact: sub.PreferredContact,
		Source:           domain.SourceContactForm,
		CreatedAt:        r.Now(),
	}
	return c, false, q.InsertContact(ctx, c)
}

// resolveClient links the submission to its hashed screening identity. Failures are logged and
// yield "".
func (r *Router) resolveClient(ctx context.Context, q store.Queries, model domain.Model, sub Submission, phone string) string {
	if model.ID == "" {
		return ""
	}
	var id string
	err := q.Savepoint(ctx, func(sq store.Queries) error {
		res, err := r.Identity.WithStore(sq).ResolveOrCreateClient(ctx, identity.Input{
			ModelID: model.ID,
			Name:    sub.Name,
			Email:   sub.Email,
			Phone:   phone,
		})
		id = res.InteractionID
		return err
	})
	if err != nil {
		r.Log.Warn("client identity resolution failed", "model_id", model.ID, "err", err)
		return ""
	}
	return id
}

// openConversation creates the conversation and its first message, then queues the email to the
// model and, for a brand-new live chat, the chat-started SMS.
func (r *Router) openConversation(ctx context.Context, q store.Queries, sub Submission, meta Meta, model domain.Model, hasModel bool, contact domain.Contact, interactionID, clientInteractionID string) (Result, error) {
	status, live := domain.ChatEmailOnly, false
	if hasModel && model.ChatEnabled {
		status, live = domain.ChatPending, true
	}

	conv := domain.Conversation{
		ID:                        r.IDGen("conv"),
		ContactModelInteractionID: interactionID,
		ClientModelInteractionID:  clientInteractionID,
		Subject:                   subjectOf(sub),
		Status:                    domain.ConversationOpen,
		ChatStatus:                status,
		IsLiveChat:                live,
		CreatedAt:                 r.Now(),
	}
	if err := q.InsertConversation(ctx, conv); err != nil {
		return Result{}, err
	}
	observability.Conversations.WithLabelValues(string(status), "created").Inc()

	m, err := r.Threads.AppendMessage(ctx, q, domain.Message{
		ConversationID:      conv.ID,
		MessageTypeExtended: domain.TypeContactForm,
		Subject:             conv.Subject,
		Message:             sub.Message,
		SenderName:          contact.Name,
		SenderEmail:         contact.Email,
		SenderPhone:         contact.Phone,
		RecipientName:       model.Name,
		RecipientEmail:      model.Email,
		IPAddress:           meta.IP,
		UserAgent:           meta.UserAgent,
	})
	if err != nil {
		return Result{}, err
	}

	if hasModel {
		r.Notify.Enqueue(ctx, q, notify.NewContactMessage(model, contact, m))
		if live {
			if n, ok := notify.ChatStarted(model, contact, m); ok {
				r.Notify.Enqueue(ctx, q, n)
			} else {
				r.Log.Info("chat-started sms skipped: model has no sms number", "model_id", model.ID)
			}
		}
	}

	return Result{
		ConversationID:    conv.ID,
		IsLiveChat:        live,
		ChatStatus:        status,
		IsNewConversation: true,
	}, nil
}

// continueChat appends the submission to an open live chat through the chat API, falling back
// to a direct insert without SMS when the API call fails. Either way the model is emailed.
func (r *Router) continueChat(ctx context.Context, c *continuation, sub Submission, meta Meta) (Result, error) {
	res := Result{ConversationID: c.conv.ID, IsLiveChat: c.conv.IsLiveChat, ChatStatus: c.conv.ChatStatus}

	if r.Chat != nil {
		id, err := r.Chat.SendMessage(ctx, conversation.ChatMessage{
			ConversationID: c.conv.ID,
			Message:        sub.Message,
			SenderType:     conversation.SenderClient,
			SenderID:       c.contact.ID,
		})
		if err == nil {
			observability.ContactSubmissions.WithLabelValues("continued").Inc()
			r.notifyContinued(ctx, c, sub, id)
			res.ChatStatus, res.IsLiveChat = domain.ChatActive, true
			return res, nil
		}
		r.Log.Warn("chat api send failed, inserting directly", "conversation_id", c.conv.ID, "err", err)
	}

	id, err := r.Threads.AddEmailMessage(ctx, conversation.EmailMessage{
		ConversationID: c.conv.ID,
		MessageType:    domain.TypeContactForm,
		Subject:        subjectOf(sub),
		Message:        sub.Message,
		SenderName:     c.contact.Name,
		SenderEmail:    c.contact.Email,
		IPAddress:      meta.IP,
		UserAgent:      meta.UserAgent,
	})
	if err != nil {
		observability.ContactSubmissions.WithLabelValues("error").Inc()
		return Result{}, err
	}
	observability.ContactSubmissions.WithLabelValues("continued_fallback").Inc()
	r.notifyContinued(ctx, c, sub, id)
	return res, nil
}

// notifyContinued queues the contact-form email for a message already committed to a live chat.
func (r *Router) notifyContinued(ctx context.Context, c *continuation, sub Submission, messageID string) {
	msg := domain.Message{
		ID:             messageID,
		ConversationID: c.conv.ID,
		Subject:        subjectOf(sub),
		Message:        sub.Message,
		SenderName:     c.contact.Name,
		SenderEmail:    c.contact.Email,
	}
	err := r.Store.InTx(ctx, func(q store.Queries) error {
		r.Notify.Enqueue(ctx, q, notify.NewContactMessage(c.model, c.contact, msg))
		return nil
	})
	if err != nil {
		r.Log.Warn("contact email enqueue failed", "conversation_id", c.conv.ID, "err", err)
	}
}

func subjectOf(sub Submission) string {
	if s := strings.TrimSpace(sub.Subject); s != "" {
		return s
	}
	return "Contact form message"
}

// audit records a security event. It is best-effort: failures are logged.
func (r *Router) audit(ctx context.Context, event string, meta Meta, details map[string]any) {
	err := r.Store.InsertAuditEvent(ctx, domain.AuditEvent{
		ID:        r.IDGen("aud"),
		EventType: event,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		Details:   details,
		CreatedAt: r.Now(),
	})
	if err != nil {
		r.Log.Error("audit insert failed", "event", event, "err", err)
	}
}

// IsCallerError reports whether err should be answered with a 400.
func IsCallerError(err error) bool {
	var ve *domain.ValidationError
	return errors.As(err, &ve) || errors.Is(err, domain.ErrUnknownModel)
}
