package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_rate_limited_total", Help: "Requests rejected by a rate limit"},
		[]string{"scope"},
	)
	ContactSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_contact_submissions_total", Help: "Contact form outcomes"},
		[]string{"result"},
	)
	Conversations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_conversations_total", Help: "Conversations created or promoted"},
		[]string{"chat_status", "action"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_notifications_total", Help: "Notification intents written to the outbox"},
		[]string{"kind", "channel", "result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_outbox_enqueue_total", Help: "Outbox relay publish results"},
		[]string{"result"},
	)
	TwilioSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_send_total", Help: "Twilio send outcomes"},
		[]string{"result", "http_status"},
	)
	TwilioLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "twilio_send_latency_seconds", Help: "Twilio send latency"},
	)
	EmailSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smtp_send_total", Help: "SMTP send outcomes"},
		[]string{"result"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_webhook_events_total", Help: "Inbound webhook events"},
		[]string{"source", "status"},
	)
	Suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "threads_notifications_suppressed_total", Help: "Notifications dropped before sending"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, RateLimited, ContactSubmissions, Conversations, Notifications,
		Enqueues, TwilioSend, TwilioLatency, EmailSend, WebhookEvents, Suppressed)
}
