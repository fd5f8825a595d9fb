package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"threads/internal/domain"
)

// VerifySignature checks X-Twilio-Signature: base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	if provided == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(authToken, fullURL, form)), []byte(provided))
}

// Sign computes the signature Twilio sends for a form POST to fullURL.
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Inbound is an incoming SMS webhook.
type Inbound struct {
	MessageSID string
	From       string
	To         string
	Body       string
}

func ParseInbound(form url.Values) Inbound {
	return Inbound{
		MessageSID: form.Get("MessageSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
	}
}

// Status is a delivery status callback.
type Status struct {
	MessageSID   string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

func ParseStatus(form url.Values) Status {
	return Status{
		MessageSID:   form.Get("MessageSid"),
		Status:       strings.ToLower(form.Get("MessageStatus")),
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
	}
}

// State maps a Twilio message status onto the notification lifecycle. ok is false for
// intermediate statuses that do not change it.
func (s Status) State() (domain.NotificationState, bool) {
	switch s.Status {
	case "sent":
		return domain.NotifySent, true
	case "delivered":
		return domain.NotifyDelivered, true
	case "failed", "undelivered":
		return domain.NotifyFailed, true
	}
	return "", false
}

// LastError renders the failure fields, or "" when there are none.
func (s Status) LastError() string {
	switch {
	case s.ErrorCode != "" && s.ErrorMessage != "":
		return s.ErrorCode + ": " + s.ErrorMessage
	case s.ErrorCode != "":
		return s.ErrorCode
	}
	return s.ErrorMessage
}
