// Package inbound turns provider email webhooks into the normalized inbound email.
package inbound

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/badoux/checkmail"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"threads/internal/conversation"
	"threads/internal/domain"
	"threads/internal/util"
)

// maxPartSize caps each text part read from a raw message.
const maxPartSize = 1 << 20

// keptHeaders are copied from raw messages into the normalized payload.
var keptHeaders = []string{"Date", "In-Reply-To", "References", "Reply-To"}

// ParseRaw reads an RFC 5322 message. The first text/plain and text/html inline parts become
// the bodies; attachments are skipped.
func ParseRaw(r io.Reader) (conversation.InboundEmail, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return conversation.InboundEmail{}, fmt.Errorf("inbound: read message: %w", err)
	}
	defer mr.Close()

	var out conversation.InboundEmail
	h := mr.Header

	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 {
		return out, &domain.ValidationError{Msg: "validation failed", Details: map[string]string{"from": "is required"}}
	}
	out.From = conversation.Address{Email: from[0].Address, Name: from[0].Name}

	to, _ := h.AddressList("To")
	cc, _ := h.AddressList("Cc")
	for _, a := range append(to, cc...) {
		out.To = append(out.To, conversation.Address{Email: a.Address, Name: a.Name})
	}

	out.Subject, _ = h.Subject()
	out.MessageID, _ = h.MessageID()
	if out.MessageID != "" {
		out.MessageID = "<" + out.MessageID + ">"
	}
	out.Headers = map[string]string{}
	for _, k := range keptHeaders {
		if v := h.Get(k); v != "" {
			out.Headers[k] = v
		}
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("inbound: read part: %w", err)
		}
		ih, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		b, err := io.ReadAll(io.LimitReader(p.Body, maxPartSize))
		if err != nil {
			return out, fmt.Errorf("inbound: read body: %w", err)
		}
		switch {
		case ct == "text/plain" && out.TextBody == "":
			out.TextBody = string(b)
		case ct == "text/html" && out.HTMLBody == "":
			out.HTMLBody = string(b)
		}
	}
	return out, nil
}

// Normalize lower-cases addresses, checks the sender syntax and drops recipients that are not
// addresses at all.
func Normalize(in *conversation.InboundEmail) error {
	in.From.Email = util.NormalizeEmail(in.From.Email)
	in.From.Name = strings.TrimSpace(in.From.Name)
	if err := checkmail.ValidateFormat(in.From.Email); err != nil {
		return &domain.ValidationError{Msg: "validation failed", Details: map[string]string{"from.email": "must be a valid email"}}
	}

	to := in.To[:0]
	for _, a := range in.To {
		a.Email = util.NormalizeEmail(a.Email)
		if checkmail.ValidateFormat(a.Email) == nil {
			to = append(to, a)
		}
	}
	in.To = to
	if len(in.To) == 0 {
		return &domain.ValidationError{Msg: "validation failed", Details: map[string]string{"to": "must have at least 1 valid address"}}
	}
	in.Subject = strings.TrimSpace(in.Subject)
	in.MessageID = strings.TrimSpace(in.MessageID)
	return nil
}
