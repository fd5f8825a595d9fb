package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"threads/internal/conversation"
)

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/send-message" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(TokenHeader) != "tok" {
			t.Fatalf("missing internal token")
		}
		var in conversation.ChatMessage
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if in.ConversationID != "conv_1" || in.SenderType != "client" {
			t.Fatalf("unexpected body: %+v", in)
		}
		_, _ = w.Write([]byte(`{"success":true,"message_id":"msg_9"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/", Token: "tok", Timeout: time.Second, HTTP: srv.Client()}
	id, err := c.SendMessage(context.Background(), conversation.ChatMessage{ConversationID: "conv_1", Message: "hi", SenderType: "client"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg_9" {
		t.Fatalf("expected msg_9, got %s", id)
	}
}

func TestSendMessageTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := &Client{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, HTTP: srv.Client()}
	_, err := c.SendMessage(context.Background(), conversation.ChatMessage{ConversationID: "c", Message: "m", SenderType: "client"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSendMessageBreakerOpens(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-api-test",
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	c := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Breaker: br}
	msg := conversation.ChatMessage{ConversationID: "c", Message: "m", SenderType: "client"}

	for i := 0; i < 2; i++ {
		if _, err := c.SendMessage(context.Background(), msg); err == nil {
			t.Fatalf("expected error on attempt %d", i)
		}
	}
	if _, err := c.SendMessage(context.Background(), msg); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", calls)
	}
}

func TestSendMessageUndecodableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>ok</html>`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := c.SendMessage(context.Background(), conversation.ChatMessage{ConversationID: "c", Message: "m", SenderType: "client"})
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("expected a decode error, got %v", err)
	}
}
