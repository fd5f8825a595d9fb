// Package chatapi is the HTTP client for the internal chat send-message endpoint.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"threads/internal/conversation"
)

const sendPath = "/api/chat/send-message"

// TokenHeader carries the shared secret that internal callers present.
const TokenHeader = "X-Internal-Token"

type Client struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
	Breaker *gobreaker.CircuitBreaker
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// SendMessage posts a chat message and returns the stored message id. Every call is bounded by
// Timeout and goes through the breaker when one is set.
func (c *Client) SendMessage(ctx context.Context, in conversation.ChatMessage) (string, error) {
	call := func() (any, error) { return c.send(ctx, in) }
	if c.Breaker == nil {
		res, err := call()
		if err != nil {
			return "", err
		}
		return res.(string), nil
	}
	res, err := c.Breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Client) send(ctx context.Context, in conversation.ChatMessage) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+sendPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set(TokenHeader, c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("chat api: read response: %w", err)
	}

	var out sendResponse
	decodeErr := json.Unmarshal(b, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && out.Error != "" {
			return "", fmt.Errorf("chat api: %d: %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("chat api: status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("chat api: decode response: %w", decodeErr)
	}
	if !out.Success || out.MessageID == "" {
		return "", errors.New("chat api: unsuccessful response")
	}
	return out.MessageID, nil
}
