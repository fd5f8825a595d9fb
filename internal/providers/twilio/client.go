package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const Provider = "twilio"

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	MessagingServiceSID string
	FromNumber          string
	BaseURL             string
	// StatusCallbackURL is sent with every message so delivery updates reach the webhook service.
	StatusCallbackURL string
}

type SendRequest struct {
	To   string
	Body string
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// APIError is a non-2xx answer from the Messages API.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio: %d (code %d): %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("twilio: %d: %s", e.HTTPStatus, e.Message)
}

// SendSMS creates an outbound message. The HTTP status is returned even on error (0 when the
// request never completed).
func (c *Client) SendSMS(ctx context.Context, req SendRequest) (SendResponse, int, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("Body", req.Body)
	if c.StatusCallbackURL != "" {
		form.Set("StatusCallback", c.StatusCallbackURL)
	}
	if c.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", c.MessagingServiceSID)
	} else {
		form.Set("From", c.FromNumber)
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + url.PathEscape(c.AccountSID) + "/Messages.json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	// Error bodies carry {code, message}; success bodies carry the message resource.
	var out SendResponse
	_ = json.Unmarshal(b, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: out.Message}
		var e struct {
			Code int `json:"code"`
		}
		if json.Unmarshal(b, &e) == nil {
			apiErr.Code = e.Code
		}
		if apiErr.Message == "" {
			apiErr.Message = "send failed"
		}
		return out, resp.StatusCode, apiErr
	}
	return out, resp.StatusCode, nil
}

// ShouldRetry reports whether a failed send is worth repeating: timeouts, 408, 429 and 5xx.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
