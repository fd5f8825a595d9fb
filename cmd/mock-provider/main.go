// Command mock-provider is a local stand-in for Twilio. It accepts message sends,
// replays signed status callbacks and can inject inbound SMS into the webhook service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"threads/internal/httpserver"
	"threads/internal/logging"
	"threads/internal/providers/twilio"
)

type config struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port       string `envconfig:"PORT" default:"8089"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Comma separated outcomes cycled round robin: ok, undelivered, failed, rate_limit, bad_request, server_error.
	Outcomes []string `envconfig:"MOCK_OUTCOMES" default:"ok"`

	// Base URL of the webhook service; used for status callbacks without StatusCallback and for inbound SMS.
	WebhookBaseURL string        `envconfig:"MOCK_WEBHOOK_BASE_URL"`
	CallbackDelay  time.Duration `envconfig:"MOCK_CALLBACK_DELAY" default:"300ms"`
	CallbackTries  int           `envconfig:"MOCK_CALLBACK_TRIES" default:"5"`
}

type outcome struct {
	final      string
	errorCode  int
	sendSent   bool
	httpStatus int
	message    string
}

func classifyOutcome(raw string) outcome {
	kind, codeStr, _ := strings.Cut(strings.TrimSpace(raw), ":")
	code, _ := strconv.Atoi(codeStr)
	or := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}
	switch kind {
	case "", "ok", "success":
		return outcome{final: "delivered", sendSent: true, httpStatus: http.StatusCreated}
	case "undelivered":
		return outcome{final: "undelivered", errorCode: or(30003), sendSent: true, httpStatus: http.StatusCreated}
	case "failed":
		return outcome{final: "failed", errorCode: or(30008), httpStatus: http.StatusCreated}
	case "rate_limit", "429":
		return outcome{errorCode: or(20429), httpStatus: http.StatusTooManyRequests, message: "rate limited"}
	case "bad_request", "400":
		return outcome{errorCode: or(21606), httpStatus: http.StatusBadRequest, message: "bad request"}
	case "server_error", "500":
		return outcome{errorCode: or(20500), httpStatus: http.StatusInternalServerError, message: "server error"}
	default:
		return outcome{errorCode: or(30008), httpStatus: http.StatusInternalServerError, message: "mock error: " + kind}
	}
}

type server struct {
	cfg    config
	log    *slog.Logger
	seq    atomic.Uint64
	client *http.Client
	sleep  func(context.Context, time.Duration) error
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	log := logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s := &server{cfg: cfg, log: log, client: &http.Client{Timeout: 5 * time.Second}}
	log.Info("mock provider listening", "port", cfg.Port, "outcomes", cfg.Outcomes)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(s.routes())); err != nil {
		log.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/mock/inbound", s.handleInbound).Methods(http.MethodPost)
	return r
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken || mux.Vars(r)["AccountSid"] != s.cfg.AccountSID {
		writeTwilioError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeTwilioError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.PostForm.Get("To") == "" || r.PostForm.Get("Body") == "" {
		writeTwilioError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.PostForm.Get("MessagingServiceSid") == "" && r.PostForm.Get("From") == "" {
		writeTwilioError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}

	n := s.seq.Add(1) - 1
	out := classifyOutcome(s.cfg.Outcomes[int(n%uint64(len(s.cfg.Outcomes)))])
	if out.message != "" {
		writeTwilioError(w, out.httpStatus, out.errorCode, out.message)
		return
	}

	sid := fmt.Sprintf("SM%032d", n)
	writeJSON(w, http.StatusCreated, twilio.SendResponse{Sid: sid, Status: "queued"})

	cb := r.PostForm.Get("StatusCallback")
	if cb == "" && s.cfg.WebhookBaseURL != "" {
		cb = strings.TrimRight(s.cfg.WebhookBaseURL, "/") + "/v1/webhooks/twilio/status"
	}
	if cb != "" {
		go s.statusSequence(context.Background(), cb, sid, out)
	}
}

// statusSequence replays sent (when applicable) and the final status to cb.
func (s *server) statusSequence(ctx context.Context, cb, sid string, out outcome) {
	post := func(status string, code int) {
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", status)
		if code != 0 {
			form.Set("ErrorCode", strconv.Itoa(code))
		}
		if err := s.postSigned(ctx, cb, form); err != nil {
			s.log.Warn("status callback failed", "sid", sid, "status", status, "err", err)
		}
	}
	if out.sendSent {
		_ = s.wait(ctx, s.cfg.CallbackDelay)
		post("sent", 0)
	}
	_ = s.wait(ctx, s.cfg.CallbackDelay)
	post(out.final, out.errorCode)
}

type inboundRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// handleInbound forwards a fake inbound SMS to the webhook service as Twilio would.
func (s *server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookBaseURL == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "MOCK_WEBHOOK_BASE_URL not set"})
		return
	}
	var in inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.From == "" || in.To == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to are required"})
		return
	}
	sid := fmt.Sprintf("SM%032d", s.seq.Add(1)-1)
	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("From", in.From)
	form.Set("To", in.To)
	form.Set("Body", in.Body)

	target := strings.TrimRight(s.cfg.WebhookBaseURL, "/") + "/v1/webhooks/twilio/inbound"
	if err := s.postSigned(r.Context(), target, form); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sid": sid})
}

// postSigned posts form with an X-Twilio-Signature, retrying non-2xx answers with backoff.
func (s *server) postSigned(ctx context.Context, target string, form url.Values) error {
	sig := twilio.Sign(s.cfg.AuthToken, target, form)
	tries := max(s.cfg.CallbackTries, 1)

	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("webhook returned %d", resp.StatusCode)
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return err
			}
		}
		lastErr = err
		if attempt < tries {
			if werr := s.wait(ctx, twilio.Backoff(attempt)); werr != nil {
				return werr
			}
		}
	}
	return lastErr
}

func (s *server) wait(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeTwilioError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "message": msg, "status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
