package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/pkg/httpretry"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
)

// DefaultResendBaseURL is the public Resend API.
const DefaultResendBaseURL = "https://api.resend.com"

// ResendConfig configures ResendSender.
type ResendConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryOpts  []httpretry.Option
}

// ResendSender sends emails via the Resend HTTP API. Every request carries
// the outbox id as Idempotency-Key, so transport retries cannot duplicate
// a delivery.
type ResendSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewResendSender creates a Resend sender with retrying transport.
func NewResendSender(cfg ResendConfig) *ResendSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultResendBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &ResendSender{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, cfg.MaxRetries, cfg.RetryOpts...),
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r resendResponse) errorMessage() string {
	if r.Error != nil && r.Error.Message != "" {
		return r.Error.Message
	}
	return r.Message
}

// Send delivers a single email through Resend.
func (s *ResendSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, &ProviderError{Provider: domain.ProviderResend, Message: "api key not configured"}
	}

	body, err := json.Marshal(resendRequest{
		From:    msg.From(),
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("resend: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("resend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if msg.ID != "" {
		req.Header.Set("Idempotency-Key", msg.ID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: domain.ProviderResend, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed resendResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 300 || parsed.errorMessage() != "" {
		msgText := parsed.errorMessage()
		if msgText == "" {
			msgText = strings.TrimSpace(string(raw))
		}
		if msgText == "" {
			msgText = http.StatusText(resp.StatusCode)
		}
		return nil, &ProviderError{Provider: domain.ProviderResend, StatusCode: resp.StatusCode, Message: msgText}
	}
	if decodeErr != nil || parsed.ID == "" {
		logger.Warn("resend: accepted without message id", "outbox_id", msg.ID, "status", resp.StatusCode)
	}

	return sendResult(domain.ProviderResend, parsed.ID), nil
}
