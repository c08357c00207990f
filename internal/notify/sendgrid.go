package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/job-pipeline/internal/circuitbreaker"
)

// SendGridConfig configures the SendGrid transport
type SendGridConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// SendGridTransport sends messages through the SendGrid v3 mail API. Retries are left to the
// dispatcher; the circuit breaker stops hammering the API while it is failing.
type SendGridTransport struct {
	cfg        SendGridConfig
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

// NewSendGridTransport creates a SendGrid transport
func NewSendGridTransport(cfg SendGridConfig) (*SendGridTransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing SendGrid API key")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &SendGridTransport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("sendgrid")),
	}, nil
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             Address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
	Categories       []string          `json:"categories,omitempty"`
}

type personalization struct {
	To []Address `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type errorItem struct {
	Message string `json:"message"`
	Field   any    `json:"field,omitempty"`
	ID      string `json:"id,omitempty"`
}

type errorResponse struct {
	Errors []errorItem `json:"errors"`
}

// HTTPError is a non-2xx response from the mail API
type HTTPError struct {
	StatusCode int
	Body       string
	Errors     []errorItem
}

func (e *HTTPError) Error() string {
	if len(e.Errors) > 0 && strings.TrimSpace(e.Errors[0].Message) != "" {
		return fmt.Sprintf("sendgrid http %d: %s", e.StatusCode, e.Errors[0].Message)
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("sendgrid http %d: %s", e.StatusCode, msg)
}

// Retryable reports whether the same request could succeed later
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Send implements MailTransport
func (t *SendGridTransport) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To.Email) == "" {
		return ErrNoRecipient
	}
	if strings.TrimSpace(msg.From.Email) == "" {
		return fmt.Errorf("sendgrid: sender address required")
	}

	var contents []mailContent
	if text := strings.TrimSpace(msg.Text); text != "" {
		contents = append(contents, mailContent{Type: "text/plain", Value: text})
	}
	if html := strings.TrimSpace(msg.HTML); html != "" {
		contents = append(contents, mailContent{Type: "text/html", Value: html})
	}
	if msg.Subject == "" || len(contents) == 0 {
		return fmt.Errorf("sendgrid: subject and content required")
	}

	wire := mailSendRequest{
		Personalizations: []personalization{{To: []Address{msg.To}}},
		From:             msg.From,
		Subject:          msg.Subject,
		Content:          contents,
		Categories:       msg.Categories,
	}

	// client errors are returned without counting against the breaker
	var clientErr error
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		err := t.post(ctx, "/v3/mail/send", wire)
		if httpErr, ok := err.(*HTTPError); ok && !httpErr.Retryable() {
			clientErr = httpErr
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return clientErr
}

func (t *SendGridTransport) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && len(er.Errors) > 0 {
			httpErr.Errors = er.Errors
		}
		return httpErr
	}
	return nil
}
