// Package mattermost posts problem notifications to a Mattermost (or Slack
// compatible) incoming webhook.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// Name is the notifier name used in outcomes, logs and metrics.
const Name = "mattermost"

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "Problem Relay"
	maxErrorBody    = 512
)

// Config holds Mattermost sender configuration.
type Config struct {
	WebhookURL string
	Username   string        // display name of the post, default "Problem Relay"
	IconURL    string        // optional
	Channel    string        // overrides the webhook's default channel when set
	Timeout    time.Duration // request timeout
}

// Linker builds the deep link to a problem.
type Linker interface {
	ProblemURL(problemID string) string
}

// Sender implements notifications.Notifier via an incoming webhook.
type Sender struct {
	config     Config
	httpClient *http.Client
	linker     Linker
	renderer   *notifications.Renderer
}

// NewSender creates a new Mattermost sender.
func NewSender(config Config, linker Linker, renderer *notifications.Renderer) (*Sender, error) {
	if config.WebhookURL == "" {
		return nil, errors.New("mattermost notifier: webhook url is required")
	}
	if u, err := url.Parse(config.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mattermost notifier: invalid webhook url")
	}
	if linker == nil || renderer == nil {
		return nil, errors.New("mattermost notifier: linker and renderer are required")
	}
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		linker:   linker,
		renderer: renderer,
	}, nil
}

// Name implements notifications.Notifier.
func (s *Sender) Name() string {
	return Name
}

// Notify implements notifications.Notifier.
func (s *Sender) Notify(ctx context.Context, problem *domain.Problem) (notifications.Outcome, error) {
	text, err := s.renderer.ChatMessage(problem, s.linker.ProblemURL(problem.ID))
	if err != nil {
		return notifications.Outcome{}, fmt.Errorf("render chat message: %w", err)
	}

	if err := s.Send(ctx, text); err != nil {
		return notifications.Outcome{
			Calls:  1,
			Detail: "Chat message could not be posted: " + err.Error(),
		}, &notifications.NotifierError{Notifier: Name, Err: err}
	}

	ctxlog.FromContext(ctx).Info("chat message posted", "webhook", MaskWebhookURL(s.config.WebhookURL))
	return notifications.Outcome{
		Succeeded: true,
		Calls:     1,
		Detail:    "Chat message has been posted",
	}, nil
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// Send posts text to the webhook.
func (s *Sender) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(webhookPayload{
		Text:     text,
		Username: s.config.Username,
		IconURL:  s.config.IconURL,
		Channel:  s.config.Channel,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp)
}

func handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("bad request: %s", bytes.TrimSpace(body))}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Code: resp.StatusCode, Message: "invalid or expired webhook"}
	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: "webhook not found"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", bytes.TrimSpace(body))}
	default:
		return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %s", bytes.TrimSpace(body))}
	}
}

// MaskWebhookURL hides the webhook secret for logging.
func MaskWebhookURL(raw string) string {
	if len(raw) > 40 {
		return raw[:20] + "..." + raw[len(raw)-4:]
	}
	return raw
}

// PermanentError is a rejection that sending again will not fix.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns false.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError is a temporary failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns true.
func (e *RetryableError) IsRetryable() bool { return true }
