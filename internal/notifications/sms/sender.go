// Package sms sends problem notifications as text messages through a
// Twilio-compatible REST API.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// Name is the notifier name used in outcomes, logs and metrics.
const Name = "sms"

const (
	defaultAPIURL    = "https://api.twilio.com"
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 1.0 // messages per second
	maxErrorBody     = 1024
)

// Config holds SMS sender configuration.
type Config struct {
	APIURL     string
	AccountSID string
	AuthToken  string
	From       string
	To         string
	Timeout    time.Duration
	RateLimit  float64
}

// Linker builds the platform deep link of a problem.
type Linker interface {
	ProblemURL(problemID string) string
}

// Sender implements notifications.Notifier with one text message per problem.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
	linker     Linker
	renderer   *notifications.Renderer
}

// NewSender creates a new SMS sender.
// Returns error if required config is missing.
func NewSender(config Config, linker Linker, renderer *notifications.Renderer) (*Sender, error) {
	var missing []string
	if config.AccountSID == "" {
		missing = append(missing, "account sid")
	}
	if config.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if config.From == "" {
		missing = append(missing, "from number")
	}
	if config.To == "" {
		missing = append(missing, "to number")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("sms sender: %s required when enabled", strings.Join(missing, ", "))
	}
	if linker == nil || renderer == nil {
		return nil, errors.New("sms sender: linker and renderer are required")
	}

	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     strings.TrimRight(config.APIURL, "/"),
		linker:     linker,
		renderer:   renderer,
	}, nil
}

// Name implements notifications.Notifier.
func (s *Sender) Name() string {
	return Name
}

// MaskedTo returns the destination number as it may appear in logs.
func (s *Sender) MaskedTo() string {
	return MaskNumber(s.config.To)
}

// Notify implements notifications.Notifier.
func (s *Sender) Notify(ctx context.Context, problem *domain.Problem) (notifications.Outcome, error) {
	masked := s.MaskedTo()
	logger := ctxlog.FromContext(ctx).With("to", masked)

	body, err := s.renderer.SMSBody(problem, s.linker.ProblemURL(problem.ID))
	if err != nil {
		return notifications.Outcome{}, fmt.Errorf("render sms body: %w", err)
	}

	if err := s.Send(ctx, body); err != nil {
		return notifications.Outcome{
			Calls:  1,
			Detail: fmt.Sprintf("Mobile number %s could not be notified: %v", masked, err),
		}, &notifications.NotifierError{
			Notifier: Name,
			Err:      err,
		}
	}

	logger.Info("mobile number notified")
	return notifications.Outcome{
		Succeeded: true,
		Calls:     1,
		Detail:    "Mobile number has been notified: " + masked,
	}, nil
}

// Send delivers one message to the configured number.
func (s *Sender) Send(ctx context.Context, body string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	form := url.Values{}
	form.Set("To", s.config.To)
	form.Set("From", s.config.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.apiURL, url.PathEscape(s.config.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Message: s.redact(fmt.Sprintf("send request: %v", err)), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

type providerResponse struct {
	SID     string `json:"sid,omitempty"`
	Status  string `json:"status,omitempty"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Sender) handleResponse(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &ProviderError{StatusCode: resp.StatusCode, Message: s.redact(fmt.Sprintf("read response: %v", err)), Retryable: true}
	}

	var parsed providerResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	message := parsed.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	perr := &ProviderError{
		StatusCode:   resp.StatusCode,
		ProviderCode: parsed.Code,
		Message:      s.redact(message),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		perr.Retryable = true
		perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		perr.Retryable = true
	}
	return perr
}

// redact masks the destination number in provider text, which quotes it on
// rejections such as "The 'To' number +15551234567 is not a valid phone number.".
func (s *Sender) redact(msg string) string {
	to := s.config.To
	if to == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, to, MaskNumber(to))
	if digits := strings.TrimPrefix(to, "+"); digits != to && len(digits) > 7 {
		msg = strings.ReplaceAll(msg, digits, MaskNumber(digits))
	}
	return msg
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
