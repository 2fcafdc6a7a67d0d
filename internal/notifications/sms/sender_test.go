package sms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/notifications"
)

var _ notifications.Notifier = (*Sender)(nil)

type linker struct{}

func (linker) ProblemURL(id string) string {
	return "https://tenant.example.com/#problems/problemdetails;pid=" + id
}

func validConfig() Config {
	return Config{
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "+15550000000",
		To:         "+15551234567",
	}
}

func testSender(t *testing.T, serverURL string, client *http.Client) *Sender {
	t.Helper()
	cfg := validConfig()
	return &Sender{
		config:     cfg,
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		apiURL:     serverURL,
		linker:     linker{},
		renderer:   notifications.MustNewRenderer(),
	}
}

func testProblem() *domain.Problem {
	return &domain.Problem{
		ID:          "-42_1V2",
		DisplayName: "P-42",
		Status:      domain.ProblemStatusOpen,
		ImpactLevel: "SERVICE",
	}
}

func TestNewSender_Validation(t *testing.T) {
	renderer := notifications.MustNewRenderer()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing sid", mutate: func(c *Config) { c.AccountSID = "" }, wantErr: "account sid"},
		{name: "missing token", mutate: func(c *Config) { c.AuthToken = "" }, wantErr: "auth token"},
		{name: "missing numbers", mutate: func(c *Config) { c.From, c.To = "", "" }, wantErr: "from number, to number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			sender, err := NewSender(cfg, linker{}, renderer)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sender)
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(validConfig(), linker{}, notifications.MustNewRenderer())
	require.NoError(t, err)

	assert.Equal(t, defaultAPIURL, sender.apiURL)
	assert.Equal(t, defaultTimeout, sender.httpClient.Timeout)
	assert.Equal(t, rate.Limit(defaultRateLimit), sender.limiter.Limit())
	assert.Equal(t, Name, sender.Name())
}

func TestSender_Notify_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551234567", r.PostForm.Get("To"))
		assert.Equal(t, "+15550000000", r.PostForm.Get("From"))
		assert.Equal(t,
			"Dynatrace notification - service problem (P-42) open. Open in Dynatrace:https://tenant.example.com/#problems/problemdetails;pid=-42_1V2",
			r.PostForm.Get("Body"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer server.Close()

	s := testSender(t, server.URL, server.Client())

	outcome, err := s.Notify(context.Background(), testProblem())
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Calls)
	assert.Equal(t, "Mobile number has been notified: +15*****4567", outcome.Detail)
}

func TestSender_Notify_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		retryAfter    string
		wantRetryable bool
		wantCode      int
		wantMessage   string
	}{
		{
			name:        "invalid number",
			status:      http.StatusBadRequest,
			body:        `{"code":21211,"message":"The 'To' number +15551234567 is not a valid phone number.","more_info":"https://www.twilio.com/docs/errors/21211","status":400}`,
			wantCode:    21211,
			wantMessage: "The 'To' number +15*****4567 is not a valid phone number.",
		},
		{
			name:        "unreachable number without prefix",
			status:      http.StatusBadRequest,
			body:        `{"code":21614,"message":"'To' number 15551234567 is not a valid mobile number","status":400}`,
			wantCode:    21614,
			wantMessage: "'To' number 155*****4567 is not a valid mobile number",
		},
		{
			name:        "bad credentials",
			status:      http.StatusUnauthorized,
			body:        `{"code":20003,"message":"Authenticate"}`,
			wantCode:    20003,
			wantMessage: "Authenticate",
		},
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          `{"code":20429,"message":"Too Many Requests"}`,
			retryAfter:    "30",
			wantRetryable: true,
			wantCode:      20429,
			wantMessage:   "Too Many Requests",
		},
		{
			name:          "server error plain body",
			status:        http.StatusBadGateway,
			body:          "upstream down",
			wantRetryable: true,
			wantMessage:   "upstream down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			s := testSender(t, server.URL, server.Client())

			outcome, err := s.Notify(context.Background(), testProblem())
			require.Error(t, err)
			assert.False(t, outcome.Succeeded)
			assert.Contains(t, outcome.Detail, "+15*****4567")
			assert.NotContains(t, outcome.Detail, "5551234567")
			assert.NotContains(t, err.Error(), "5551234567")

			var nerr *notifications.NotifierError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, Name, nerr.Notifier)

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, tt.wantCode, perr.ProviderCode)
			assert.Equal(t, tt.wantMessage, perr.Message)
			assert.Equal(t, tt.wantRetryable, perr.IsRetryable())
			assert.Equal(t, tt.wantRetryable, notifications.IsRetryable(err))
			if tt.retryAfter != "" {
				assert.Equal(t, 30*time.Second, perr.RetryAfter)
			}
		})
	}
}

func TestSender_Send_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	s := testSender(t, url, &http.Client{Timeout: time.Second})

	err := s.Send(context.Background(), "hello")
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Zero(t, perr.StatusCode)
	assert.True(t, perr.IsRetryable())
}

func TestSender_Send_ContextCanceledWhileRateLimited(t *testing.T) {
	s := testSender(t, "http://127.0.0.1:0", http.DefaultClient)
	s.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, s.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestSender_Redact(t *testing.T) {
	s := testSender(t, "http://127.0.0.1:0", http.DefaultClient)

	tests := []struct {
		in   string
		want string
	}{
		{"The 'To' number +15551234567 is not a valid phone number.", "The 'To' number +15*****4567 is not a valid phone number."},
		{"Attempt to send to unsubscribed recipient 15551234567", "Attempt to send to unsubscribed recipient 155*****4567"},
		{"+15551234567 and +15551234567", "+15*****4567 and +15*****4567"},
		{"Authenticate", "Authenticate"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, s.redact(tt.in))
		})
	}
}

func TestMaskNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+15551234567", "+15*****4567"},
		{"+4915112345678", "+49*****5678"},
		{"12345678", "123*****5678"},
		{"1234567", "*******"},
		{"123", "***"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskNumber(tt.in))
		})
	}
}

func TestProviderError_Error(t *testing.T) {
	err := &ProviderError{StatusCode: 400, ProviderCode: 21211, Message: "invalid"}
	assert.Equal(t, "sms provider error 400 (code 21211): invalid", err.Error())

	err = &ProviderError{Message: "send request: refused"}
	assert.Equal(t, "sms provider: send request: refused", err.Error())
}
