// Package natspub publishes notified problems to NATS subjects.
package natspub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// Name is the notifier name used in outcomes, logs and metrics.
const Name = "nats"

const (
	defaultPrefix  = "problems"
	defaultTimeout = 5 * time.Second
	source         = "problem-relay"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

// Config holds NATS publisher configuration.
type Config struct {
	SubjectPrefix string
	Timeout       time.Duration
}

// Message is the JSON document published for every notified problem.
type Message struct {
	Problem     domain.Problem `json:"problem"`
	Source      string         `json:"source"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// Publisher implements notifications.Notifier on top of a NATS connection.
type Publisher struct {
	nc      Conn
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewPublisher creates a publisher using nc.
func NewPublisher(nc Conn, cfg Config) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats publisher: connection is required")
	}

	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = defaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Publisher{
		nc:      nc,
		prefix:  prefix,
		timeout: cfg.Timeout,
		now:     time.Now,
	}, nil
}

// Name implements notifications.Notifier.
func (p *Publisher) Name() string {
	return Name
}

// Subject returns the subject a problem is published on: {prefix}.{status lower}.
func (p *Publisher) Subject(problem *domain.Problem) string {
	status := strings.ToLower(string(problem.Status))
	if status == "" {
		status = "unknown"
	}
	return fmt.Sprintf("%s.%s", p.prefix, status)
}

// Notify implements notifications.Notifier. The message is flushed before
// returning so a successful outcome means the server received it.
func (p *Publisher) Notify(ctx context.Context, problem *domain.Problem) (notifications.Outcome, error) {
	payload, err := json.Marshal(Message{
		Problem:     *problem,
		Source:      source,
		PublishedAt: p.now().UTC(),
	})
	if err != nil {
		return notifications.Outcome{}, fmt.Errorf("marshal nats message: %w", err)
	}

	subject := p.Subject(problem)
	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set("Problem-Id", problem.ID)
	msg.Header.Set("Display-Name", problem.DisplayName)
	msg.Header.Set(nats.MsgIdHdr, problem.DisplayName+"-"+string(problem.Status))

	if err := p.nc.PublishMsg(msg); err != nil {
		return notifications.Outcome{Calls: 1}, &notifications.NotifierError{Notifier: Name, Err: fmt.Errorf("publish: %w", err)}
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := p.nc.FlushTimeout(timeout); err != nil {
		return notifications.Outcome{Calls: 1}, &notifications.NotifierError{Notifier: Name, Err: fmt.Errorf("flush: %w", err)}
	}

	ctxlog.FromContext(ctx).Info("problem published", "subject", subject)
	return notifications.Outcome{
		Succeeded: true,
		Calls:     1,
		Detail:    "Published to " + subject,
	}, nil
}

// Connect opens a NATS connection that keeps reconnecting once established.
func Connect(url string, timeout time.Duration, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(
		url,
		nats.Name(source),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}
