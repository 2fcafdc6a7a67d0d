// Package status renders the read-only HTML status page.
package status

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/feed"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
	"github.com/bissquit/problem-relay/internal/pkg/httputil"
)

//go:embed templates/*.html
var templateFS embed.FS

const timeLayout = "2006-01-02 15:04:05"

// FeedReader is the part of the feed client the page uses.
type FeedReader interface {
	FetchByTimeRange(ctx context.Context, rt domain.RelativeTime) (*feed.Result, error)
	ProblemURL(problemID string) string
}

// ProblemLister lists the problems that were notified.
type ProblemLister interface {
	List() []domain.Problem
}

// Counter reports received webhooks.
type Counter interface {
	Received() int64
	LastReceived() time.Time
}

// Info is static process information shown in the page header.
type Info struct {
	TenantURL  string
	ListenAddr string
	User       string
	Usage      string
}

// Handler serves the status page.
type Handler struct {
	feed     FeedReader
	problems ProblemLister
	counter  Counter
	info     Info
	tmpl     *template.Template
	started  time.Time
	now      func() time.Time
}

// NewHandler creates a status page handler.
func NewHandler(feedReader FeedReader, problems ProblemLister, counter Counter, info Info) (*Handler, error) {
	tmpl, err := template.New("status").Funcs(template.FuncMap{
		"title": notifications.TitleCase,
		"join":  strings.Join,
		"time":  formatMillis,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse status template: %w", err)
	}

	return &Handler{
		feed:     feedReader,
		problems: problems,
		counter:  counter,
		info:     info,
		tmpl:     tmpl,
		started:  time.Now(),
		now:      time.Now,
	}, nil
}

// RegisterRoutes registers the status page on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Show)
}

type row struct {
	Problem domain.Problem
	Link    string
}

type pollView struct {
	RelativeTime domain.RelativeTime
	Problems     []row
	Monitored    map[string]int
	Error        string
}

type pageData struct {
	Info          Info
	Received      int64
	LastReceived  string
	WorkDir       string
	Host          string
	PID           int
	Uptime        string
	RelativeTimes []domain.RelativeTime
	Poll          *pollView
	Sent          []row
}

// Show renders the page. A valid relativeTime query parameter adds a live feed table.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Info:          h.info,
		Received:      h.counter.Received(),
		PID:           os.Getpid(),
		Uptime:        h.now().Sub(h.started).Truncate(time.Second).String(),
		RelativeTimes: domain.RelativeTimes,
		Sent:          h.rows(h.problems.List()),
	}
	if last := h.counter.LastReceived(); !last.IsZero() {
		data.LastReceived = last.UTC().Format(timeLayout)
	}
	data.WorkDir, _ = os.Getwd()
	data.Host, _ = os.Hostname()

	if raw := r.URL.Query().Get("relativeTime"); raw != "" {
		data.Poll = h.poll(r.Context(), raw)
	}

	httputil.HTML(w, http.StatusOK, h.tmpl, "status.html", data)
}

func (h *Handler) poll(ctx context.Context, raw string) *pollView {
	rt := domain.RelativeTime(raw)
	view := &pollView{RelativeTime: rt}

	if !rt.Valid() {
		view.Error = fmt.Sprintf("Unknown relative time %q.", raw)
		return view
	}

	result, err := h.feed.FetchByTimeRange(ctx, rt)
	if err != nil {
		ctxlog.FromContext(ctx).Error("status page feed request failed", "relative_time", rt, "error", err)
		view.Error = "The problem feed could not be fetched: " + err.Error()
		return view
	}

	view.Problems = h.rows(result.Problems)
	view.Monitored = result.Monitored
	return view
}

func (h *Handler) rows(problems []domain.Problem) []row {
	rows := make([]row, 0, len(problems))
	for _, p := range problems {
		rows = append(rows, row{Problem: p, Link: h.feed.ProblemURL(p.ID)})
	}
	return rows
}

// formatMillis formats epoch milliseconds in UTC. Negative values mean the problem has no end yet.
func formatMillis(ms int64) string {
	switch {
	case ms < 0:
		return "still open"
	case ms == 0:
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(timeLayout)
}
