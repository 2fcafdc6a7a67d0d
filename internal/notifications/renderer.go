package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bissquit/problem-relay/internal/domain"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names.
const (
	templateIncidentArgument = "incident_argument"
	templateSMSBody          = "sms_body"
	templateComment          = "comment"
	templateChatMessage      = "chat_message"
)

// Renderer renders notifier messages and audit comments from embedded templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title": TitleCase,
		"upper": upper,
		"lower": lower,
		"join":  strings.Join,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	for _, name := range []string{templateIncidentArgument, templateSMSBody, templateComment, templateChatMessage} {
		filename := fmt.Sprintf("templates/%s.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// MustNewRenderer is like NewRenderer but panics on error. The templates are
// embedded, so an error here is a build defect.
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// IncidentArgument renders the argument passed to the incident executable for one entity.
func (r *Renderer) IncidentArgument(problem *domain.Problem, entity domain.ImpactedEntity) (string, error) {
	return r.render(templateIncidentArgument, struct {
		Problem *domain.Problem
		Entity  domain.ImpactedEntity
	}{problem, entity})
}

// SMSBody renders the text message for problem with a deep link to it.
func (r *Renderer) SMSBody(problem *domain.Problem, link string) (string, error) {
	return r.render(templateSMSBody, struct {
		Problem *domain.Problem
		Link    string
	}{problem, link})
}

// ChatMessage renders the markdown message posted to chat webhooks.
func (r *Renderer) ChatMessage(problem *domain.Problem, link string) (string, error) {
	return r.render(templateChatMessage, struct {
		Problem *domain.Problem
		Link    string
	}{problem, link})
}

// Comment renders the audit comment summarizing outcomes.
func (r *Renderer) Comment(problem *domain.Problem, outcomes []Outcome) (string, error) {
	return r.render(templateComment, struct {
		Problem   *domain.Problem
		Outcomes  []Outcome
		Succeeded bool
		Calls     int
	}{problem, outcomes, AllSucceeded(outcomes), TotalCalls(outcomes)})
}

func (r *Renderer) render(name string, data any) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// Template functions

// TitleCase title-cases v after lowering it. A Caser keeps state, so each call gets its own.
func TitleCase(v any) string {
	return cases.Title(language.English).String(strings.ToLower(fmt.Sprint(v)))
}

func lower(v any) string {
	return strings.ToLower(fmt.Sprint(v))
}

func upper(v any) string {
	return strings.ToUpper(fmt.Sprint(v))
}
