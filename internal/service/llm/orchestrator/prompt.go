package orchestrator

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"raven/internal/domain/models"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are Raven, a helpful assistant chatting with {{.Author}} over instant messaging.
The current time is {{.Now}} ({{.Timezone}}).
{{- if .Language}}
Reply in the language with ISO 639-1 code "{{.Language}}" unless {{.Author}} writes in another one.
{{- end}}
{{- if .Personality}}

Your personality: {{.Personality}}
{{- end}}
{{- if .Instructions}}

Standing instructions from {{.Author}}: {{.Instructions}}
{{- end}}

Write like a person texting: short, direct, plain text.
When you want to send more than one message, end each message with {{.Sentinel}}.
Everything between two {{.Sentinel}} markers is delivered as one message.

You can call tools. Only call a tool when it helps answer the latest request.
If a tool fails, read the error, fix your arguments and try again, or explain
what went wrong.`

type promptData struct {
	Author       string
	Now          string
	Timezone     string
	Language     string
	Personality  string
	Instructions string
	Sentinel     string
}

// SystemPrompt renders the system prompt of a conversation.
type SystemPrompt struct {
	tmpl     *template.Template
	sentinel string
}

// NewSystemPrompt parses text as a text/template. Empty text selects DefaultSystemPrompt.
func NewSystemPrompt(text string, sentinels []string) (*SystemPrompt, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultSystemPrompt
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	sentinel := ""
	if len(sentinels) > 0 {
		sentinel = sentinels[0]
	}
	return &SystemPrompt{tmpl: tmpl, sentinel: sentinel}, nil
}

// Render executes the template for one run. Now is shown in the author's
// time zone; nil prefs render with the defaults.
func (p *SystemPrompt) Render(author string, prefs *models.AuthorPreferences, now time.Time) (string, error) {
	if prefs == nil {
		prefs = models.DefaultPreferences(author)
	}
	loc := prefs.Location()

	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, promptData{
		Author:       author,
		Now:          now.In(loc).Format(time.RFC1123),
		Timezone:     loc.String(),
		Language:     prefs.Language,
		Personality:  prefs.Personality,
		Instructions: prefs.Instructions,
		Sentinel:     p.sentinel,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}
