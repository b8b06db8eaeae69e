package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	llmprovider "github.com/haowjy/meridian-llm-go"

	"raven/internal/config"
	"raven/internal/domain/models/llm"
	llmSvc "raven/internal/domain/services/llm"
)

const systemPrompt = `You prepare retrieval queries for an assistant.
Given the recent conversation and the user's new request, answer with a single JSON object:
{"toolQuery": "<capabilities needed to answer, as a short description>",
 "query": "<standalone restatement of the request, resolving references to earlier messages>",
 "title": "<at most eight words labelling this exchange>"}
Answer with JSON only.`

// historyChars bounds the context given to the summary model
const historyChars = 4000

// Summarizer derives the tool query, memory query and title of a request with
// a meridian-llm-go provider. Provider errors and unparsable answers fall back to
// a heuristic summary, so Summarize only fails on cancellation.
type Summarizer struct {
	provider llmprovider.Provider
	model    string
	logger   *slog.Logger
}

var _ llmSvc.Summarizer = (*Summarizer)(nil)

// New creates a summarizer. A nil provider always uses the heuristic.
func New(provider llmprovider.Provider, model string, logger *slog.Logger) *Summarizer {
	return &Summarizer{provider: provider, model: model, logger: logger}
}

func (s *Summarizer) Summarize(ctx context.Context, input llmSvc.SummaryInput) (*llmSvc.Summary, error) {
	fallback := Heuristic(input)
	if s.provider == nil {
		return fallback, nil
	}

	prompt := renderPrompt(input)
	system := systemPrompt
	req := &llmprovider.GenerateRequest{
		Messages: []llmprovider.Message{{
			Role: "user",
			Blocks: []*llmprovider.Block{{
				BlockType:   "text",
				Sequence:    0,
				TextContent: &prompt,
			}},
		}},
		Model:  s.model,
		Params: &llmprovider.RequestParams{System: &system},
	}

	resp, err := s.provider.GenerateResponse(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("summary provider failed, using heuristic",
			"provider", s.provider.Name().String(),
			"error", err,
		)
		return fallback, nil
	}

	var text strings.Builder
	for _, block := range resp.Blocks {
		if block.BlockType == "text" && block.TextContent != nil {
			text.WriteString(*block.TextContent)
		}
	}

	summary, err := parseSummary(text.String())
	if err != nil {
		s.logger.Debug("summary not parsable, using heuristic", "error", err)
		return fallback, nil
	}

	// Fill gaps from the heuristic
	if summary.Query == "" {
		summary.Query = fallback.Query
	}
	if summary.ToolQuery == "" {
		summary.ToolQuery = summary.Query
	}
	if summary.Title == "" {
		summary.Title = fallback.Title
	}
	summary.Title = truncate(summary.Title, config.MaxConversationTitleLength)
	return summary, nil
}

func renderPrompt(input llmSvc.SummaryInput) string {
	var b strings.Builder
	if history := renderHistory(input.History); history != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(history)
		b.WriteString("\n\n")
	}
	b.WriteString("New request:\n")
	b.WriteString(requestText(input.Request))
	return b.String()
}

func renderHistory(history []llm.Message) string {
	var lines []string
	for _, m := range history {
		if m.Role == llm.RoleTool {
			continue
		}
		if text := strings.TrimSpace(m.Text()); text != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, text))
		}
	}
	joined := strings.Join(lines, "\n")
	if len(joined) > historyChars {
		joined = joined[len(joined)-historyChars:]
	}
	return joined
}

// requestText renders the request for prompts and the heuristic
func requestText(parts []llm.ContentPart) string {
	var texts []string
	for _, p := range llm.Renumber(parts, 0) {
		switch p.Type {
		case llm.PartTypeText:
			if p.Text != nil && strings.TrimSpace(*p.Text) != "" {
				texts = append(texts, strings.TrimSpace(*p.Text))
			}
		case llm.PartTypeImage:
			texts = append(texts, "[image]")
		case llm.PartTypeFile:
			name := "file"
			if p.OriginalName != nil {
				name = *p.OriginalName
			}
			texts = append(texts, fmt.Sprintf("[file %s]", name))
		}
	}
	return strings.Join(texts, "\n")
}

func parseSummary(text string) (*llmSvc.Summary, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in summary")
	}

	var summary llmSvc.Summary
	if err := json.Unmarshal([]byte(text[start:end+1]), &summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &summary, nil
}

// Heuristic builds a summary from the request text alone
func Heuristic(input llmSvc.SummaryInput) *llmSvc.Summary {
	text := requestText(input.Request)
	title := text
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if title == "" {
		title = "Untitled exchange"
	}
	return &llmSvc.Summary{
		ToolQuery: text,
		Query:     text,
		Title:     truncate(title, 80),
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
