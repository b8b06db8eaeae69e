package conversation

import (
	"log/slog"
	"sort"

	llmModels "raven/internal/domain/models/llm"
)

// interruptedToolResult is the synthetic result injected for a tool call whose
// result was never persisted.
const interruptedToolResult = "Tool execution was interrupted"

// MessageBuilder assembles the message list sent to the model from recalled
// memory, the recent history window and the new user message.
type MessageBuilder struct {
	logger *slog.Logger
}

// NewMessageBuilder creates a new MessageBuilder
func NewMessageBuilder(logger *slog.Logger) *MessageBuilder {
	return &MessageBuilder{logger: logger}
}

// Build merges recalled and recent history (deduplicated by ID, chronological),
// repairs tool call pairing and appends the pending user message last.
func (mb *MessageBuilder) Build(recalled, recent []llmModels.Message, user *llmModels.Message) []llmModels.Message {
	seen := make(map[string]bool, len(recalled)+len(recent))
	var history []llmModels.Message
	add := func(m llmModels.Message) {
		if m.ID != "" {
			if seen[m.ID] {
				return
			}
			seen[m.ID] = true
		}
		history = append(history, m)
	}

	// Recalled exchanges are older than the recent window unless proven otherwise
	recalledSorted := append([]llmModels.Message(nil), recalled...)
	sort.SliceStable(recalledSorted, func(i, j int) bool {
		return recalledSorted[i].CreatedAt.Before(recalledSorted[j].CreatedAt)
	})
	for _, m := range recalledSorted {
		add(m)
	}
	for _, m := range recent {
		add(m)
	}

	messages := mb.Sanitize(history)
	if user != nil {
		messages = append(messages, *user)
	}
	return messages
}

// Sanitize reorders tool results behind their calls, drops orphaned tool results
// and empty messages, and injects an error result for every dangling tool call.
// Providers reject histories where a tool call has no result.
func (mb *MessageBuilder) Sanitize(history []llmModels.Message) []llmModels.Message {
	ordered := llmModels.OrderToolResults(history)

	calls := make(map[string]bool)
	results := make(map[string]bool)
	for _, m := range ordered {
		if m.HasToolCalls() {
			for _, call := range m.Assistant.ToolCalls {
				calls[call.ID] = true
			}
		}
		if m.Role == llmModels.RoleTool && m.Tool != nil {
			results[m.Tool.ToolCallID] = true
		}
	}

	out := make([]llmModels.Message, 0, len(ordered))
	for i, m := range ordered {
		switch {
		case m.Role == llmModels.RoleTool:
			if m.Tool == nil || !calls[m.Tool.ToolCallID] {
				mb.logger.Warn("dropping orphaned tool result", "message_id", m.ID)
				continue
			}
			out = append(out, m)

		case m.Role == llmModels.RoleUser && len(m.Parts) == 0:
			mb.logger.Warn("skipping user message with no parts", "message_id", m.ID)

		case m.Role == llmModels.RoleAssistant && (m.Assistant == nil || (m.Assistant.Text == "" && len(m.Assistant.ToolCalls) == 0)):
			mb.logger.Warn("skipping empty assistant message", "message_id", m.ID)

		default:
			out = append(out, m)
			if !m.HasToolCalls() {
				continue
			}
			for _, call := range m.Assistant.ToolCalls {
				if results[call.ID] {
					continue
				}
				mb.logger.Warn("injecting error tool result for dangling tool call",
					"message_id", m.ID,
					"position", i,
					"tool_name", call.Name,
				)
				synthetic := llmModels.NewToolMessage(call, map[string]string{"toolError": interruptedToolResult}, true)
				out = append(out, synthetic.WithOwner(m.ConversationID, m.AuthorID))
			}
		}
	}
	return out
}
