package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message within a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one persisted entry of a conversation. It is immutable once written.
//
// Exactly one content field is populated depending on Role:
//   - user: Parts
//   - assistant: Assistant
//   - tool: Tool
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	AuthorID       string            `json:"author_id"`
	Role           Role              `json:"role"`
	CreatedAt      time.Time         `json:"created_at"`
	Parts          []ContentPart     `json:"parts,omitempty"`
	Assistant      *AssistantContent `json:"assistant,omitempty"`
	Tool           *ToolContent      `json:"tool,omitempty"`
}

// AssistantContent is the model output of one step.
type AssistantContent struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model request to invoke a tool by name.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolContent is the result of one tool call, addressed to the model.
type ToolContent struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"is_error,omitempty"`
}

// NewUserMessage builds an unsaved user message from parts.
func NewUserMessage(conversationID, authorID string, parts []ContentPart) Message {
	return Message{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Role:           RoleUser,
		Parts:          parts,
	}
}

// NewAssistantMessage builds an unsaved assistant message.
func NewAssistantMessage(text string, calls []ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Assistant: &AssistantContent{Text: text, ToolCalls: calls},
	}
}

// NewToolMessage builds an unsaved tool result message. Non-JSON results are
// encoded as JSON strings.
func NewToolMessage(call ToolCall, result any, isError bool) Message {
	return Message{
		Role: RoleTool,
		Tool: &ToolContent{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Result:     EncodeResult(result),
			IsError:    isError,
		},
	}
}

// EncodeResult turns an arbitrary tool result into raw JSON.
func EncodeResult(result any) json.RawMessage {
	switch v := result.(type) {
	case nil:
		return json.RawMessage("null")
	case json.RawMessage:
		if json.Valid(v) {
			return v
		}
		result = string(v)
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v)
		}
		result = string(v)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		raw, _ = json.Marshal(err.Error())
	}
	return raw
}

// HasToolCalls reports whether the message is an assistant message requesting tools.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && m.Assistant != nil && len(m.Assistant.ToolCalls) > 0
}

// Text returns the plain text carried by the message, joining text parts for
// user messages.
func (m *Message) Text() string {
	switch m.Role {
	case RoleAssistant:
		if m.Assistant != nil {
			return m.Assistant.Text
		}
	case RoleTool:
		if m.Tool != nil {
			return string(m.Tool.Result)
		}
	case RoleUser:
		var texts []string
		for _, p := range m.Parts {
			if p.Type == PartTypeText && p.Text != nil {
				texts = append(texts, *p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// WithOwner stamps the conversation and author on a message built without them.
func (m Message) WithOwner(conversationID, authorID string) Message {
	m.ConversationID = conversationID
	m.AuthorID = authorID
	return m
}
