package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"raven/internal/domain/models/llm"
)

// inlineFileLimit bounds how much of a text file is inlined into the prompt
const inlineFileLimit = 64 * 1024

func toOpenAIMessages(system string, messages []llm.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			result = append(result, userMessage(msg.Parts))

		case llm.RoleAssistant:
			if msg.Assistant == nil {
				continue
			}
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Assistant.Text,
			}
			for _, tc := range msg.Assistant.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)

		case llm.RoleTool:
			if msg.Tool == nil {
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(msg.Tool.Result),
				ToolCallID: msg.Tool.ToolCallID,
			})
		}
	}
	return result
}

func userMessage(parts []llm.ContentPart) openai.ChatCompletionMessage {
	sorted := llm.Renumber(parts, 0)

	hasImages := false
	for _, p := range sorted {
		if p.Type == llm.PartTypeImage && len(p.Data) > 0 {
			hasImages = true
			break
		}
	}

	if !hasImages {
		var texts []string
		for _, p := range sorted {
			if t := partText(p); t != "" {
				texts = append(texts, t)
			}
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: strings.Join(texts, "\n\n"),
		}
	}

	contentParts := make([]openai.ChatMessagePart, 0, len(sorted))
	for _, p := range sorted {
		if p.Type == llm.PartTypeImage && len(p.Data) > 0 {
			contentParts = append(contentParts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL(p.Mime(), p.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
			continue
		}
		if t := partText(p); t != "" {
			contentParts = append(contentParts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: t,
			})
		}
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: contentParts,
	}
}

// partText renders the text form of a part; images without bytes become a placeholder
func partText(p llm.ContentPart) string {
	switch p.Type {
	case llm.PartTypeText:
		if p.Text != nil {
			return *p.Text
		}
	case llm.PartTypeImage:
		return "[image unavailable]"
	case llm.PartTypeFile:
		name := "file"
		if p.OriginalName != nil && *p.OriginalName != "" {
			name = *p.OriginalName
		}
		mime := p.Mime()
		if isTextual(mime) && len(p.Data) > 0 {
			data := p.Data
			truncated := ""
			if len(data) > inlineFileLimit {
				data = data[:inlineFileLimit]
				truncated = "\n[truncated]"
			}
			return fmt.Sprintf("File %s (%s):\n%s%s", name, mime, data, truncated)
		}
		return fmt.Sprintf("[attached file %s (%s), %d bytes]", name, mime, len(p.Data))
	}
	return ""
}

func isTextual(mime string) bool {
	return strings.HasPrefix(mime, "text/") ||
		mime == "application/json" ||
		mime == "application/xml" ||
		mime == "application/yaml"
}

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func toOpenAITools(tools []llm.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// normalizeArguments turns streamed argument text into valid JSON; empty or
// malformed input is kept as a JSON string so schema validation can report it.
func normalizeArguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(trimmed)
	return quoted
}
