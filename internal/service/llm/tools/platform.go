package tools

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
	llmSvc "raven/internal/domain/services/llm"
)

// Canceller interrupts the live run of a conversation.
type Canceller interface {
	Cancel(ctx context.Context, conversationID, authorID string) error
}

// PlatformDeps are the collaborators of the always-on platform tools.
// Nil members disable the corresponding tool.
type PlatformDeps struct {
	Channel   llmSvc.DeliveryChannel
	Blobs     repositories.BlobStore
	Canceller Canceller
}

var errNoScope = errors.New("tool requires a conversation scope")

type sendMessageArgs struct {
	Text      string `json:"text" jsonschema:"minLength=1" jsonschema_description:"Message text to send"`
	Recipient string `json:"recipient,omitempty" jsonschema_description:"Destination conversation ID. Defaults to the current conversation."`
}

// NewSendMessageTool sends an interim message through the delivery channel.
func NewSendMessageTool(channel llmSvc.DeliveryChannel) *FuncTool {
	return NewTypedTool("send_message",
		"Send a text message to a conversation right away, before the final answer. Defaults to the current conversation.",
		func(ctx context.Context, args sendMessageArgs) (interface{}, error) {
			recipient := strings.TrimSpace(args.Recipient)
			if recipient == "" {
				scope, ok := ScopeFrom(ctx)
				if !ok {
					return nil, errNoScope
				}
				recipient = scope.ConversationID
			}
			if err := channel.Send(ctx, recipient, args.Text); err != nil {
				return nil, fmt.Errorf("send message: %w", err)
			}
			return fmt.Sprintf("Message sent to %s", recipient), nil
		})
}

type readFileArgs struct {
	Key      string `json:"key" jsonschema:"minLength=1" jsonschema_description:"Object key of the stored file"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"minimum=1" jsonschema_description:"Maximum characters to return. Defaults to 500."`
}

// NewReadFileTool reads a stored attachment of the current conversation and
// author. Text files return their leading characters, other files only their
// MIME type.
func NewReadFileTool(blobs repositories.BlobStore, config *ToolConfig) *FuncTool {
	if config == nil {
		config = DefaultToolConfig()
	}
	return NewTypedTool("read_file",
		"Read a stored file by key. Returns up to max_chars characters of text for text files and only the MIME type otherwise.",
		func(ctx context.Context, args readFileArgs) (interface{}, error) {
			scope, ok := ScopeFrom(ctx)
			if !ok {
				return nil, errNoScope
			}
			if !ownsKey(scope, args.Key) {
				return nil, &domain.ForbiddenError{Message: fmt.Sprintf("file %s does not belong to this conversation", args.Key)}
			}

			limit := args.MaxChars
			if limit <= 0 {
				limit = config.ReadFileDefaultChars
			}
			if limit > config.ReadFileMaxChars {
				limit = config.ReadFileMaxChars
			}

			ref := llm.BlobRef{Region: config.BlobRegion, Bucket: config.BlobBucket, Key: args.Key}
			data, err := blobs.Get(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("read file %s: %w", args.Key, err)
			}

			mimeType := llm.DetectMimeType(args.Key, data)
			if !isTextual(mimeType) {
				return map[string]interface{}{"mimeType": mimeType}, nil
			}
			text := []rune(string(data))
			if len(text) > limit {
				text = text[:limit]
			}
			return map[string]interface{}{"mimeType": mimeType, "text": string(text)}, nil
		})
}

type cancelArgs struct{}

// NewCancelTool lets the model stop the current run and drop pending content.
func NewCancelTool(canceller Canceller) *FuncTool {
	return NewTypedTool("cancel",
		"Interrupt and stop thinking of a response.",
		func(ctx context.Context, _ cancelArgs) (interface{}, error) {
			scope, ok := ScopeFrom(ctx)
			if !ok {
				return nil, errNoScope
			}
			if err := canceller.Cancel(context.WithoutCancel(ctx), scope.ConversationID, scope.AuthorID); err != nil {
				return nil, err
			}
			return "Stopped generating response.", nil
		})
}

// ownsKey reports whether key lies under the blob prefix of the scope.
func ownsKey(scope Scope, key string) bool {
	if scope.AuthorID == "" || path.Clean(key) != key {
		return false
	}
	return strings.HasPrefix(key, repositories.BlobKeyPrefix(scope.ConversationID, scope.AuthorID))
}

func isTextual(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") ||
		strings.Contains(mimeType, "json") ||
		strings.Contains(mimeType, "xml") ||
		strings.Contains(mimeType, "csv")
}
