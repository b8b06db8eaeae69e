package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	llmSvc "raven/internal/domain/services/llm"
)

// maxMessageRunes is the Bot API limit for one text message
const maxMessageRunes = 4096

// Channel delivers text to Telegram chats. Conversation IDs are chat IDs.
type Channel struct {
	client BotClient
	logger *slog.Logger
}

// NewChannel creates a delivery channel over client.
func NewChannel(client BotClient, logger *slog.Logger) *Channel {
	return &Channel{client: client, logger: logger.With("channel", "telegram")}
}

var (
	_ llmSvc.DeliveryChannel = (*Channel)(nil)
	_ llmSvc.TypingNotifier  = (*Channel)(nil)
)

// Send posts text, split into several messages when it exceeds the API limit.
func (c *Channel) Send(ctx context.Context, conversationID, text string) error {
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}

	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if _, err := c.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   chunk,
		}); err != nil {
			return fmt.Errorf("send message to %d: %w", chatID, err)
		}
	}
	return nil
}

// Typing shows the typing indicator for a few seconds.
func (c *Channel) Typing(ctx context.Context, conversationID string) error {
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	_, err = c.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})
	return err
}

// IsChatID reports whether a conversation ID names a Telegram chat.
func IsChatID(conversationID string) bool {
	_, err := parseChatID(conversationID)
	return err == nil
}

func parseChatID(conversationID string) (int64, error) {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", conversationID, err)
	}
	return chatID, nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		if i := lastNewline(runes[:limit]); i > limit/2 {
			cut = i + 1
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
