package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	domainModels "raven/internal/domain/models"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/services"
	llmSvc "raven/internal/domain/services/llm"
)

// Replies to commands
const (
	replyStart     = "hey %s, what's up? You can send a text, photo, telebubble or a voice message."
	replyCancelled = "Stopped thinking"
	replyCleared   = "Conversation cleared from short and long term memory."
	replyFailed    = "⚠️ Could not read that message. Please try again."

	replyNeedValue      = "Please specify value."
	replySet            = "Successfully set %s to %s"
	replySettingCleared = "Your %s was cleared."
	replyShowSetting    = "Your %s: %s\nChange it with /%s <text>, or /%s clear."
	replyNoSetting      = "You have no %s set. Add one with /%s <text>."
	replySettingsFailed = "⚠️ Could not update your settings. Please try again."
	replyNoSettings     = "Settings are not available."
)

// HandlerConfig configures the inbound handler.
type HandlerConfig struct {
	// MediaGroupDebounce is the quiet period after the last item of an album
	// before the album is submitted as one request
	MediaGroupDebounce time.Duration

	// Owner may address the bot outside private chats with CommandPrefix
	Owner         string
	CommandPrefix string
}

// Handler turns Telegram updates into inbound requests.
type Handler struct {
	runs    llmSvc.RunService
	prefs   services.PreferencesService
	channel llmSvc.DeliveryChannel
	files   FileFetcher
	media   llmSvc.MediaPreprocessor
	config  HandlerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	groups map[string]*mediaGroup
}

// mediaGroup collects the items of one album until the debounce fires.
type mediaGroup struct {
	request *llmSvc.InboundRequest
	timer   *time.Timer
}

// NewHandler creates an inbound handler. A nil prefs disables the settings commands.
func NewHandler(
	runs llmSvc.RunService,
	prefs services.PreferencesService,
	channel llmSvc.DeliveryChannel,
	files FileFetcher,
	media llmSvc.MediaPreprocessor,
	config HandlerConfig,
	logger *slog.Logger,
) *Handler {
	if media == nil {
		media = PassthroughPreprocessor{}
	}
	if config.CommandPrefix == "" {
		config.CommandPrefix = "-bot "
	}
	return &Handler{
		runs:    runs,
		prefs:   prefs,
		channel: channel,
		files:   files,
		media:   media,
		config:  config,
		logger:  logger.With("channel", "telegram"),
		groups:  make(map[string]*mediaGroup),
	}
}

// HandleUpdate is the bot.HandlerFunc for every update.
func (h *Handler) HandleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	h.handle(ctx, update)
}

func (h *Handler) handle(ctx context.Context, update *models.Update) {
	msg, edited := update.Message, false
	if msg == nil {
		msg, edited = update.EditedMessage, true
	}
	if msg == nil || msg.From == nil {
		return
	}

	text, ok := h.accept(msg)
	if !ok {
		return
	}

	conversationID := strconv.FormatInt(msg.Chat.ID, 10)
	authorID := strconv.FormatInt(msg.From.ID, 10)

	if command := commandName(text); command != "" && !edited {
		h.command(ctx, command, text, msg, conversationID, authorID)
		return
	}

	parts, err := h.parts(ctx, msg, text)
	if err != nil {
		h.logger.Error("failed to read message",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"error", err,
		)
		h.reply(ctx, conversationID, replyFailed)
		return
	}
	if len(parts) == 0 {
		return
	}

	req := &llmSvc.InboundRequest{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Parts:          parts,
		Edited:         edited,
	}
	if msg.MediaGroupID != "" {
		h.collect(ctx, msg.MediaGroupID, req)
		return
	}
	h.submit(ctx, req)
}

// accept applies the chat filter: private chats, or the owner with the command
// prefix anywhere else. Returns the text without the prefix.
func (h *Handler) accept(msg *models.Message) (string, bool) {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if msg.Chat.Type == models.ChatTypePrivate {
		return text, true
	}
	if h.config.Owner != "" &&
		strconv.FormatInt(msg.From.ID, 10) == h.config.Owner &&
		strings.HasPrefix(text, h.config.CommandPrefix) {
		return strings.TrimPrefix(text, h.config.CommandPrefix), true
	}
	return "", false
}

func (h *Handler) command(ctx context.Context, command, text string, msg *models.Message, conversationID, authorID string) {
	switch command {
	case "start":
		name := msg.From.FirstName
		if name == "" {
			name = msg.From.LastName
		}
		h.reply(ctx, conversationID, fmt.Sprintf(replyStart, name))
	case "cancel":
		if err := h.runs.Cancel(ctx, conversationID, authorID); err != nil {
			h.logger.Error("cancel failed", "conversation_id", conversationID, "error", err)
			return
		}
		h.reply(ctx, conversationID, replyCancelled)
	case "clear":
		if err := h.runs.Clear(ctx, conversationID, authorID); err != nil {
			h.logger.Error("clear failed", "conversation_id", conversationID, "error", err)
			return
		}
		h.reply(ctx, conversationID, replyCleared)
	case "set":
		h.setCommand(ctx, commandArgs(text), conversationID, authorID)
	case "config":
		h.configCommand(ctx, conversationID, authorID)
	case domainModels.PrefPersonality, domainModels.PrefInstructions:
		h.textSettingCommand(ctx, command, commandArgs(text), conversationID, authorID)
	default:
		// Unknown commands are plain text for the model
		h.submit(ctx, &llmSvc.InboundRequest{
			ConversationID: conversationID,
			AuthorID:       authorID,
			Parts:          []llm.ContentPart{llm.NewTextPart(0, text)},
		})
	}
}

// parts converts a message into content parts: text first, then media.
func (h *Handler) parts(ctx context.Context, msg *models.Message, text string) ([]llm.ContentPart, error) {
	var parts []llm.ContentPart
	if strings.TrimSpace(text) != "" {
		parts = append(parts, llm.NewTextPart(len(parts), text))
	}

	if len(msg.Photo) > 0 {
		// Sizes are ordered from smallest to largest
		data, err := h.files.Fetch(ctx, msg.Photo[len(msg.Photo)-1].FileID)
		if err != nil {
			return nil, err
		}
		parts = append(parts, llm.NewImagePart(len(parts), data, "image/jpeg"))
	}

	if doc := msg.Document; doc != nil {
		data, err := h.files.Fetch(ctx, doc.FileID)
		if err != nil {
			return nil, err
		}
		mimeType := doc.MimeType
		if mimeType == "" {
			mimeType = llm.DetectMimeType(doc.FileName, data)
		}
		if strings.HasPrefix(mimeType, "image/") {
			parts = append(parts, llm.NewImagePart(len(parts), data, mimeType))
		} else {
			name := doc.FileName
			parts = append(parts, llm.NewFilePart(len(parts), data, mimeType, &name))
		}
	}

	for _, item := range decodable(msg) {
		data, err := h.files.Fetch(ctx, item.fileID)
		if err != nil {
			return nil, err
		}
		processed, err := h.media.Process(ctx, item.mimeType, data)
		if err != nil {
			return nil, fmt.Errorf("preprocess %s: %w", item.mimeType, err)
		}
		if processed.Text != "" {
			parts = append(parts, llm.NewTextPart(len(parts), processed.Text))
		}
		for _, image := range processed.Images {
			parts = append(parts, llm.NewImagePart(len(parts), image.Data, image.MimeType))
		}
	}
	return parts, nil
}

type mediaItem struct {
	fileID   string
	mimeType string
}

// decodable lists the media that need a preprocessor before the model sees them.
func decodable(msg *models.Message) []mediaItem {
	var items []mediaItem
	if msg.Voice != nil {
		items = append(items, mediaItem{msg.Voice.FileID, orDefault(msg.Voice.MimeType, "audio/ogg")})
	}
	if msg.Audio != nil {
		items = append(items, mediaItem{msg.Audio.FileID, orDefault(msg.Audio.MimeType, "audio/mpeg")})
	}
	if msg.Video != nil {
		items = append(items, mediaItem{msg.Video.FileID, orDefault(msg.Video.MimeType, "video/mp4")})
	}
	if msg.VideoNote != nil {
		items = append(items, mediaItem{msg.VideoNote.FileID, "video/mp4"})
	}
	return items
}

// collect buffers an album item and restarts the debounce timer.
func (h *Handler) collect(ctx context.Context, groupID string, req *llmSvc.InboundRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[groupID]
	if !ok {
		group = &mediaGroup{request: &llmSvc.InboundRequest{
			ConversationID: req.ConversationID,
			AuthorID:       req.AuthorID,
		}}
		h.groups[groupID] = group
	} else {
		group.timer.Stop()
	}
	group.request.Parts = append(group.request.Parts, llm.Renumber(req.Parts, len(group.request.Parts))...)
	group.request.Edited = group.request.Edited || req.Edited

	submitCtx := context.WithoutCancel(ctx)
	group.timer = time.AfterFunc(h.config.MediaGroupDebounce, func() {
		h.mu.Lock()
		current := h.groups[groupID]
		if current != group {
			h.mu.Unlock()
			return
		}
		delete(h.groups, groupID)
		h.mu.Unlock()
		h.submit(submitCtx, group.request)
	})
}

func (h *Handler) submit(ctx context.Context, req *llmSvc.InboundRequest) {
	result, err := h.runs.Submit(ctx, req)
	if err != nil {
		h.logger.Error("submit failed",
			"conversation_id", req.ConversationID,
			"error", err,
		)
		h.reply(ctx, req.ConversationID, replyFailed)
		return
	}
	h.logger.Debug("request submitted",
		"conversation_id", req.ConversationID,
		"run_id", result.RunID,
		"parts", len(req.Parts),
		"interrupted", result.Interrupted,
	)
}

func (h *Handler) reply(ctx context.Context, conversationID, text string) {
	if err := h.channel.Send(ctx, conversationID, text); err != nil {
		h.logger.Warn("reply failed", "conversation_id", conversationID, "error", err)
	}
}

// commandName returns the bot command of text without slash or bot mention.
func commandName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	return strings.ToLower(name)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
