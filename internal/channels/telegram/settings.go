package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"raven/internal/domain"
	domainModels "raven/internal/domain/models"
)

// setCommand handles /set [key] [value]. Without a key it lists the settings.
func (h *Handler) setCommand(ctx context.Context, args, conversationID, authorID string) {
	if h.prefs == nil {
		h.reply(ctx, conversationID, replyNoSettings)
		return
	}
	if args == "" {
		h.reply(ctx, conversationID, settingsHelp())
		return
	}

	key, value := splitFirst(args)
	key = strings.ToLower(key)
	if value == "" {
		h.reply(ctx, conversationID, replyNeedValue)
		return
	}
	if !h.setPreference(ctx, conversationID, authorID, key, value) {
		return
	}
	h.reply(ctx, conversationID, fmt.Sprintf(replySet, key, value))
}

// configCommand shows the author's settings as JSON.
func (h *Handler) configCommand(ctx context.Context, conversationID, authorID string) {
	if h.prefs == nil {
		h.reply(ctx, conversationID, replyNoSettings)
		return
	}
	prefs, err := h.prefs.GetPreferences(ctx, authorID)
	if err != nil {
		h.logger.Error("load preferences failed", "author_id", authorID, "error", err)
		h.reply(ctx, conversationID, replySettingsFailed)
		return
	}

	view, err := json.MarshalIndent(map[string]string{
		domainModels.PrefTimezone:     prefs.Timezone,
		domainModels.PrefLanguage:     prefs.Language,
		domainModels.PrefPersonality:  prefs.Personality,
		domainModels.PrefInstructions: prefs.Instructions,
	}, "", "  ")
	if err != nil {
		h.logger.Error("encode preferences failed", "author_id", authorID, "error", err)
		h.reply(ctx, conversationID, replySettingsFailed)
		return
	}
	h.reply(ctx, conversationID, string(view))
}

// textSettingCommand handles /personality and /instructions: no argument shows
// the value, "clear" removes it, anything else replaces it.
func (h *Handler) textSettingCommand(ctx context.Context, key, args, conversationID, authorID string) {
	if h.prefs == nil {
		h.reply(ctx, conversationID, replyNoSettings)
		return
	}

	switch {
	case args == "":
		prefs, err := h.prefs.GetPreferences(ctx, authorID)
		if err != nil {
			h.logger.Error("load preferences failed", "author_id", authorID, "error", err)
			h.reply(ctx, conversationID, replySettingsFailed)
			return
		}
		current := prefs.Personality
		if key == domainModels.PrefInstructions {
			current = prefs.Instructions
		}
		if current == "" {
			h.reply(ctx, conversationID, fmt.Sprintf(replyNoSetting, key, key))
			return
		}
		h.reply(ctx, conversationID, fmt.Sprintf(replyShowSetting, key, current, key, key))
	case strings.EqualFold(args, "clear"):
		if h.setPreference(ctx, conversationID, authorID, key, "") {
			h.reply(ctx, conversationID, fmt.Sprintf(replySettingCleared, key))
		}
	default:
		if h.setPreference(ctx, conversationID, authorID, key, args) {
			h.reply(ctx, conversationID, fmt.Sprintf(replySet, key, args))
		}
	}
}

// setPreference stores one setting. Rejected values are explained to the
// author; other failures are logged. Reports whether the value was stored.
func (h *Handler) setPreference(ctx context.Context, conversationID, authorID, key, value string) bool {
	_, err := h.prefs.SetPreference(ctx, authorID, key, value)
	if err == nil {
		return true
	}

	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) || errors.Is(err, domain.ErrValidation) {
		h.reply(ctx, conversationID, "⚠️ "+err.Error())
		return false
	}
	h.logger.Error("set preference failed",
		"author_id", authorID,
		"key", key,
		"error", err,
	)
	h.reply(ctx, conversationID, replySettingsFailed)
	return false
}

func settingsHelp() string {
	var b strings.Builder
	b.WriteString("Usage: /set <setting> <value>\n\nAvailable settings:")
	for _, key := range domainModels.PreferenceKeys {
		fmt.Fprintf(&b, "\n%s: %s", key.Name, key.Description)
	}
	return b.String()
}

// commandArgs returns the text after the command word.
func commandArgs(text string) string {
	_, rest := splitFirst(strings.TrimSpace(text))
	return rest
}

// splitFirst splits off the first word; the rest keeps its inner spacing.
func splitFirst(text string) (string, string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}
