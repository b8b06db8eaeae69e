package llm

import "context"

// DeliveryChannel sends user-visible text to a conversation.
type DeliveryChannel interface {
	Send(ctx context.Context, conversationID, text string) error
}

// TypingNotifier is implemented by channels that can show a typing indicator.
type TypingNotifier interface {
	Typing(ctx context.Context, conversationID string) error
}

// MediaPreprocessor converts binary media into model-consumable content.
// Real decoders (transcription, frame extraction, rasterisation) live outside this module.
type MediaPreprocessor interface {
	Process(ctx context.Context, mimeType string, data []byte) (*Preprocessed, error)
}

// Preprocessed is the model-consumable form of a media item.
type Preprocessed struct {
	Text   string
	Images []Image
}

// Image is a decoded still image.
type Image struct {
	Data     []byte
	MimeType string
}
