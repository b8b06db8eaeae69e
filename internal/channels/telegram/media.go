package telegram

import (
	"context"
	"fmt"
	"strings"

	llmSvc "raven/internal/domain/services/llm"
)

// PassthroughPreprocessor forwards images and text as they are and describes
// everything else. Real decoders plug in behind the same interface.
type PassthroughPreprocessor struct{}

var _ llmSvc.MediaPreprocessor = PassthroughPreprocessor{}

func (PassthroughPreprocessor) Process(_ context.Context, mimeType string, data []byte) (*llmSvc.Preprocessed, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &llmSvc.Preprocessed{Images: []llmSvc.Image{{Data: data, MimeType: mimeType}}}, nil
	case strings.HasPrefix(mimeType, "text/"):
		return &llmSvc.Preprocessed{Text: string(data)}, nil
	default:
		return &llmSvc.Preprocessed{
			Text: fmt.Sprintf("[%s attachment of %d bytes, content not available]", mimeType, len(data)),
		}, nil
	}
}
