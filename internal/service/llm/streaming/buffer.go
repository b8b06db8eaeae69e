package streaming

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	llmSvc "raven/internal/domain/services/llm"
)

// DeliveryObserver receives one observation per delivery attempt.
type DeliveryObserver interface {
	ObserveDelivery(failed bool)
}

// BufferConfig configures a DeliveryBuffer.
type BufferConfig struct {
	Channel        llmSvc.DeliveryChannel
	ConversationID string
	Sentinels      []string
	Logger         *slog.Logger
	Observer       DeliveryObserver  // optional
	OnFlush        func(text string) // optional, called after each delivery attempt
}

// DeliveryBuffer accumulates streamed model text and delivers it to the user in
// message-sized pieces. A piece ends where the model emits a sentinel.
type DeliveryBuffer struct {
	config BufferConfig

	mu       sync.Mutex
	pending  strings.Builder
	flushed  []string
	failures int
}

// NewDeliveryBuffer creates a buffer delivering to one conversation.
func NewDeliveryBuffer(config BufferConfig) *DeliveryBuffer {
	return &DeliveryBuffer{config: config}
}

// Write appends a chunk and delivers every complete piece in the buffer. A
// piece ends at a sentinel; the text after the last sentinel stays buffered.
// Boundaries are the same however the stream was split into chunks.
func (b *DeliveryBuffer) Write(ctx context.Context, chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending.WriteString(chunk)
	rest := b.pending.String()
	split := false
	for {
		at, size := b.nextSentinel(rest)
		if at < 0 {
			break
		}
		b.deliverLocked(ctx, rest[:at])
		rest = rest[at+size:]
		split = true
	}
	if split {
		b.pending.Reset()
		b.pending.WriteString(rest)
	}
}

// Close delivers whatever is left in the buffer.
func (b *DeliveryBuffer) Close(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(ctx, b.pending.String())
	b.pending.Reset()
}

// Discard drops buffered text without delivering it.
func (b *DeliveryBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.Reset()
}

// Flushed returns the payloads handed to the channel so far.
func (b *DeliveryBuffer) Flushed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.flushed...)
}

// Failures returns how many deliveries the channel rejected.
func (b *DeliveryBuffer) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// deliverLocked sends one piece, skipping whitespace-only pieces.
func (b *DeliveryBuffer) deliverLocked(ctx context.Context, piece string) {
	text := strings.TrimSpace(piece)
	if text == "" {
		return
	}

	b.flushed = append(b.flushed, text)
	var err error
	if b.config.Channel != nil {
		err = b.config.Channel.Send(ctx, b.config.ConversationID, text)
	}
	if err != nil {
		b.failures++
		b.config.Logger.Warn("delivery failed",
			"conversation_id", b.config.ConversationID,
			"error", err,
		)
	}
	if b.config.Observer != nil {
		b.config.Observer.ObserveDelivery(err != nil)
	}
	if b.config.OnFlush != nil {
		b.config.OnFlush(text)
	}
}

// nextSentinel returns the position and length of the first sentinel in text,
// preferring the longer one when two start at the same position. at is -1
// when text holds no sentinel.
func (b *DeliveryBuffer) nextSentinel(text string) (at, size int) {
	at = -1
	for _, sentinel := range b.config.Sentinels {
		if sentinel == "" {
			continue
		}
		i := strings.Index(text, sentinel)
		if i < 0 {
			continue
		}
		if at < 0 || i < at || (i == at && len(sentinel) > size) {
			at, size = i, len(sentinel)
		}
	}
	return at, size
}
