// Package console delivers messages to a terminal for the local chat REPL.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"

	llmSvc "raven/internal/domain/services/llm"
)

// Channel prints every delivered message to a writer.
type Channel struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
}

var _ llmSvc.DeliveryChannel = (*Channel)(nil)

// NewChannel writes messages to out, each line led by prefix.
func NewChannel(out io.Writer, prefix string) *Channel {
	return &Channel{out: out, prefix: prefix}
}

func (c *Channel) Send(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s%s\n", c.prefix, text)
	return err
}
