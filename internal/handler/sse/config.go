package sse

import "time"

// Config holds SSE connection settings
type Config struct {
	// KeepAliveInterval is how often a comment line is sent on an idle stream
	KeepAliveInterval time.Duration

	// PollInterval is how often the run's event log is checked for new events
	PollInterval time.Duration
}

// DefaultConfig returns settings that keep common proxies from closing idle streams
func DefaultConfig() *Config {
	return &Config{
		KeepAliveInterval: 10 * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}
