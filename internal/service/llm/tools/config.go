package tools

// ToolConfig centralizes configuration for all tools.
type ToolConfig struct {
	// Web search tool configuration (external APIs)
	WebSearchDefaultLimit int // Default number of web search results
	WebSearchMaxLimit     int // Maximum allowed web search results

	// read_file tool configuration
	ReadFileDefaultChars int // Characters returned when max_chars is omitted
	ReadFileMaxChars     int // Upper bound for max_chars
	BlobBucket           string
	BlobRegion           string

	// current_time tool configuration
	DefaultTimezone string
}

// DefaultToolConfig returns the default tool configuration.
func DefaultToolConfig() *ToolConfig {
	return &ToolConfig{
		WebSearchDefaultLimit: 5,
		WebSearchMaxLimit:     10,

		ReadFileDefaultChars: 500,
		ReadFileMaxChars:     20000, // 20k characters (~5k tokens)

		DefaultTimezone: "UTC",
	}
}
