package llm

// Run event types published on a run's event stream
const (
	RunEventStart        = "run_start"
	RunEventTextDelta    = "text_delta"
	RunEventMessageFlush = "message_flush"
	RunEventToolCall     = "tool_call"
	RunEventToolResult   = "tool_result"
	RunEventComplete     = "run_complete"
	RunEventError        = "run_error"
	RunEventCancelled    = "run_cancelled"
)

// FinishReason describes why a run stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// RunStartEvent is sent when a run begins generating
type RunStartEvent struct {
	RunID          string   `json:"run_id"`
	ConversationID string   `json:"conversation_id"`
	Tools          []string `json:"tools"`
}

// TextDeltaEvent carries one chunk of streamed model text
type TextDeltaEvent struct {
	Delta string `json:"delta"`
}

// MessageFlushEvent is a delivered message boundary
type MessageFlushEvent struct {
	Text string `json:"text"`
}

// ToolCallEvent is sent before a tool executes
type ToolCallEvent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultEvent is sent after a tool executes
type ToolResultEvent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsError bool   `json:"is_error"`
}

// RunCompleteEvent is the terminal event of a finished run
type RunCompleteEvent struct {
	FinishReason FinishReason `json:"finish_reason"`
	Steps        int          `json:"steps"`
	Repairs      int          `json:"repairs"`
	MessageIDs   []string     `json:"message_ids,omitempty"`
}

// RunErrorEvent is the terminal event of a failed run
type RunErrorEvent struct {
	Error string `json:"error"`
}
