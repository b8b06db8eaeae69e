package config

import "time"

const (
	// MaxConversationTitleLength bounds summary titles stored on turn memory entries.
	MaxConversationTitleLength = 255

	// MaxPartsPerMessage is the upper bound of content parts on one user message.
	// Media groups are capped at ten items by Telegram, pending merges stay well below this.
	MaxPartsPerMessage = 64

	// MaxAgentParameterBytes limits the YAML rendering of agent parameters.
	MaxAgentParameterBytes = 32 * 1024
)

// RunLimits groups the knobs of the orchestration loop.
type RunLimits struct {
	StepBudget      int     // Model calls per attempt
	RepairCeiling   int     // Extra attempts after a tool-call finish
	ToolLimit       int     // Selected tools before the always-on set is merged
	SimilarityFloor float64 // Minimum cosine similarity for selected tools
	MemoryTopK      int
	HistorySets     int
	MaxAgentDepth   int
	Sentinels       []string

	NotifyInterruptions bool
	NotifyEdits         bool
	MediaGroupDebounce  time.Duration
	TypingInterval      time.Duration
	RunRetention        time.Duration // How long finished run streams stay reachable
}

// DefaultRunLimits returns the limits used when no environment overrides are set.
func DefaultRunLimits() RunLimits {
	return RunLimits{
		StepBudget:          5,
		RepairCeiling:       3,
		ToolLimit:           10,
		SimilarityFloor:     0.25,
		MemoryTopK:          4,
		HistorySets:         5,
		MaxAgentDepth:       3,
		Sentinels:           []string{"<|message|>", "</|message|>"},
		NotifyInterruptions: true,
		NotifyEdits:         true,
		MediaGroupDebounce:  500 * time.Millisecond,
		TypingInterval:      5 * time.Second,
		RunRetention:        10 * time.Minute,
	}
}

func loadRunLimits() RunLimits {
	d := DefaultRunLimits()
	return RunLimits{
		StepBudget:          getEnvInt("RUN_STEP_BUDGET", d.StepBudget),
		RepairCeiling:       getEnvInt("RUN_REPAIR_CEILING", d.RepairCeiling),
		ToolLimit:           getEnvInt("LLM_TOOLS_LIMIT", d.ToolLimit),
		SimilarityFloor:     getEnvFloat("TOOL_SIMILARITY_FLOOR", d.SimilarityFloor),
		MemoryTopK:          getEnvInt("MEMORY_TOP_K", d.MemoryTopK),
		HistorySets:         getEnvInt("HISTORY_SETS", d.HistorySets),
		MaxAgentDepth:       getEnvInt("MAX_AGENT_DEPTH", d.MaxAgentDepth),
		Sentinels:           getEnvList("MESSAGE_SENTINELS", d.Sentinels),
		NotifyInterruptions: getEnvBool("NOTIFY_INTERRUPTIONS", d.NotifyInterruptions),
		NotifyEdits:         getEnvBool("NOTIFY_EDITS", d.NotifyEdits),
		MediaGroupDebounce:  getEnvDuration("MEDIA_GROUP_DEBOUNCE", d.MediaGroupDebounce),
		TypingInterval:      getEnvDuration("TYPING_INTERVAL", d.TypingInterval),
		RunRetention:        getEnvDuration("RUN_RETENTION", d.RunRetention),
	}
}
