package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string
	CORSOrigins string
	TablePrefix string
	DatabaseURL string
	JWKSURL     string // Empty disables the HTTP API auth middleware (dev only)
	LogDir      string
	LogMaxFiles int

	// Model configuration (OpenAI-compatible endpoint, OpenRouter by default)
	ModelAPIKey    string
	ModelBaseURL   string
	ChatModel      string
	AgentModel     string
	EmbeddingModel string
	// Embeddings go to OpenAI unless EMBEDDING_BASE_URL points elsewhere
	EmbeddingAPIKey  string
	EmbeddingBaseURL string
	SystemPrompt     string // text/template; empty uses the built-in prompt

	// Summarizer configuration (meridian-llm-go provider)
	SummaryProvider  string
	SummaryModel     string
	AnthropicAPIKey  string
	OpenRouterAPIKey string

	// Blob storage
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// Ephemeral state (pending queue, agent histories)
	BadgerDir        string // Empty runs badger in memory
	PendingTTL       time.Duration
	AgentHistoryTTL  time.Duration
	TelegramBotToken string
	TelegramOwner    string
	TavilyAPIKey     string

	Run RunLimits

	// Debug flags
	Debug bool // Enables DEBUG features like event IDs on run streams
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")
	openRouterKey := getEnv("OPENROUTER_API_KEY", "")

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: env,
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
		TablePrefix: getTablePrefix(env),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWKSURL:     getEnv("JWKS_URL", ""),
		LogDir:      getEnv("LOG_DIR", ""),
		LogMaxFiles: getEnvInt("LOG_MAX_FILES", 10),

		ModelAPIKey:    getEnv("MODEL_API_KEY", openRouterKey),
		ModelBaseURL:   getEnv("MODEL_BASE_URL", "https://openrouter.ai/api/v1"),
		ChatModel:      getEnv("CHAT_MODEL", "openai/o4-mini"),
		AgentModel:     getEnv("AGENT_MODEL", "openai/o4-mini"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),

		EmbeddingAPIKey:  getEnv("EMBEDDING_API_KEY", getEnv("OPENAI_API_KEY", "")),
		EmbeddingBaseURL: getEnv("EMBEDDING_BASE_URL", ""),
		SystemPrompt:     getEnv("SYSTEM_PROMPT", ""),

		SummaryProvider:  getEnv("SUMMARY_PROVIDER", "openrouter"),
		SummaryModel:     getEnv("SUMMARY_MODEL", "openai/gpt-4.1-mini"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		OpenRouterAPIKey: openRouterKey,

		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UsePathStyle:    getEnvBool("S3_USE_PATH_STYLE", false),

		BadgerDir:        getEnv("BADGER_DIR", ""),
		PendingTTL:       getEnvDuration("PENDING_TTL", 24*time.Hour),
		AgentHistoryTTL:  getEnvDuration("AGENT_HISTORY_TTL", 0),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramOwner:    getEnv("TELEGRAM_BOT_OWNER", ""),
		TavilyAPIKey:     getEnv("TAVILY_API_KEY", ""),

		Run: loadRunLimits(),

		// Debug flags - default to true in dev/test, false in production
		Debug: getEnv("DEBUG", getDefaultDebug(env)) == "true",
	}
}

// IsDev reports whether the process runs with in-memory fallbacks allowed.
func (c *Config) IsDev() bool {
	return c.Environment == "dev" || c.Environment == "test"
}

// getDefaultDebug returns the default debug setting based on environment
func getDefaultDebug(env string) string {
	if env == "prod" {
		return "false"
	}
	return "true"
}

// getTablePrefix returns the table prefix based on environment
func getTablePrefix(env string) string {
	if prefix := os.Getenv("TABLE_PREFIX"); prefix != "" {
		return prefix
	}

	switch env {
	case "prod":
		return "prod_"
	case "test":
		return "test_"
	default:
		return "dev_"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
