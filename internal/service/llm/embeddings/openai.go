package embeddings

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	llmSvc "raven/internal/domain/services/llm"
)

// Config contains configuration for the OpenAI-compatible embedder.
type Config struct {
	APIKey  string
	BaseURL string // Optional custom base URL
	Model   string // text-embedding-3-small or text-embedding-3-large
}

// OpenAIEmbedder implements Embedder with the embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

var _ llmSvc.Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAI creates a new embedder.
func NewOpenAI(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}, nil
}

// Dimensions returns the vector size of a known embedding model.
func Dimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case HashModel:
		return hashDimensions
	default:
		return 1536
	}
}

// Embed generates embeddings for texts, in input order.
func (p *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("create embeddings: index %d out of range", data.Index)
		}
		results[data.Index] = data.Embedding
	}
	return results, nil
}
