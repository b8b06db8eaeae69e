package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	llmSvc "raven/internal/domain/services/llm"
)

// HashModel names the local hashing embedder in configuration.
const HashModel = "local-hash"

const hashDimensions = 256

// HashEmbedder is a deterministic bag-of-words embedder using feature hashing.
// It needs no network and keeps dev setups and tests self-contained.
type HashEmbedder struct {
	dims int
}

var _ llmSvc.Embedder = (*HashEmbedder)(nil)

// NewHash creates a hashing embedder.
func NewHash() *HashEmbedder {
	return &HashEmbedder{dims: hashDimensions}
}

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	v := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(w))
		sum := hasher.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[int(sum>>1)%h.dims] += sign
	}

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}
