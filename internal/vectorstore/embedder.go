package vectorstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbedderConfig configures the langchaingo-backed embedder. Any
// OpenAI-compatible endpoint works, including a local TEI server.
type EmbedderConfig struct {
	// BaseURL is the embedding API endpoint.
	// For TEI: http://localhost:8080/v1
	// For OpenAI: https://api.openai.com/v1
	BaseURL string

	// Model is the embedding model name.
	Model string

	// APIKey is required for OpenAI, optional for TEI.
	APIKey string
}

// Validate validates the configuration.
func (c EmbedderConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// NewLangchainEmbedder creates an Embedder on langchaingo's OpenAI client.
// langchaingo's embeddings.Embedder satisfies this package's Embedder
// interface directly.
func NewLangchainEmbedder(config EmbedderConfig) (Embedder, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token; TEI ignores it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return embedder, nil
}

// HashEmbedder is a deterministic, offline embedder: it hashes tokens into a
// fixed-size bag-of-words vector. Retrieval quality is far below a real
// embedding model, but it keeps similarity search functional without any
// network dependency and gives tests reproducible vectors.
type HashEmbedder struct {
	// Dim is the vector dimension. Default 256.
	Dim int
}

// NewHashEmbedder creates a HashEmbedder with the default dimension.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dim: 256}
}

// EmbedDocuments implements Embedder.
func (h *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

// EmbedQuery implements Embedder.
func (h *HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return h.embed(text), nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	dim := h.Dim
	if dim <= 0 {
		dim = 256
	}

	vec := make([]float32, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		hash := fnv.New32a()
		_, _ = hash.Write([]byte(tok))
		vec[hash.Sum32()%uint32(dim)]++
	}

	// L2-normalize so cosine similarity behaves.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
