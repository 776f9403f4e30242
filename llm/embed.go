package llm

import (
	"context"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/brunobiangulo/graphquery/token"
)

// DefaultEmbedWindow is the per-request token limit for embedding input.
const DefaultEmbedWindow = 8191

// EmbedClient implements Embedder over an OpenAI-compatible endpoint.
// Long input is split into token windows which are embedded separately and
// combined with a length-weighted average, then L2-normalized.
type EmbedClient struct {
	client    *openai.Client
	model     string
	retries   int
	counter   token.Counter
	maxTokens int
}

// NewEmbedClient creates an embedding client. counter may be nil, in which
// case the word-count estimator is used for window splitting.
func NewEmbedClient(cfg Config, counter token.Counter) *EmbedClient {
	if counter == nil {
		counter = token.Estimator{}
	}
	return &EmbedClient{
		client:    cfg.newClient(),
		model:     cfg.Model,
		retries:   cfg.MaxRetries,
		counter:   counter,
		maxTokens: DefaultEmbedWindow,
	}
}

// Embed returns a unit-length embedding for text of any size.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	chunks := c.counter.Split(text, c.maxTokens)
	if len(chunks) == 0 {
		chunks = []string{text}
	}

	weights := make([]int, len(chunks))
	for i, ch := range chunks {
		weights[i] = c.counter.Count(ch)
	}

	var resp openai.EmbeddingResponse
	err := withRetries(ctx, c.retries, "embed", func() error {
		var err error
		resp, err = c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(c.model),
			Input: chunks,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d windows: %w", len(chunks), err)
	}
	if len(resp.Data) != len(chunks) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d windows",
			len(resp.Data), len(chunks))
	}

	vectors := make([][]float32, len(chunks))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding: index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	return combineEmbeddings(vectors, weights)
}

// combineEmbeddings averages window vectors weighted by window token length
// and normalizes the result to unit length.
func combineEmbeddings(vectors [][]float32, weights []int) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("combining embeddings: no vectors")
	}
	if len(vectors) == 1 {
		return normalize(vectors[0]), nil
	}

	dim := len(vectors[0])
	var totalWeight float64
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("combining embeddings: dimension mismatch %d vs %d",
				len(v), dim)
		}
		w := float64(weights[i])
		if w <= 0 {
			w = 1
		}
		totalWeight += w
		for j, f := range v {
			sum[j] += float64(f) * w
		}
	}

	out := make([]float32, dim)
	for j := range sum {
		out[j] = float32(sum[j] / totalWeight)
	}
	return normalize(out), nil
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
