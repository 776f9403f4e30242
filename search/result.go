package search

import (
	"io"

	"github.com/brunobiangulo/graphquery/llm"
)

// KeyPoint is one scored answer fragment from the global map phase.
type KeyPoint struct {
	Analyst int
	Answer  string
	Score   float64
}

// SearchResult is a whole engine answer. The verbose fields are populated
// only when the search ran with Verbose set.
type SearchResult struct {
	Content           string
	Refusal           string
	FinishReason      string
	Model             string
	SystemFingerprint string
	Usage             *llm.Usage

	// Verbose fields.
	ContextText       string
	ContextData       map[string]*Table
	CompletionTime    float64 // seconds
	LLMCalls          int
	MapResponses      [][]KeyPoint
	ReduceContextText string
}

// SearchOptions controls a single search call.
type SearchOptions struct {
	Verbose bool

	// SysPrompt overrides the engine's system prompt template.
	SysPrompt string

	// ChatOptions are forwarded to the upstream chat call.
	ChatOptions *llm.ChatOptions
}

// ResultStream is a pull-based answer stream. Recv returns io.EOF when the
// stream completes; Close aborts early and is safe after EOF. The metadata
// fields are populated before the first Recv when the search ran verbose.
type ResultStream struct {
	Model             string
	ContextText       string
	ContextData       map[string]*Table
	LLMCalls          int
	MapResponses      [][]KeyPoint
	ReduceContextText string

	recv    func() (*llm.StreamChunk, error)
	closeFn func() error
}

// Recv returns the next chunk or io.EOF at end of stream.
func (s *ResultStream) Recv() (*llm.StreamChunk, error) { return s.recv() }

// Close releases the underlying stream. Treated as a normal end-of-stream
// by the engine.
func (s *ResultStream) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

// newStaticStream produces a stream that emits content as a single chunk
// followed by a terminal stop chunk.
func newStaticStream(model, content string) *ResultStream {
	state := 0
	return &ResultStream{
		Model: model,
		recv: func() (*llm.StreamChunk, error) {
			switch state {
			case 0:
				state++
				return &llm.StreamChunk{Model: model, Content: content}, nil
			case 1:
				state++
				return &llm.StreamChunk{Model: model, FinishReason: "stop"}, nil
			default:
				return nil, io.EOF
			}
		},
	}
}
