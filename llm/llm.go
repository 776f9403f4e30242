// Package llm provides the chat and embedding clients used by the search
// engines, backed by any OpenAI-compatible endpoint.
package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions is the explicit set of generation options forwarded upstream.
// Anything a caller sends outside this set is dropped at the request boundary.
type ChatOptions struct {
	Temperature         *float32
	TopP                *float32
	MaxTokens           int
	MaxCompletionTokens int
	FrequencyPenalty    *float32
	PresencePenalty     *float32
	Stop                []string
	Seed                *int
	ResponseFormat      string // "", "text" or "json_object"
	ToolChoice          any
	Tools               []openai.Tool
	LogitBias           map[string]int
	LogProbs            bool
	TopLogProbs         int
	User                string
	StreamOptions       *openai.StreamOptions
	ServiceTier         string
	Store               bool
	ParallelToolCalls   any
}

// Usage reports upstream token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a whole (non-streaming) chat completion.
type ChatResponse struct {
	Model             string
	SystemFingerprint string
	Content           string
	Refusal           string
	FinishReason      string
	Usage             *Usage
}

// StreamChunk is one delta from a streaming chat completion. FinishReason
// is empty until the terminal chunk.
type StreamChunk struct {
	Model             string
	SystemFingerprint string
	Content           string
	Refusal           string
	FinishReason      string
	Usage             *Usage
}

// Stream is a pull-based chunk iterator. Recv returns io.EOF when the
// upstream stream completes; Close aborts an in-flight stream.
type Stream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

// ChatModel is the abstract chat operation both engines run over.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*ChatResponse, error)
	ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (Stream, error)
	Model() string
}

// Embedder turns text into a unit-length embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
