package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/brunobiangulo/graphquery"
	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/search"
)

const requestTimeout = 5 * time.Minute

type handler struct {
	client *graphquery.Client
}

func newHandler(c *graphquery.Client) *handler {
	return &handler{client: c}
}

// chatRequest is the OpenAI-compatible completion request. The model field
// selects the engine: "local" or "global".
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`

	Temperature         *float32              `json:"temperature,omitempty"`
	TopP                *float32              `json:"top_p,omitempty"`
	MaxTokens           int                   `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	FrequencyPenalty    *float32              `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float32              `json:"presence_penalty,omitempty"`
	Stop                []string              `json:"stop,omitempty"`
	Seed                *int                  `json:"seed,omitempty"`
	ResponseFormat      *responseFormat       `json:"response_format,omitempty"`
	ToolChoice          any                   `json:"tool_choice,omitempty"`
	Tools               []openai.Tool         `json:"tools,omitempty"`
	LogitBias           map[string]int        `json:"logit_bias,omitempty"`
	LogProbs            bool                  `json:"logprobs,omitempty"`
	TopLogProbs         int                   `json:"top_logprobs,omitempty"`
	User                string                `json:"user,omitempty"`
	StreamOptions       *openai.StreamOptions `json:"stream_options,omitempty"`
	ServiceTier         string                `json:"service_tier,omitempty"`
	Store               bool                  `json:"store,omitempty"`
	ParallelToolCalls   any                   `json:"parallel_tool_calls,omitempty"`
}

// responseFormat is the OpenAI response_format object; only type is used.
type responseFormat struct {
	Type string `json:"type"`
}

func (req *chatRequest) chatOptions() *llm.ChatOptions {
	opts := &llm.ChatOptions{
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		MaxTokens:           req.MaxTokens,
		MaxCompletionTokens: req.MaxCompletionTokens,
		FrequencyPenalty:    req.FrequencyPenalty,
		PresencePenalty:     req.PresencePenalty,
		Stop:                req.Stop,
		Seed:                req.Seed,
		ToolChoice:          req.ToolChoice,
		Tools:               req.Tools,
		LogitBias:           req.LogitBias,
		LogProbs:            req.LogProbs,
		TopLogProbs:         req.TopLogProbs,
		User:                req.User,
		StreamOptions:       req.StreamOptions,
		ServiceTier:         req.ServiceTier,
		Store:               req.Store,
		ParallelToolCalls:   req.ParallelToolCalls,
	}
	if req.ResponseFormat != nil {
		opts.ResponseFormat = req.ResponseFormat.Type
	}
	return opts
}

type completionResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Created           int64              `json:"created"`
	Model             string             `json:"model"`
	SystemFingerprint string             `json:"system_fingerprint,omitempty"`
	Choices           []completionChoice `json:"choices"`
	Usage             *llm.Usage         `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

type chunkResponse struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint,omitempty"`
	Choices           []chunkChoice `json:"choices"`
	Usage             *llm.Usage    `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

// chunkChoiceFrom translates one engine chunk into a wire choice. The first
// chunk of a stream carries the assistant role in its delta.
func chunkChoiceFrom(chunk *llm.StreamChunk, first bool) chunkChoice {
	choice := chunkChoice{Delta: chunkDelta{
		Content: chunk.Content,
		Refusal: chunk.Refusal,
	}}
	if first {
		choice.Delta.Role = llm.RoleAssistant
	}
	if chunk.FinishReason != "" {
		reason := chunk.FinishReason
		choice.FinishReason = &reason
	}
	return choice
}

// completionID mirrors the upstream id shape: "chat-" and 32 hex chars.
func completionID() string {
	u := uuid.New()
	return "chat-" + hex.EncodeToString(u[:])
}

// POST {prefix}/chat/completions
func (h *handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	opts := &search.SearchOptions{ChatOptions: req.chatOptions()}

	if req.Stream {
		h.streamCompletion(ctx, w, &req, opts)
		return
	}

	result, err := h.client.Chat(ctx, req.Model, req.Messages, opts)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:                completionID(),
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             result.Model,
		SystemFingerprint: result.SystemFingerprint,
		Choices: []completionChoice{{
			Message: responseMessage{
				Role:    llm.RoleAssistant,
				Content: result.Content,
				Refusal: result.Refusal,
			},
			FinishReason: result.FinishReason,
		}},
		Usage: result.Usage,
	})
}

func (h *handler) streamCompletion(ctx context.Context, w http.ResponseWriter, req *chatRequest, opts *search.SearchOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.client.ChatStream(ctx, req.Model, req.Messages, opts)
	if err != nil {
		h.writeChatError(w, nil, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := completionID()
	created := time.Now().Unix()
	first := true

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Headers are already out; log and terminate the stream.
			slog.Error("stream receive error", "error", err)
			break
		}

		model := chunk.Model
		if model == "" {
			model = stream.Model
		}
		out := chunkResponse{
			ID:                id,
			Object:            "chat.completion.chunk",
			Created:           created,
			Model:             model,
			SystemFingerprint: chunk.SystemFingerprint,
			Usage:             chunk.Usage,
		}
		if chunk.Content != "" || chunk.Refusal != "" || chunk.FinishReason != "" || chunk.Usage == nil {
			out.Choices = []chunkChoice{chunkChoiceFrom(chunk, first)}
			first = false
		}

		writeSSE(w, out)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeChatError maps client errors to 400 and everything else to 500.
func (h *handler) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, graphquery.ErrInvalidMessage) || errors.Is(err, graphquery.ErrInvalidEngine) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("chat completion failed", "error", err)
	writeError(w, http.StatusInternalServerError, "chat completion failed")
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeSSE(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshaling SSE event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
		"code":    status,
	})
}
