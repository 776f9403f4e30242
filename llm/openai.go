package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Config configures one OpenAI-compatible endpoint.
type Config struct {
	Model      string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

func (c Config) newClient() *openai.Client {
	cc := openai.DefaultConfig(c.APIKey)
	if c.BaseURL != "" {
		cc.BaseURL = c.BaseURL
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cc.HTTPClient = &http.Client{Timeout: timeout}
	return openai.NewClientWithConfig(cc)
}

// ChatClient implements ChatModel over an OpenAI-compatible endpoint.
type ChatClient struct {
	client  *openai.Client
	model   string
	retries int
}

// NewChatClient creates a chat client.
func NewChatClient(cfg Config) *ChatClient {
	return &ChatClient{
		client:  cfg.newClient(),
		model:   cfg.Model,
		retries: cfg.MaxRetries,
	}
}

// Model returns the configured model name.
func (c *ChatClient) Model() string { return c.model }

func (c *ChatClient) buildRequest(messages []Message, opts *ChatOptions) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{Model: c.model}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if opts == nil {
		return req
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	req.MaxTokens = opts.MaxTokens
	req.MaxCompletionTokens = opts.MaxCompletionTokens
	if opts.FrequencyPenalty != nil {
		req.FrequencyPenalty = *opts.FrequencyPenalty
	}
	if opts.PresencePenalty != nil {
		req.PresencePenalty = *opts.PresencePenalty
	}
	req.Stop = opts.Stop
	req.Seed = opts.Seed
	if opts.ResponseFormat != "" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatType(opts.ResponseFormat),
		}
	}
	req.ToolChoice = opts.ToolChoice
	req.Tools = opts.Tools
	req.LogitBias = opts.LogitBias
	req.LogProbs = opts.LogProbs
	req.TopLogProbs = opts.TopLogProbs
	req.User = opts.User
	req.StreamOptions = opts.StreamOptions
	if opts.ServiceTier != "" {
		req.ServiceTier = openai.ServiceTier(opts.ServiceTier)
	}
	req.Store = opts.Store
	req.ParallelToolCalls = opts.ParallelToolCalls
	return req
}

// Chat performs a non-streaming completion with bounded retries.
func (c *ChatClient) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*ChatResponse, error) {
	req := c.buildRequest(messages, opts)

	var resp openai.ChatCompletionResponse
	err := withRetries(ctx, c.retries, "chat", func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat: no choices in response")
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Model:             resp.Model,
		SystemFingerprint: resp.SystemFingerprint,
		Content:           choice.Message.Content,
		Refusal:           choice.Message.Refusal,
		FinishReason:      string(choice.FinishReason),
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatStream starts a streaming completion. Retries cover only the stream
// opening; a broken in-flight stream surfaces to the consumer.
func (c *ChatClient) ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (Stream, error) {
	req := c.buildRequest(messages, opts)
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	var upstream *openai.ChatCompletionStream
	err := withRetries(ctx, c.retries, "chat stream", func() error {
		var err error
		upstream, err = c.client.CreateChatCompletionStream(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &openaiStream{upstream: upstream}, nil
}

type openaiStream struct {
	upstream *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (*StreamChunk, error) {
	resp, err := s.upstream.Recv()
	if err != nil {
		return nil, err
	}

	chunk := &StreamChunk{
		Model:             resp.Model,
		SystemFingerprint: resp.SystemFingerprint,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		chunk.Content = choice.Delta.Content
		chunk.Refusal = choice.Delta.Refusal
		chunk.FinishReason = string(choice.FinishReason)
	}
	if resp.Usage != nil {
		chunk.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return chunk, nil
}

func (s *openaiStream) Close() error {
	s.upstream.Close()
	return nil
}

const (
	baseRetryDelay    = 2 * time.Second
	minRateLimitDelay = 5 * time.Second
)

// retryable reports whether an upstream error warrants another attempt.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// Network and timeout errors, but never context cancellation.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func withRetries(ctx context.Context, maxRetries int, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			var apiErr *openai.APIError
			if errors.As(lastErr, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
				rateDelay := minRateLimitDelay * time.Duration(1<<(attempt-1))
				if rateDelay > delay {
					delay = rateDelay
				}
			}
			slog.Warn("llm: retrying request",
				"op", op,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
