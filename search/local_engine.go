package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brunobiangulo/graphquery/llm"
)

// ContextBuilder assembles a single query context. Implemented by
// LocalContextBuilder; faked in tests.
type ContextBuilder interface {
	BuildContext(ctx context.Context, query string, history *ConversationHistory) (*ContextResult, error)
}

// LocalEngine answers a query from the entity neighborhood around it.
type LocalEngine struct {
	chat      llm.ChatModel
	builder   ContextBuilder
	sysPrompt string
	logger    *slog.Logger
	warnOnce  sync.Once
}

// NewLocalEngine creates a local search engine. An empty sysPrompt selects
// the default local search prompt.
func NewLocalEngine(chat llm.ChatModel, builder ContextBuilder, sysPrompt string, logger *slog.Logger) *LocalEngine {
	if sysPrompt == "" {
		sysPrompt = LocalSearchSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalEngine{
		chat:      chat,
		builder:   builder,
		sysPrompt: sysPrompt,
		logger:    logger,
	}
}

func (e *LocalEngine) prepare(ctx context.Context, query string, history *ConversationHistory, opts *SearchOptions) ([]llm.Message, *ContextResult, error) {
	result, err := e.builder.BuildContext(ctx, query, history)
	if err != nil {
		return nil, nil, fmt.Errorf("building local context: %w", err)
	}

	sys := e.sysPrompt
	if opts != nil && opts.SysPrompt != "" {
		sys = opts.SysPrompt
	}
	if !strings.Contains(sys, "{context_data}") {
		e.warnOnce.Do(func() {
			e.logger.Warn("local search: system prompt has no {context_data} placeholder")
		})
	}
	prompt := Format(sys, map[string]string{"context_data": result.Text})

	messages := make([]llm.Message, 0, history.Len()+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompt})
	messages = append(messages, history.Messages()...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: query})
	return messages, result, nil
}

// Search runs a non-streaming local search.
func (e *LocalEngine) Search(ctx context.Context, query string, history *ConversationHistory, opts *SearchOptions) (*SearchResult, error) {
	start := time.Now()

	messages, contextResult, err := e.prepare(ctx, query, history, opts)
	if err != nil {
		return nil, err
	}

	var chatOpts *llm.ChatOptions
	if opts != nil {
		chatOpts = opts.ChatOptions
	}
	resp, err := e.chat.Chat(ctx, messages, chatOpts)
	if err != nil {
		return nil, fmt.Errorf("local search chat: %w", err)
	}

	result := &SearchResult{
		Content:           resp.Content,
		Refusal:           resp.Refusal,
		FinishReason:      resp.FinishReason,
		Model:             modelName(resp.Model, e.chat),
		SystemFingerprint: resp.SystemFingerprint,
		Usage:             resp.Usage,
	}
	if opts != nil && opts.Verbose {
		result.ContextText = contextResult.Text
		result.ContextData = contextResult.Tables
		result.CompletionTime = time.Since(start).Seconds()
		result.LLMCalls = 1
	}
	return result, nil
}

// SearchStream runs a streaming local search.
func (e *LocalEngine) SearchStream(ctx context.Context, query string, history *ConversationHistory, opts *SearchOptions) (*ResultStream, error) {
	messages, contextResult, err := e.prepare(ctx, query, history, opts)
	if err != nil {
		return nil, err
	}

	var chatOpts *llm.ChatOptions
	if opts != nil {
		chatOpts = opts.ChatOptions
	}
	stream, err := e.chat.ChatStream(ctx, messages, chatOpts)
	if err != nil {
		return nil, fmt.Errorf("local search chat stream: %w", err)
	}

	out := &ResultStream{
		Model:   e.chat.Model(),
		recv:    stream.Recv,
		closeFn: stream.Close,
	}
	if opts != nil && opts.Verbose {
		out.ContextText = contextResult.Text
		out.ContextData = contextResult.Tables
		out.LLMCalls = 1
	}
	return out, nil
}

func modelName(respModel string, chat llm.ChatModel) string {
	if respModel != "" {
		return respModel
	}
	return chat.Model()
}
