// Package graphquery answers questions over a pre-built knowledge graph.
// It loads the artifact tables produced by the offline indexing pipeline
// and serves two query engines: local search over the entity neighborhood
// of a question, and global search that map-reduces over community reports.
package graphquery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/search"
	"github.com/brunobiangulo/graphquery/store"
	"github.com/brunobiangulo/graphquery/token"
	"github.com/brunobiangulo/graphquery/vector"
)

// Engine names accepted by Chat and ChatStream.
const (
	EngineLocal  = "local"
	EngineGlobal = "global"
)

// Client is the query facade. One Client owns the loaded artifacts, the
// entity vector store, and both search engines. It is safe for concurrent
// use.
type Client struct {
	cfg     Config
	counter token.Counter
	chat    *llm.ChatClient
	local   *search.LocalEngine
	global  *search.GlobalEngine
	vstore  vector.Store
	logger  *slog.Logger
}

// New loads the artifact directory, populates the entity vector store, and
// constructs both engines. The context bounds the embedding load.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	counter := token.ForEncoding(cfg.EncodingModel)
	chat := llm.NewChatClient(llm.Config{
		Model:      cfg.Chat.Model,
		BaseURL:    cfg.Chat.BaseURL,
		APIKey:     cfg.Chat.APIKey,
		Timeout:    cfg.Chat.Timeout(),
		MaxRetries: cfg.Chat.MaxRetries,
	})
	embedder := llm.NewEmbedClient(llm.Config{
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Timeout:    cfg.Embedding.Timeout(),
		MaxRetries: cfg.Embedding.MaxRetries,
	}, counter)

	tables, err := store.Read(cfg.ContextDir)
	if err != nil {
		return nil, err
	}

	localBuilder, vstore, err := tables.LocalBuilder(ctx, store.BuilderOptions{
		CommunityLevel: cfg.Local.CommunityLevel,
		Embedder:       embedder,
		Counter:        counter,
		StorePath:      cfg.VectorStorePath,
		Logger:         logger,
	}, search.LocalContextConfig{
		MaxTokens:         cfg.Local.MaxContextTokens,
		CommunityProp:     cfg.Local.CommunityProp,
		TextUnitProp:      cfg.Local.TextUnitProp,
		TopKEntities:      cfg.Local.TopKEntities,
		TopKRelationships: cfg.Local.TopKRelationships,
		HistoryMaxTurns:   cfg.Local.HistoryMaxTurns,
	})
	if err != nil {
		return nil, err
	}

	globalBuilder := tables.GlobalBuilder(store.BuilderOptions{
		CommunityLevel: cfg.Global.CommunityLevel,
		Counter:        counter,
		Logger:         logger,
	}, search.GlobalContextConfig{
		BatchMaxTokens: cfg.Global.BatchMaxTokens,
	})

	c := &Client{
		cfg:     cfg,
		counter: counter,
		chat:    chat,
		vstore:  vstore,
		logger:  logger,
		local:   search.NewLocalEngine(chat, localBuilder, "", logger),
		global: search.NewGlobalEngine(chat, globalBuilder, counter, search.GlobalEngineConfig{
			MaxDataTokens:         cfg.Global.MaxDataTokens,
			Concurrency:           cfg.Global.Concurrency,
			AllowGeneralKnowledge: cfg.Global.AllowGeneralKnowledge,
			NoDataAnswer:          cfg.Global.NoDataAnswer,
		}, logger),
	}
	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config { return c.cfg }

// ValidateMessages checks the chat message shape: at least one message,
// every message non-empty with role user or assistant, roles alternating
// starting with user, and the last message from the user.
func ValidateMessages(msgs []llm.Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: empty message list", ErrInvalidMessage)
	}
	for i, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: message %d has empty content", ErrInvalidMessage, i)
		}
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
		case llm.RoleSystem:
			return fmt.Errorf("%w: system messages are not accepted", ErrInvalidMessage)
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidMessage, i, m.Role)
		}
		want := llm.RoleUser
		if i%2 == 1 {
			want = llm.RoleAssistant
		}
		if m.Role != want {
			return fmt.Errorf("%w: roles must alternate starting with user, message %d should be %q",
				ErrInvalidMessage, i, want)
		}
	}
	if msgs[len(msgs)-1].Role != llm.RoleUser {
		return fmt.Errorf("%w: last message must be from the user", ErrInvalidMessage)
	}
	return nil
}

// splitQuery separates the final user query from the preceding turns.
func splitQuery(msgs []llm.Message) (string, *search.ConversationHistory) {
	query := msgs[len(msgs)-1].Content
	return query, search.HistoryFromMessages(msgs[:len(msgs)-1])
}

// Chat answers the conversation with the named engine.
func (c *Client) Chat(ctx context.Context, engine string, msgs []llm.Message, opts *search.SearchOptions) (*search.SearchResult, error) {
	if err := ValidateMessages(msgs); err != nil {
		return nil, err
	}
	query, history := splitQuery(msgs)

	switch engine {
	case EngineLocal:
		return c.local.Search(ctx, query, history, opts)
	case EngineGlobal:
		return c.global.Search(ctx, query, history, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEngine, engine)
	}
}

// ChatStream answers the conversation with the named engine, streaming the
// final completion.
func (c *Client) ChatStream(ctx context.Context, engine string, msgs []llm.Message, opts *search.SearchOptions) (*search.ResultStream, error) {
	if err := ValidateMessages(msgs); err != nil {
		return nil, err
	}
	query, history := splitQuery(msgs)

	switch engine {
	case EngineLocal:
		return c.local.SearchStream(ctx, query, history, opts)
	case EngineGlobal:
		return c.global.SearchStream(ctx, query, history, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEngine, engine)
	}
}

// Close releases the entity vector store.
func (c *Client) Close() error {
	if c.vstore == nil {
		return nil
	}
	return c.vstore.Close()
}
