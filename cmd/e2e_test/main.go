// Command e2e_test runs a live smoke test against a real artifact directory
// and a real OpenAI-compatible endpoint: one local and one global query,
// streamed and non-streamed. It is not run in CI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/graphquery"
	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/search"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	_ = godotenv.Load()

	contextDir := os.Getenv("GRAPH_RAG_OPENAI__CONTEXT_DIR")
	if contextDir == "" {
		fmt.Fprintln(os.Stderr, "GRAPH_RAG_OPENAI__CONTEXT_DIR not set")
		os.Exit(1)
	}
	if os.Getenv("OPENAI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "OPENAI_API_KEY not set")
		os.Exit(1)
	}

	cfg := graphquery.DefaultConfig()
	cfg.ApplyEnv()
	cfg.ContextDir = contextDir

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client, err := graphquery.New(ctx, cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	question := os.Getenv("GRAPHQUERY_E2E_QUESTION")
	if question == "" {
		question = "What are the main topics in this dataset?"
	}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: question}}
	opts := &search.SearchOptions{Verbose: true}

	// Local, non-streaming.
	result, err := client.Chat(ctx, graphquery.EngineLocal, msgs, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "local search: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("=== local (%d llm calls, %.1fs) ===\n%s\n\n",
		result.LLMCalls, result.CompletionTime, result.Content)

	// Global, streaming.
	stream, err := client.ChatStream(ctx, graphquery.EngineGlobal, msgs, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "global search: %v\n", err)
		os.Exit(1)
	}
	defer stream.Close()

	fmt.Printf("=== global (%d llm calls) ===\n", stream.LLMCalls)
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nstream error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(chunk.Content)
	}
	fmt.Println()

	fmt.Println("e2e test passed")
}
