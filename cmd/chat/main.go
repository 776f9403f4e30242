// Command chat runs an interactive query session against a graph artifact
// directory, using the local or global search engine.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/graphquery"
	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/search"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON, YAML, or TOML)")
	contextDir := flag.String("context", "", "Graph artifact directory (overrides config)")
	engine := flag.String("engine", graphquery.EngineLocal, "Search engine: local or global")
	stream := flag.Bool("stream", true, "Stream answers as they are generated")
	verbose := flag.Bool("verbose", false, "Print context statistics after each answer")
	query := flag.String("q", "", "Single query; answer and exit instead of a session")
	flag.Parse()

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	_ = godotenv.Load()

	cfg, err := graphquery.LoadConfig(*configPath)
	if err != nil {
		fatal("loading config: %v", err)
	}
	if *contextDir != "" {
		cfg.ContextDir = *contextDir
	}
	if *engine != graphquery.EngineLocal && *engine != graphquery.EngineGlobal {
		fatal("unknown engine %q: want local or global", *engine)
	}

	ctx := context.Background()
	client, err := graphquery.New(ctx, cfg, slog.Default())
	if err != nil {
		fatal("creating client: %v", err)
	}
	defer client.Close()

	opts := &search.SearchOptions{Verbose: *verbose}

	if *query != "" {
		msgs := []llm.Message{{Role: llm.RoleUser, Content: *query}}
		if err := answer(ctx, client, *engine, msgs, opts, *stream); err != nil {
			fatal("%v", err)
		}
		return
	}

	fmt.Printf("engine: %s (type a question, or \"exit\")\n", *engine)
	var msgs []llm.Message
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: line})
		content, err := answerCollect(ctx, client, *engine, msgs, opts, *stream)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			msgs = msgs[:len(msgs)-1]
			continue
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: content})
	}
}

func answer(ctx context.Context, client *graphquery.Client, engine string, msgs []llm.Message, opts *search.SearchOptions, stream bool) error {
	_, err := answerCollect(ctx, client, engine, msgs, opts, stream)
	return err
}

// answerCollect prints the answer and returns the full text for history.
func answerCollect(ctx context.Context, client *graphquery.Client, engine string, msgs []llm.Message, opts *search.SearchOptions, stream bool) (string, error) {
	if !stream {
		result, err := client.Chat(ctx, engine, msgs, opts)
		if err != nil {
			return "", err
		}
		fmt.Println(result.Content)
		printStats(opts, result.LLMCalls, result.CompletionTime)
		return result.Content, nil
	}

	rs, err := client.ChatStream(ctx, engine, msgs, opts)
	if err != nil {
		return "", err
	}
	defer rs.Close()

	var b strings.Builder
	for {
		chunk, err := rs.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		fmt.Print(chunk.Content)
		b.WriteString(chunk.Content)
	}
	fmt.Println()
	printStats(opts, rs.LLMCalls, 0)
	return b.String(), nil
}

func printStats(opts *search.SearchOptions, llmCalls int, seconds float64) {
	if !opts.Verbose {
		return
	}
	if seconds > 0 {
		fmt.Fprintf(os.Stderr, "[llm calls: %d, time: %.2fs]\n", llmCalls, seconds)
	} else {
		fmt.Fprintf(os.Stderr, "[llm calls: %d]\n", llmCalls)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
