package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/graphquery"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON, YAML, or TOML)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	contextDir := flag.String("context", "", "Graph artifact directory (overrides config)")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := graphquery.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *contextDir != "" {
		cfg.ContextDir = *contextDir
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	client, err := graphquery.New(ctx, cfg, slog.Default())
	cancel()
	if err != nil {
		slog.Error("creating client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	h := newHandler(client)
	mux := http.NewServeMux()

	prefix := strings.TrimSuffix(cfg.Server.Prefix, "/")
	mux.HandleFunc("POST "+prefix+"/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> request id -> logging -> auth -> mux
	handler := middlewareChain(cfg.Server, mux)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "prefix", prefix)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
