package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/brunobiangulo/graphquery"
	"github.com/brunobiangulo/graphquery/llm"
)

// Artifact row shapes used to lay out a minimal valid context directory.
type testNodeRow struct {
	Title     string   `parquet:"title"`
	Level     *int64   `parquet:"level,optional"`
	Degree    *int64   `parquet:"degree,optional"`
	Community *string  `parquet:"community,optional"`
	Rank      *float64 `parquet:"rank,optional"`
}

type testEntityRow struct {
	ID                   string    `parquet:"id"`
	Title                string    `parquet:"title"`
	ShortID              *string   `parquet:"human_readable_id,optional"`
	Type                 *string   `parquet:"type,optional"`
	Description          *string   `parquet:"description,optional"`
	DescriptionEmbedding []float32 `parquet:"description_embedding,list"`
	GraphEmbedding       []float32 `parquet:"graph_embedding,list"`
	TextUnitIDs          []string  `parquet:"text_unit_ids,list"`
}

type testReportRow struct {
	ID          string   `parquet:"id"`
	ShortID     *string  `parquet:"human_readable_id,optional"`
	Community   string   `parquet:"community"`
	Level       *int64   `parquet:"level,optional"`
	Title       string   `parquet:"title"`
	Summary     string   `parquet:"summary"`
	FullContent string   `parquet:"full_content"`
	Rank        *float64 `parquet:"rank,optional"`
}

type testTextUnitRow struct {
	ID              string   `parquet:"id"`
	ShortID         *string  `parquet:"human_readable_id,optional"`
	Text            string   `parquet:"text"`
	NTokens         *int64   `parquet:"n_tokens,optional"`
	EntityIDs       []string `parquet:"entity_ids,list"`
	RelationshipIDs []string `parquet:"relationship_ids,list"`
}

type testRelationshipRow struct {
	ID          string   `parquet:"id"`
	ShortID     *string  `parquet:"human_readable_id,optional"`
	Source      string   `parquet:"source"`
	Target      string   `parquet:"target"`
	Weight      *float64 `parquet:"weight,optional"`
	Description *string  `parquet:"description,optional"`
	TextUnitIDs []string `parquet:"text_unit_ids,list"`
	Rank        *float64 `parquet:"rank,optional"`
}

// writeEmptyArtifacts creates a context directory whose tables are present
// but empty, so global search takes the no-data path without upstream calls.
func writeEmptyArtifacts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestTable(t, dir, "nodes.parquet", []testNodeRow{})
	writeTestTable(t, dir, "entities.parquet", []testEntityRow{})
	writeTestTable(t, dir, "community_reports.parquet", []testReportRow{})
	writeTestTable(t, dir, "text_units.parquet", []testTextUnitRow{})
	writeTestTable(t, dir, "relationships.parquet", []testRelationshipRow{})
	return dir
}

func writeTestTable[T any](t *testing.T, dir, name string, rows []T) {
	t.Helper()
	if err := parquet.WriteFile(filepath.Join(dir, name), rows); err != nil {
		t.Fatal(err)
	}
}

func newTestHandler(t *testing.T) *handler {
	t.Helper()
	cfg := graphquery.DefaultConfig()
	cfg.ContextDir = writeEmptyArtifacts(t)
	cfg.EncodingModel = "" // word estimator; no tokenizer download in tests

	client, err := graphquery.New(t.Context(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return newHandler(client)
}

func postCompletion(h *handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.handleChatCompletions(w, req)
	return w
}

func TestChatCompletionsInvalidJSON(t *testing.T) {
	h := newTestHandler(t)
	if w := postCompletion(h, "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestChatCompletionsMissingModel(t *testing.T) {
	h := newTestHandler(t)
	w := postCompletion(h, `{"messages": [{"role": "user", "content": "hi"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestChatCompletionsUnknownEngine(t *testing.T) {
	h := newTestHandler(t)
	w := postCompletion(h, `{"model": "hybrid", "messages": [{"role": "user", "content": "hi"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestChatCompletionsMessageValidation(t *testing.T) {
	h := newTestHandler(t)
	bodies := []string{
		`{"model": "global", "messages": []}`,
		`{"model": "global", "messages": [{"role": "system", "content": "be brief"}, {"role": "user", "content": "hi"}]}`,
		`{"model": "global", "messages": [{"role": "user", "content": "hi"}, {"role": "assistant", "content": "hello"}]}`,
		`{"model": "global", "messages": [{"role": "user", "content": ""}]}`,
	}
	for _, body := range bodies {
		if w := postCompletion(h, body); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status %d, want 400", body, w.Code)
		}
	}
}

func TestChatRequestOptionsPassthrough(t *testing.T) {
	body := `{
		"model": "local",
		"messages": [{"role": "user", "content": "hi"}],
		"temperature": 0.5,
		"response_format": {"type": "json_object"},
		"tool_choice": "none",
		"tools": [{"type": "function", "function": {"name": "lookup"}}],
		"logit_bias": {"42": -5},
		"logprobs": true,
		"top_logprobs": 2,
		"stream_options": {"include_usage": true},
		"service_tier": "default",
		"store": true,
		"parallel_tool_calls": false
	}`
	var req chatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}

	opts := req.chatOptions()
	if opts.Temperature == nil || *opts.Temperature != 0.5 {
		t.Errorf("temperature: %v", opts.Temperature)
	}
	if opts.ResponseFormat != "json_object" {
		t.Errorf("response format: %q", opts.ResponseFormat)
	}
	if opts.ToolChoice != "none" || len(opts.Tools) != 1 || opts.Tools[0].Function.Name != "lookup" {
		t.Errorf("tool options: %+v", opts)
	}
	if !opts.LogProbs || opts.TopLogProbs != 2 || opts.LogitBias["42"] != -5 {
		t.Errorf("logprob options: %+v", opts)
	}
	if opts.StreamOptions == nil || !opts.StreamOptions.IncludeUsage {
		t.Errorf("stream options: %+v", opts.StreamOptions)
	}
	if opts.ServiceTier != "default" || !opts.Store {
		t.Errorf("service options: %+v", opts)
	}
	if v, ok := opts.ParallelToolCalls.(bool); !ok || v {
		t.Errorf("parallel tool calls: %v", opts.ParallelToolCalls)
	}
}

func TestChunkChoiceTranslation(t *testing.T) {
	first := chunkChoiceFrom(&llm.StreamChunk{Content: "hello"}, true)
	if first.Delta.Role != "assistant" || first.Delta.Content != "hello" || first.FinishReason != nil {
		t.Errorf("first chunk: %+v", first)
	}

	refusal := chunkChoiceFrom(&llm.StreamChunk{Refusal: "cannot help"}, false)
	if refusal.Delta.Role != "" || refusal.Delta.Refusal != "cannot help" {
		t.Errorf("refusal chunk: %+v", refusal)
	}

	last := chunkChoiceFrom(&llm.StreamChunk{FinishReason: "stop"}, false)
	if last.FinishReason == nil || *last.FinishReason != "stop" {
		t.Errorf("terminal chunk: %+v", last)
	}
}

func TestChatCompletionsGlobalNoData(t *testing.T) {
	h := newTestHandler(t)
	w := postCompletion(h, `{"model": "global", "messages": [{"role": "user", "content": "what is known?"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	var resp completionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object: %q", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "chat-") || len(resp.ID) != len("chat-")+32 {
		t.Errorf("id shape: %q", resp.ID)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices: %d", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message.Role != "assistant" {
		t.Errorf("role: %q", choice.Message.Role)
	}
	if !strings.Contains(choice.Message.Content, "unable to answer") {
		t.Errorf("content: %q", choice.Message.Content)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish reason: %q", choice.FinishReason)
	}
}

func TestChatCompletionsGlobalNoDataStream(t *testing.T) {
	h := newTestHandler(t)
	w := postCompletion(h, `{"model": "global", "stream": true, "messages": [{"role": "user", "content": "what is known?"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Errorf("content type: %q", ct)
	}

	body := w.Body.String()
	if got := strings.Count(body, "data: [DONE]\n\n"); got != 1 {
		t.Errorf("got %d [DONE] terminators, want exactly 1:\n%s", got, body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]:\n%s", body)
	}

	events := strings.Split(strings.TrimSpace(body), "\n\n")
	if len(events) < 2 {
		t.Fatalf("too few events: %v", events)
	}
	var first chunkResponse
	if err := json.Unmarshal([]byte(strings.TrimPrefix(events[0], "data: ")), &first); err != nil {
		t.Fatal(err)
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("chunk object: %q", first.Object)
	}
	if len(first.Choices) != 1 || first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk delta: %+v", first.Choices)
	}
	if !strings.Contains(first.Choices[0].Delta.Content, "unable to answer") {
		t.Errorf("first chunk content: %q", first.Choices[0].Delta.Content)
	}
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	protected := authMiddleware([]string{"secret"}, next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: got %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: got %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid key: got %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health bypass: got %d, want 200", w.Code)
	}
}

func TestMiddlewareChainCorrelatesRejectedRequests(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	chain := middlewareChain(graphquery.ServerConfig{APIKeys: []string{"secret"}}, next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", w.Code)
	}
	id := w.Header().Get("x-request-id")
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+32 {
		t.Errorf("401 response missing request id: %q", id)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	wrapped := requestIDMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)
	id := w.Header().Get("x-request-id")
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+32 {
		t.Errorf("generated id: %q", id)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("x-request-id", "req_given")
	w = httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)
	if got := w.Header().Get("x-request-id"); got != "req_given" {
		t.Errorf("echoed id: %q", got)
	}
}
