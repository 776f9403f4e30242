package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/token"
)

// BatchContextBuilder produces the map-phase context batches. Implemented
// by GlobalContextBuilder; faked in tests.
type BatchContextBuilder interface {
	BuildBatches(ctx context.Context, query string, history *ConversationHistory) ([]string, map[string]*Table, error)
}

// GlobalEngineConfig holds the map-reduce policy knobs.
type GlobalEngineConfig struct {
	MapSysPrompt           string
	ReduceSysPrompt        string
	GeneralKnowledgePrompt string
	AllowGeneralKnowledge  bool
	NoDataAnswer           string

	// MaxDataTokens bounds the packed analyst blocks fed to reduce.
	MaxDataTokens int

	// Concurrency bounds in-flight map calls. 1 degenerates to a plain loop.
	Concurrency int

	MapMaxTokens    int
	ReduceMaxTokens int
}

func (c *GlobalEngineConfig) applyDefaults() {
	if c.MapSysPrompt == "" {
		c.MapSysPrompt = GlobalMapSystemPrompt
	}
	if c.ReduceSysPrompt == "" {
		c.ReduceSysPrompt = GlobalReduceSystemPrompt
	}
	if c.GeneralKnowledgePrompt == "" {
		c.GeneralKnowledgePrompt = GeneralKnowledgeInstruction
	}
	if c.NoDataAnswer == "" {
		c.NoDataAnswer = DefaultNoDataAnswer
	}
	if c.MaxDataTokens == 0 {
		c.MaxDataTokens = 8000
	}
	if c.Concurrency == 0 {
		c.Concurrency = 16
	}
	if c.MapMaxTokens == 0 {
		c.MapMaxTokens = 1000
	}
	if c.ReduceMaxTokens == 0 {
		c.ReduceMaxTokens = 2000
	}
}

// GlobalEngine answers a query by mapping it over batches of community
// reports and reducing the scored key points into one answer.
type GlobalEngine struct {
	chat    llm.ChatModel
	builder BatchContextBuilder
	counter token.Counter
	cfg     GlobalEngineConfig
	logger  *slog.Logger
	sem     *semaphore.Weighted
}

// NewGlobalEngine creates a global search engine.
func NewGlobalEngine(chat llm.ChatModel, builder BatchContextBuilder, counter token.Counter, cfg GlobalEngineConfig, logger *slog.Logger) *GlobalEngine {
	cfg.applyDefaults()
	if counter == nil {
		counter = token.Estimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalEngine{
		chat:    chat,
		builder: builder,
		counter: counter,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// mapPhase fans the query out over the context batches, at most
// Concurrency calls in flight. A failed batch yields one empty point so it
// never poisons the reduce phase.
func (e *GlobalEngine) mapPhase(ctx context.Context, query string, batches []string) [][]KeyPoint {
	results := make([][]KeyPoint, len(batches))
	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch string) {
			defer wg.Done()
			analyst := i + 1
			if err := e.sem.Acquire(ctx, 1); err != nil {
				results[i] = []KeyPoint{{Analyst: analyst}}
				return
			}
			defer e.sem.Release(1)

			points, err := e.mapBatch(ctx, query, batch, analyst)
			if err != nil {
				e.logger.Warn("global search: map batch failed",
					"batch", i, "error", err)
				results[i] = []KeyPoint{{Analyst: analyst}}
				return
			}
			results[i] = points
		}(i, batch)
	}
	wg.Wait()
	return results
}

func (e *GlobalEngine) mapBatch(ctx context.Context, query, batch string, analyst int) ([]KeyPoint, error) {
	prompt := Format(e.cfg.MapSysPrompt, map[string]string{
		"context_data": batch,
		"query":        query,
	})
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: query},
	}
	opts := &llm.ChatOptions{
		MaxTokens:      e.cfg.MapMaxTokens,
		ResponseFormat: "json_object",
	}
	resp, err := e.chat.Chat(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	return parseKeyPoints(resp.Content, analyst), nil
}

// parseKeyPoints decodes {"points": [{"description", "score"}, ...]} from
// model output, attempting JSON repair first. Output that is not an object
// with a points list yields one empty zero-score point.
func parseKeyPoints(content string, analyst int) []KeyPoint {
	fallback := []KeyPoint{{Analyst: analyst}}

	obj, ok := parseJSONObject(content)
	if !ok {
		return fallback
	}
	raw, ok := obj["points"].([]any)
	if !ok {
		return fallback
	}

	points := make([]KeyPoint, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		desc, _ := m["description"].(string)
		score, ok := m["score"].(float64)
		if !ok {
			continue
		}
		points = append(points, KeyPoint{Analyst: analyst, Answer: desc, Score: score})
	}
	return points
}

// collectPoints flattens map results keeping only positive scores.
func collectPoints(mapResults [][]KeyPoint) []KeyPoint {
	var out []KeyPoint
	for _, batch := range mapResults {
		for _, p := range batch {
			if p.Score > 0 {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// packPoints renders analyst blocks in score order into the reduce data
// budget. Truncation is logged, never fatal.
func (e *GlobalEngine) packPoints(points []KeyPoint) string {
	var blocks []string
	text := ""
	for i, p := range points {
		block := fmt.Sprintf("----Analyst %d----\nImportance score: %s\n%s",
			p.Analyst, strconv.FormatFloat(p.Score, 'f', -1, 64), p.Answer)
		next := strings.Join(append(blocks, block), "\n\n")
		if e.counter.Count(next) > e.cfg.MaxDataTokens {
			e.logger.Warn("global search: reduce context truncated",
				"kept", i, "total", len(points))
			break
		}
		blocks = append(blocks, block)
		text = next
	}
	return text
}

func (e *GlobalEngine) reduceMessages(query, reduceContext string) []llm.Message {
	sys := Format(e.cfg.ReduceSysPrompt, map[string]string{
		"report_data": reduceContext,
	})
	if e.cfg.AllowGeneralKnowledge {
		sys += "\n" + e.cfg.GeneralKnowledgePrompt
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: sys},
		{Role: llm.RoleUser, Content: query},
	}
}

func (e *GlobalEngine) reduceOpts(opts *SearchOptions) *llm.ChatOptions {
	var chatOpts llm.ChatOptions
	if opts != nil && opts.ChatOptions != nil {
		chatOpts = *opts.ChatOptions
	}
	if chatOpts.MaxTokens == 0 && chatOpts.MaxCompletionTokens == 0 {
		chatOpts.MaxTokens = e.cfg.ReduceMaxTokens
	}
	return &chatOpts
}

// Search runs a non-streaming global search.
func (e *GlobalEngine) Search(ctx context.Context, query string, history *ConversationHistory, opts *SearchOptions) (*SearchResult, error) {
	start := time.Now()

	batches, tables, err := e.builder.BuildBatches(ctx, query, history)
	if err != nil {
		return nil, fmt.Errorf("building global context: %w", err)
	}

	mapResults := e.mapPhase(ctx, query, batches)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	points := collectPoints(mapResults)

	verbose := opts != nil && opts.Verbose
	fill := func(r *SearchResult, reduceContext string, llmCalls int) {
		if !verbose {
			return
		}
		r.ContextText = strings.Join(batches, "\n\n")
		r.ContextData = tables
		r.CompletionTime = time.Since(start).Seconds()
		r.LLMCalls = llmCalls
		r.MapResponses = mapResults
		r.ReduceContextText = reduceContext
	}

	if len(points) == 0 && !e.cfg.AllowGeneralKnowledge {
		result := &SearchResult{
			Content:      e.cfg.NoDataAnswer,
			FinishReason: "stop",
			Model:        e.chat.Model(),
		}
		fill(result, "", len(batches))
		return result, nil
	}

	reduceContext := e.packPoints(points)
	resp, err := e.chat.Chat(ctx, e.reduceMessages(query, reduceContext), e.reduceOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("global search reduce: %w", err)
	}

	result := &SearchResult{
		Content:           resp.Content,
		Refusal:           resp.Refusal,
		FinishReason:      resp.FinishReason,
		Model:             modelName(resp.Model, e.chat),
		SystemFingerprint: resp.SystemFingerprint,
		Usage:             resp.Usage,
	}
	fill(result, reduceContext, len(batches)+1)
	return result, nil
}

// SearchStream runs a global search with a streaming reduce phase. The map
// phase still completes before the first chunk is available.
func (e *GlobalEngine) SearchStream(ctx context.Context, query string, history *ConversationHistory, opts *SearchOptions) (*ResultStream, error) {
	batches, tables, err := e.builder.BuildBatches(ctx, query, history)
	if err != nil {
		return nil, fmt.Errorf("building global context: %w", err)
	}

	mapResults := e.mapPhase(ctx, query, batches)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	points := collectPoints(mapResults)

	verbose := opts != nil && opts.Verbose
	fill := func(s *ResultStream, reduceContext string, llmCalls int) {
		if !verbose {
			return
		}
		s.ContextText = strings.Join(batches, "\n\n")
		s.ContextData = tables
		s.LLMCalls = llmCalls
		s.MapResponses = mapResults
		s.ReduceContextText = reduceContext
	}

	if len(points) == 0 && !e.cfg.AllowGeneralKnowledge {
		stream := newStaticStream(e.chat.Model(), e.cfg.NoDataAnswer)
		fill(stream, "", len(batches))
		return stream, nil
	}

	reduceContext := e.packPoints(points)
	upstream, err := e.chat.ChatStream(ctx, e.reduceMessages(query, reduceContext), e.reduceOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("global search reduce stream: %w", err)
	}

	out := &ResultStream{
		Model:   e.chat.Model(),
		recv:    upstream.Recv,
		closeFn: upstream.Close,
	}
	fill(out, reduceContext, len(batches)+1)
	return out, nil
}
