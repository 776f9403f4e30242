package search

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/brunobiangulo/graphquery/model"
	"github.com/brunobiangulo/graphquery/token"
)

// GlobalContextConfig holds the policy knobs for global context batching.
type GlobalContextConfig struct {
	// BatchMaxTokens bounds each map-phase context batch. Zero means no
	// budget at all: no report fits and no batches are produced.
	BatchMaxTokens int

	// UseCommunitySummary renders report summaries instead of full content.
	UseCommunitySummary  bool
	IncludeCommunityRank bool

	// ShuffleSeed, when non-zero, shuffles reports deterministically
	// instead of ordering by rank.
	ShuffleSeed int64

	// History rendering inside each batch.
	HistoryMaxTurns  int
	HistoryUserOnly  bool
	HistoryMaxTokens int

	ColumnDelimiter string
	ContextName     string
}

func (c *GlobalContextConfig) applyDefaults() {
	if c.HistoryMaxTurns == 0 {
		c.HistoryMaxTurns = 5
	}
	if c.HistoryMaxTokens == 0 {
		c.HistoryMaxTokens = 2000
	}
	if c.ColumnDelimiter == "" {
		c.ColumnDelimiter = DefaultColumnDelimiter
	}
	if c.ContextName == "" {
		c.ContextName = "Reports"
	}
}

// GlobalContextBuilder batches community reports into map-phase context
// chunks, each within the batch token budget.
type GlobalContextBuilder struct {
	reports []*model.CommunityReport
	counter token.Counter
	cfg     GlobalContextConfig
	logger  *slog.Logger
}

// NewGlobalContextBuilder creates a builder over the given reports.
func NewGlobalContextBuilder(reports []*model.CommunityReport, counter token.Counter, cfg GlobalContextConfig, logger *slog.Logger) *GlobalContextBuilder {
	cfg.applyDefaults()
	if counter == nil {
		counter = token.Estimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalContextBuilder{
		reports: reports,
		counter: counter,
		cfg:     cfg,
		logger:  logger,
	}
}

// BuildBatches renders the reports as one or more context strings, each
// within the batch budget. Conversation history, when present, is rendered
// once and prepended to every batch.
func (b *GlobalContextBuilder) BuildBatches(ctx context.Context, query string, history *ConversationHistory) ([]string, map[string]*Table, error) {
	_ = ctx

	ordered := make([]*model.CommunityReport, len(b.reports))
	copy(ordered, b.reports)
	if b.cfg.ShuffleSeed != 0 {
		rng := rand.New(rand.NewSource(b.cfg.ShuffleSeed))
		rng.Shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})
	} else {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Rank > ordered[j].Rank
		})
	}

	historyText := ""
	historyTable := &Table{Columns: []string{"turn", "content"}}
	if history.Len() > 0 {
		historyText, historyTable = history.BuildContext(HistoryContextOptions{
			MaxQATurns:           b.cfg.HistoryMaxTurns,
			MaxTokens:            b.cfg.HistoryMaxTokens,
			IncludeUserTurnsOnly: b.cfg.HistoryUserOnly,
			ColumnDelimiter:      b.cfg.ColumnDelimiter,
			Counter:              b.counter,
		})
	}
	prefix := ""
	prefixTokens := 0
	if historyText != "" {
		prefix = historyText + "\n\n"
		prefixTokens = b.counter.Count(prefix)
	}

	columns := []string{"id", "title", "content"}
	if b.cfg.IncludeCommunityRank {
		columns = append(columns, "rank")
	}

	budget := b.cfg.BatchMaxTokens - prefixTokens
	table := &Table{Columns: columns}
	var batches []string
	var batchRows [][]string

	flush := func() {
		if len(batchRows) == 0 {
			return
		}
		batches = append(batches,
			prefix+renderTable(b.cfg.ContextName, columns, batchRows, b.cfg.ColumnDelimiter))
		batchRows = nil
	}

	for _, r := range ordered {
		content := r.FullContent
		if b.cfg.UseCommunitySummary {
			content = r.Summary
		}
		row := []string{reportID(r), r.Title, content}
		if b.cfg.IncludeCommunityRank {
			row = append(row, fmt.Sprintf("%g", r.Rank))
		}

		next := renderTable(b.cfg.ContextName, columns, append(batchRows, row), b.cfg.ColumnDelimiter)
		if len(batchRows) > 0 && b.counter.Count(next) > budget {
			flush()
			next = renderTable(b.cfg.ContextName, columns, [][]string{row}, b.cfg.ColumnDelimiter)
		}
		if b.counter.Count(next) > budget {
			// A single report larger than the budget is dropped.
			b.logger.Warn("global context: report exceeds batch budget, skipping",
				"community", r.CommunityID, "title", r.Title)
			continue
		}
		batchRows = append(batchRows, row)
		table.Rows = append(table.Rows, row)
	}
	flush()

	tables := map[string]*Table{"reports": table}
	if history.Len() > 0 {
		tables["conversation_history"] = historyTable
	}
	return batches, tables, nil
}
