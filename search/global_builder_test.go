package search

import (
	"context"
	"strings"
	"testing"

	"github.com/brunobiangulo/graphquery/model"
)

func testReports() []*model.CommunityReport {
	return []*model.CommunityReport{
		{ID: "r1", ShortID: "r1", CommunityID: "c1", Title: "One",
			FullContent: "low", Summary: "s-low", Rank: 1},
		{ID: "r2", ShortID: "r2", CommunityID: "c2", Title: "Two",
			FullContent: "high", Summary: "s-high", Rank: 9},
		{ID: "r3", ShortID: "r3", CommunityID: "c3", Title: "Three",
			FullContent: "mid", Summary: "s-mid", Rank: 5},
	}
}

func TestBuildBatchesRankOrder(t *testing.T) {
	b := NewGlobalContextBuilder(testReports(), wordCounter{}, GlobalContextConfig{
		BatchMaxTokens: 1000,
	}, nil)

	batches, tables, err := b.BuildBatches(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	rows := tables["reports"].Rows
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0][0] != "r2" || rows[1][0] != "r3" || rows[2][0] != "r1" {
		t.Errorf("rank order: %v", rows)
	}
}

func TestBuildBatchesSplitsOnBudget(t *testing.T) {
	// Header costs 2 words, each report row 1. Budget 4 fits two rows per
	// batch, so three reports need two batches.
	b := NewGlobalContextBuilder(testReports(), wordCounter{}, GlobalContextConfig{
		BatchMaxTokens: 4,
	}, nil)

	batches, _, err := b.BuildBatches(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2: %v", len(batches), batches)
	}
	if !strings.Contains(batches[0], "r2|Two|high") || !strings.Contains(batches[0], "r3|Three|mid") {
		t.Errorf("first batch: %q", batches[0])
	}
	if !strings.Contains(batches[1], "r1|One|low") {
		t.Errorf("second batch: %q", batches[1])
	}
}

func TestBuildBatchesZeroBudget(t *testing.T) {
	b := NewGlobalContextBuilder(testReports(), wordCounter{}, GlobalContextConfig{}, nil)

	batches, tables, err := b.BuildBatches(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 0 {
		t.Errorf("zero budget should yield no batches, got %d", len(batches))
	}
	if len(tables["reports"].Rows) != 0 {
		t.Errorf("report rows with a zero budget: %v", tables["reports"].Rows)
	}
}

func TestBuildBatchesSkipsOversizedReport(t *testing.T) {
	reports := testReports()
	reports[1].FullContent = strings.Repeat("big ", 50)

	b := NewGlobalContextBuilder(reports, wordCounter{}, GlobalContextConfig{
		BatchMaxTokens: 10,
	}, nil)

	batches, tables, err := b.BuildBatches(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, batch := range batches {
		if strings.Contains(batch, "big") {
			t.Errorf("oversized report should be skipped: %q", batch)
		}
	}
	if len(tables["reports"].Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(tables["reports"].Rows))
	}
}

func TestBuildBatchesUseSummary(t *testing.T) {
	b := NewGlobalContextBuilder(testReports(), wordCounter{}, GlobalContextConfig{
		BatchMaxTokens:      1000,
		UseCommunitySummary: true,
	}, nil)

	batches, _, err := b.BuildBatches(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(batches[0], "s-high") || strings.Contains(batches[0], "|high") {
		t.Errorf("summary rendering: %q", batches[0])
	}
}

func TestBuildBatchesHistoryPrefix(t *testing.T) {
	h := NewConversationHistory(0)
	h.AddTurn("user", "previous-question")

	b := NewGlobalContextBuilder(testReports(), wordCounter{}, GlobalContextConfig{
		BatchMaxTokens: 8,
	}, nil)

	batches, tables, err := b.BuildBatches(context.Background(), "q", h)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) < 2 {
		t.Fatalf("expected multiple batches, got %d", len(batches))
	}
	for i, batch := range batches {
		if !strings.HasPrefix(batch, "-----Conversation History-----") {
			t.Errorf("batch %d missing history prefix: %q", i, batch)
		}
		if !strings.Contains(batch, "previous-question") {
			t.Errorf("batch %d missing history row", i)
		}
	}
	if tables["conversation_history"] == nil {
		t.Error("missing conversation_history table")
	}
}

func TestBuildBatchesDeterministicShuffle(t *testing.T) {
	cfg := GlobalContextConfig{BatchMaxTokens: 1000, ShuffleSeed: 42}
	b1 := NewGlobalContextBuilder(testReports(), wordCounter{}, cfg, nil)
	b2 := NewGlobalContextBuilder(testReports(), wordCounter{}, cfg, nil)

	batches1, _, _ := b1.BuildBatches(context.Background(), "q", nil)
	batches2, _, _ := b2.BuildBatches(context.Background(), "q", nil)
	if len(batches1) != len(batches2) {
		t.Fatal("batch count differs")
	}
	for i := range batches1 {
		if batches1[i] != batches2[i] {
			t.Errorf("seeded shuffle not deterministic at batch %d", i)
		}
	}
}

func TestBuildBatchesEmptyReports(t *testing.T) {
	b := NewGlobalContextBuilder(nil, wordCounter{}, GlobalContextConfig{}, nil)
	batches, tables, err := b.BuildBatches(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
	if len(tables["reports"].Rows) != 0 {
		t.Error("reports table should be empty")
	}
}
