package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/brunobiangulo/graphquery/search"
	"github.com/brunobiangulo/graphquery/token"
)

func ptr[T any](v T) *T { return &v }

func writeTable[T any](t *testing.T, dir, name string, rows []T) {
	t.Helper()
	if err := parquet.WriteFile(filepath.Join(dir, name), rows); err != nil {
		t.Fatal(err)
	}
}

// writeArtifacts lays out a small three-entity graph. The D node sits at
// level 5 and the Ghost entity has no node row; both must drop out of the
// projection.
func writeArtifacts(t *testing.T, dir string) {
	t.Helper()
	names := DefaultFileNames()

	writeTable(t, dir, names.Nodes, []nodeRow{
		{Title: "A", Level: ptr[int64](0), Degree: ptr[int64](5), Community: ptr("1")},
		{Title: "B", Level: ptr[int64](1), Degree: ptr[int64](3), Community: ptr("2")},
		{Title: "C", Level: ptr[int64](0), Degree: ptr[int64](1)},
		{Title: "D", Level: ptr[int64](5), Degree: ptr[int64](9), Community: ptr("3")},
	})
	writeTable(t, dir, names.Entities, []entityRow{
		{ID: "e1", Title: "A", ShortID: ptr("1"), Description: ptr("alpha")},
		{ID: "e2", Title: "B", ShortID: ptr("2"), Description: ptr("beta")},
		{ID: "e3", Title: "C", ShortID: ptr("3"), Description: ptr("gamma")},
		{ID: "e4", Title: "D", ShortID: ptr("4")},
		{ID: "e5", Title: "Ghost", ShortID: ptr("5")},
	})
	writeTable(t, dir, names.CommunityReports, []reportRow{
		{ID: "rc1", Community: "1", Level: ptr[int64](0), Title: "One",
			Summary: "s1", FullContent: "f1", Rank: ptr(2.0)},
		{ID: "rc2", Community: "2", Level: ptr[int64](1), Title: "Two",
			Summary: "s2", FullContent: "f2", Rank: ptr(1.0)},
		{ID: "rc3", Community: "3", Level: ptr[int64](5), Title: "Three",
			Summary: "s3", FullContent: "f3"},
		{ID: "rc9", Community: "9", Level: ptr[int64](0), Title: "Orphan",
			Summary: "s9", FullContent: "f9"},
	})
	writeTable(t, dir, names.TextUnits, []textUnitRow{
		{ID: "t1", Text: "unit one", NTokens: ptr[int64](2)},
	})
	writeTable(t, dir, names.Relationships, []relationshipRow{
		{ID: "r1", Source: "A", Target: "B", Weight: ptr(2.0),
			Description: ptr("knows"), Rank: ptr(7.0)},
		{ID: "r2", Source: "B", Target: "C"},
	})
	writeTable(t, dir, names.Covariates, []covariateRow{
		{ID: "cv1", SubjectID: "A", CovariateType: ptr("claims"),
			Status: ptr("TRUE"), Description: ptr("made a claim")},
		{ID: "cv2", SubjectID: "B"},
	})
}

func TestReadMissingDirectory(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope")); !errors.Is(err, ErrDirectoryNotFound) {
		t.Errorf("got %v, want ErrDirectoryNotFound", err)
	}
}

func TestReadMissingRequiredTable(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, DefaultFileNames().Nodes, []nodeRow{{Title: "A"}})
	if _, err := Read(dir); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("got %v, want ErrSchemaMismatch", err)
	}
}

func TestReadOptionalCovariates(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	names := DefaultFileNames()
	names.Covariates = "absent.parquet"

	tables, err := ReadNamed(dir, names)
	if err != nil {
		t.Fatal(err)
	}
	if tables.covariates != nil {
		t.Error("absent covariates should be nil")
	}
}

func TestModelEntitiesJoin(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	tables, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}

	entities := tables.modelEntities(2)
	if len(entities) != 3 {
		t.Fatalf("got %d entities, want 3: %v", len(entities), entities)
	}
	byID := map[string]int{}
	for i, e := range entities {
		byID[e.ID] = i
	}
	a := entities[byID["e1"]]
	if a.Rank != 5 || len(a.CommunityIDs) != 1 || a.CommunityIDs[0] != "1" {
		t.Errorf("entity A projection: %+v", a)
	}
	if a.Description != "alpha" || a.ShortID != "1" {
		t.Errorf("entity A fields: %+v", a)
	}
	c := entities[byID["e3"]]
	if c.CommunityIDs[0] != "-1" {
		t.Errorf("missing community should encode as -1: %v", c.CommunityIDs)
	}
	if _, ok := byID["e4"]; ok {
		t.Error("entity above community level survived")
	}
	if _, ok := byID["e5"]; ok {
		t.Error("entity without node row survived")
	}
}

func TestModelReportsJoin(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	tables, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}

	entities := tables.modelEntities(2)
	reports := tables.modelReports(2, entities)
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2: %v", len(reports), reports)
	}
	if reports["1"] == nil || reports["1"].Rank != 2 {
		t.Errorf("report for community 1: %+v", reports["1"])
	}
	if reports["9"] != nil {
		t.Error("unreferenced community report survived")
	}
	if reports["3"] != nil {
		t.Error("report above level survived")
	}
}

func TestModelRelationships(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	tables, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}

	rels := tables.modelRelationships()
	if len(rels) != 2 {
		t.Fatalf("got %d relationships, want 2", len(rels))
	}
	if rels[0].Weight != 2 || rels[0].RankAttribute("rank") != 7 {
		t.Errorf("relationship r1: %+v", rels[0])
	}
	// Missing weight defaults to 1 and ranks by weight.
	if rels[1].Weight != 1 || rels[1].RankAttribute("rank") != 1 {
		t.Errorf("relationship r2: %+v", rels[1])
	}
}

func TestModelCovariates(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	tables, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}

	covs := tables.modelCovariates()
	claims := covs["claims"]
	if len(claims) != 2 {
		t.Fatalf("got %d claims, want 2: %v", len(claims), claims)
	}
	if claims[0].SubjectID != "A" || claims[0].Attributes["status"] != "TRUE" {
		t.Errorf("claim cv1: %+v", claims[0])
	}
	// Untyped covariates default to the claims class.
	if claims[1].ID != "cv2" || claims[1].CovariateType != "claims" {
		t.Errorf("claim cv2: %+v", claims[1])
	}
}

func TestLocalBuilderWithoutEmbeddings(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	tables, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}

	builder, vstore, err := tables.LocalBuilder(context.Background(), BuilderOptions{
		Counter: token.Estimator{},
	}, search.LocalContextConfig{MaxTokens: 1000, TopKEntities: 2})
	if err != nil {
		t.Fatal(err)
	}
	if vstore != nil {
		t.Error("no embeddings should yield a nil vector store")
	}

	// Rank-based selection still works without a store.
	result, err := builder.BuildContext(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	rows := result.Tables["entities"].Rows
	if len(rows) != 2 || rows[0][1] != "A" || rows[1][1] != "B" {
		t.Errorf("entity selection: %v", rows)
	}
}

func TestGlobalBuilderBatches(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	tables, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}

	builder := tables.GlobalBuilder(BuilderOptions{Counter: token.Estimator{}},
		search.GlobalContextConfig{BatchMaxTokens: 1000})
	batches, batchTables, err := builder.BuildBatches(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batchTables["reports"].Rows) != 2 {
		t.Errorf("report rows: %v", batchTables["reports"].Rows)
	}
}
