package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/model"
	"github.com/brunobiangulo/graphquery/search"
	"github.com/brunobiangulo/graphquery/token"
	"github.com/brunobiangulo/graphquery/vector"
)

var (
	// ErrDirectoryNotFound is returned when the artifact directory is missing.
	ErrDirectoryNotFound = errors.New("store: context directory not found")

	// ErrSchemaMismatch is returned when a required table or column is missing.
	ErrSchemaMismatch = errors.New("store: artifact schema mismatch")

	// ErrEmbeddingLoad is returned when entity description embeddings cannot
	// be loaded into the vector store.
	ErrEmbeddingLoad = errors.New("store: loading entity embeddings failed")
)

// Tables holds the raw artifact rows. Level filtering and joins happen in
// the builder factories, so one Tables can serve both engines.
type Tables struct {
	nodes         []nodeRow
	entities      []entityRow
	reports       []reportRow
	textUnits     []textUnitRow
	relationships []relationshipRow
	covariates    []covariateRow
}

// Read loads the artifact directory with the default file names.
func Read(dir string) (*Tables, error) {
	return ReadNamed(dir, DefaultFileNames())
}

// ReadNamed loads the artifact directory with explicit file names. All
// tables except covariates are required.
func ReadNamed(dir string, names FileNames) (*Tables, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
	}

	t := &Tables{}
	if t.nodes, err = readTable[nodeRow](dir, names.Nodes, true); err != nil {
		return nil, err
	}
	if t.entities, err = readTable[entityRow](dir, names.Entities, true); err != nil {
		return nil, err
	}
	if t.reports, err = readTable[reportRow](dir, names.CommunityReports, true); err != nil {
		return nil, err
	}
	if t.textUnits, err = readTable[textUnitRow](dir, names.TextUnits, true); err != nil {
		return nil, err
	}
	if t.relationships, err = readTable[relationshipRow](dir, names.Relationships, true); err != nil {
		return nil, err
	}
	if t.covariates, err = readTable[covariateRow](dir, names.Covariates, false); err != nil {
		return nil, err
	}
	return t, nil
}

func readTable[T any](dir, name string, required bool) ([]T, error) {
	path := filepath.Join(dir, name)
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if !required {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: missing table %s", ErrSchemaMismatch, name)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSchemaMismatch, name, err)
	}
	return rows, nil
}

// BuilderOptions configures builder construction.
type BuilderOptions struct {
	// CommunityLevel caps the graph hierarchy depth. Zero selects the
	// default: 2 for local builders, 1 for global.
	CommunityLevel int

	Embedder llm.Embedder
	Counter  token.Counter

	// StorePath is the sqlite path for the entity vector store.
	// Empty means ":memory:".
	StorePath string

	Logger *slog.Logger
}

// LocalBuilder projects the tables at the configured community level,
// loads entity description embeddings into a vector store, and returns a
// ready local context builder. The returned store must be closed by the
// caller when the engine is discarded.
func (t *Tables) LocalBuilder(ctx context.Context, opts BuilderOptions, cfg search.LocalContextConfig) (*search.LocalContextBuilder, vector.Store, error) {
	level := opts.CommunityLevel
	if level == 0 {
		level = 2
	}

	entities := t.modelEntities(level)
	data := search.LocalContextData{
		Entities:      entities,
		Relationships: t.modelRelationships(),
		Reports:       t.modelReports(level, entities),
		TextUnits:     t.modelTextUnits(),
		Covariates:    t.modelCovariates(),
	}

	vstore, err := t.loadVectorStore(ctx, opts, cfg.StoreKey, entities)
	if err != nil {
		return nil, nil, err
	}

	builder := search.NewLocalContextBuilder(data, vstore, opts.Embedder,
		opts.Counter, cfg, opts.Logger)
	return builder, vstore, nil
}

// GlobalBuilder projects the community reports at the configured level and
// returns a ready global context builder.
func (t *Tables) GlobalBuilder(opts BuilderOptions, cfg search.GlobalContextConfig) *search.GlobalContextBuilder {
	level := opts.CommunityLevel
	if level == 0 {
		level = 1
	}

	entities := t.modelEntities(level)
	reportMap := t.modelReports(level, entities)
	reports := make([]*model.CommunityReport, 0, len(reportMap))
	for _, r := range reportMap {
		reports = append(reports, r)
	}
	return search.NewGlobalContextBuilder(reports, opts.Counter, cfg, opts.Logger)
}

func (t *Tables) loadVectorStore(ctx context.Context, opts BuilderOptions, storeKey string, entities []*model.Entity) (vector.Store, error) {
	var docs []vector.Document
	dim := 0
	for _, e := range entities {
		if len(e.DescriptionEmbedding) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(e.DescriptionEmbedding)
		}
		id := e.ID
		if storeKey == search.StoreKeyTitle {
			id = e.Title
		}
		docs = append(docs, vector.Document{
			ID:         id,
			Text:       e.Description,
			Vector:     e.DescriptionEmbedding,
			Attributes: map[string]string{"title": e.Title},
		})
	}
	if len(docs) == 0 {
		// No embeddings in the artifacts: only rank-based selection works.
		return nil, nil
	}

	path := opts.StorePath
	if path == "" {
		path = ":memory:"
	}
	vstore, err := vector.NewSqlite(path, dim)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingLoad, err)
	}
	if err := vstore.Load(ctx, docs, true); err != nil {
		vstore.Close()
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingLoad, err)
	}
	return vstore, nil
}

// modelEntities joins entities with nodes on title, dropping entities above
// the community level. Each title keeps its highest community and degree.
func (t *Tables) modelEntities(communityLevel int) []*model.Entity {
	type nodeAgg struct {
		degree    int
		community string
		seen      bool
	}
	agg := make(map[string]*nodeAgg)
	for _, n := range t.nodes {
		if n.Level != nil && int(*n.Level) > communityLevel {
			continue
		}
		a := agg[n.Title]
		if a == nil {
			a = &nodeAgg{}
			agg[n.Title] = a
		}
		a.seen = true
		if n.Degree != nil && int(*n.Degree) > a.degree {
			a.degree = int(*n.Degree)
		}
		if n.Community != nil && *n.Community != "" {
			if a.community == "" || communityLess(a.community, *n.Community) {
				a.community = *n.Community
			}
		}
	}

	var out []*model.Entity
	for _, row := range t.entities {
		a, ok := agg[row.Title]
		if !ok || !a.seen {
			continue
		}
		community := a.community
		if community == "" {
			community = "-1"
		}
		out = append(out, &model.Entity{
			ID:                   row.ID,
			ShortID:              deref(row.ShortID),
			Title:                row.Title,
			Type:                 deref(row.Type),
			Description:          deref(row.Description),
			Rank:                 a.degree,
			CommunityIDs:         []string{community},
			TextUnitIDs:          row.TextUnitIDs,
			DescriptionEmbedding: row.DescriptionEmbedding,
			GraphEmbedding:       row.GraphEmbedding,
		})
	}
	return out
}

// communityLess orders community ids numerically when possible.
func communityLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// modelReports filters reports by level and joins them with the community
// ids referenced by the surviving entities.
func (t *Tables) modelReports(communityLevel int, entities []*model.Entity) map[string]*model.CommunityReport {
	referenced := make(map[string]bool)
	for _, e := range entities {
		for _, cid := range e.CommunityIDs {
			referenced[cid] = true
		}
	}

	out := make(map[string]*model.CommunityReport)
	for _, row := range t.reports {
		if row.Level != nil && int(*row.Level) > communityLevel {
			continue
		}
		if !referenced[row.Community] {
			continue
		}
		out[row.Community] = &model.CommunityReport{
			ID:          row.ID,
			ShortID:     deref(row.ShortID),
			CommunityID: row.Community,
			Title:       row.Title,
			Summary:     row.Summary,
			FullContent: row.FullContent,
			Rank:        derefFloat(row.Rank),
		}
	}
	return out
}

func (t *Tables) modelRelationships() []*model.Relationship {
	out := make([]*model.Relationship, 0, len(t.relationships))
	for _, row := range t.relationships {
		weight := 1.0
		if row.Weight != nil {
			weight = *row.Weight
		}
		rel := &model.Relationship{
			ID:          row.ID,
			ShortID:     deref(row.ShortID),
			Source:      row.Source,
			Target:      row.Target,
			Weight:      weight,
			Description: deref(row.Description),
			TextUnitIDs: row.TextUnitIDs,
		}
		if row.Rank != nil {
			rel.Attributes = map[string]any{"rank": *row.Rank}
		}
		out = append(out, rel)
	}
	return out
}

func (t *Tables) modelTextUnits() map[string]*model.TextUnit {
	out := make(map[string]*model.TextUnit, len(t.textUnits))
	for _, row := range t.textUnits {
		out[row.ID] = &model.TextUnit{
			ID:              row.ID,
			ShortID:         deref(row.ShortID),
			Text:            row.Text,
			NTokens:         int(derefInt(row.NTokens)),
			EntityIDs:       row.EntityIDs,
			RelationshipIDs: row.RelationshipIDs,
		}
	}
	return out
}

func (t *Tables) modelCovariates() map[string][]*model.Covariate {
	if len(t.covariates) == 0 {
		return nil
	}
	out := make(map[string][]*model.Covariate)
	for _, row := range t.covariates {
		covType := deref(row.CovariateType)
		if covType == "" {
			covType = deref(row.Type)
		}
		if covType == "" {
			covType = "claims"
		}
		subjectType := deref(row.SubjectType)
		if subjectType == "" {
			subjectType = "entity"
		}

		attrs := map[string]any{}
		for k, v := range map[string]*string{
			"status":      row.Status,
			"start_date":  row.StartDate,
			"end_date":    row.EndDate,
			"description": row.Description,
			"source_text": row.SourceText,
		} {
			if v != nil {
				attrs[k] = *v
			}
		}

		out[covType] = append(out[covType], &model.Covariate{
			ID:            row.ID,
			ShortID:       deref(row.ShortID),
			SubjectID:     row.SubjectID,
			SubjectType:   subjectType,
			CovariateType: covType,
			TextUnitIDs:   row.TextUnitIDs,
			Attributes:    attrs,
		})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefInt(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
