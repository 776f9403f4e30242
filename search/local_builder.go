package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/model"
	"github.com/brunobiangulo/graphquery/token"
	"github.com/brunobiangulo/graphquery/vector"
)

// Entity store keys: how vector store document ids map back to entities.
const (
	StoreKeyID    = "id"
	StoreKeyTitle = "title"
)

// OversampleScaler over-fetches ANN hits before entity resolution, so that
// excluded or unresolvable hits do not shrink the selection below k.
const OversampleScaler = 2

// LocalContextConfig holds the policy knobs for local context assembly.
type LocalContextConfig struct {
	// MaxTokens is the total context budget. Zero means no budget at all:
	// every section comes back empty.
	MaxTokens         int
	CommunityProp     float64
	TextUnitProp      float64
	TopKEntities      int
	TopKRelationships int
	HistoryMaxTurns   int

	// StoreKey selects how ANN document ids resolve to entities.
	StoreKey string

	IncludeEntityNames []string
	ExcludeEntityNames []string

	// UseCommunitySummary renders report summaries instead of full content.
	UseCommunitySummary  bool
	IncludeCommunityRank bool

	// RankAttribute names the relationship attribute used for ranking;
	// relationships without it fall back to their weight.
	RankAttribute string

	ColumnDelimiter string
}

func (c *LocalContextConfig) applyDefaults() {
	if c.TopKEntities == 0 {
		c.TopKEntities = 10
	}
	if c.TopKRelationships == 0 {
		c.TopKRelationships = 10
	}
	if c.HistoryMaxTurns == 0 {
		c.HistoryMaxTurns = 5
	}
	if c.StoreKey == "" {
		c.StoreKey = StoreKeyID
	}
	if c.RankAttribute == "" {
		c.RankAttribute = "rank"
	}
	if c.ColumnDelimiter == "" {
		c.ColumnDelimiter = DefaultColumnDelimiter
	}
}

// LocalContextData is the graph slice a local builder works over. All
// fields are shared read-only references.
type LocalContextData struct {
	Entities      []*model.Entity
	Relationships []*model.Relationship
	// Reports maps community id to its report.
	Reports map[string]*model.CommunityReport
	// TextUnits maps text unit id to the unit.
	TextUnits map[string]*model.TextUnit
	// Covariates maps covariate type (e.g. "claims") to its covariates.
	Covariates map[string][]*model.Covariate
}

// LocalContextBuilder assembles the token-budgeted local search context:
// a community section, an entity/relationship/covariate section, and a
// text unit section, split by the configured proportions.
type LocalContextBuilder struct {
	data     LocalContextData
	store    vector.Store
	embedder llm.Embedder
	counter  token.Counter
	cfg      LocalContextConfig
	logger   *slog.Logger

	byKey   map[string]*model.Entity
	byTitle map[string][]*model.Entity
}

// NewLocalContextBuilder creates a builder. store may be nil when no
// entity embeddings are available; only empty-query selection works then.
func NewLocalContextBuilder(data LocalContextData, store vector.Store, embedder llm.Embedder, counter token.Counter, cfg LocalContextConfig, logger *slog.Logger) *LocalContextBuilder {
	cfg.applyDefaults()
	if counter == nil {
		counter = token.Estimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &LocalContextBuilder{
		data:     data,
		store:    store,
		embedder: embedder,
		counter:  counter,
		cfg:      cfg,
		logger:   logger,
		byKey:    make(map[string]*model.Entity, len(data.Entities)),
		byTitle:  make(map[string][]*model.Entity),
	}
	for _, e := range data.Entities {
		switch cfg.StoreKey {
		case StoreKeyTitle:
			b.byKey[e.Title] = e
		default:
			b.byKey[e.ID] = e
		}
		title := strings.ToLower(e.Title)
		b.byTitle[title] = append(b.byTitle[title], e)
	}
	return b
}

// BuildContext assembles the full local context for a query.
func (b *LocalContextBuilder) BuildContext(ctx context.Context, query string, history *ConversationHistory) (*ContextResult, error) {
	augmented := query
	if turns := history.UserTurns(b.cfg.HistoryMaxTurns); len(turns) > 0 {
		augmented = query + "\n" + strings.Join(turns, "\n")
	}

	selected, err := b.selectEntities(ctx, query, augmented)
	if err != nil {
		return nil, err
	}

	m := b.cfg.MaxTokens
	communityBudget := int(float64(m) * b.cfg.CommunityProp)
	localBudget := int(float64(m) * (1 - b.cfg.CommunityProp - b.cfg.TextUnitProp))
	textUnitBudget := int(float64(m) * b.cfg.TextUnitProp)

	communityText, communityTable := b.buildCommunityContext(selected, communityBudget)
	localText, localTables := b.buildLocalContext(selected, localBudget)
	sourceText, sourceTable := b.buildTextUnitContext(selected, textUnitBudget)

	tables := map[string]*Table{
		"reports": communityTable,
		"sources": sourceTable,
	}
	for name, t := range localTables {
		tables[name] = t
	}

	return &ContextResult{
		Text:   joinSections(communityText, localText, sourceText),
		Tables: tables,
	}, nil
}

// selectEntities maps the query to graph entities. An empty query selects
// the top-k entities by rank; otherwise ANN search over description
// embeddings with oversampling, exclusion, and explicit inclusion.
func (b *LocalContextBuilder) selectEntities(ctx context.Context, query, augmented string) ([]*model.Entity, error) {
	excluded := make(map[string]bool, len(b.cfg.ExcludeEntityNames))
	for _, name := range b.cfg.ExcludeEntityNames {
		excluded[strings.ToLower(name)] = true
	}

	var matched []*model.Entity
	if strings.TrimSpace(query) == "" {
		ranked := make([]*model.Entity, len(b.data.Entities))
		copy(ranked, b.data.Entities)
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Rank > ranked[j].Rank
		})
		for _, e := range ranked {
			if excluded[strings.ToLower(e.Title)] {
				continue
			}
			matched = append(matched, e)
			if len(matched) == b.cfg.TopKEntities {
				break
			}
		}
	} else {
		if b.store == nil || b.embedder == nil {
			return nil, fmt.Errorf("entity mapping for %q: no vector store loaded", query)
		}
		hits, err := b.store.SearchByText(ctx, augmented, b.embedder.Embed,
			b.cfg.TopKEntities*OversampleScaler)
		if err != nil {
			return nil, fmt.Errorf("entity mapping: %w", err)
		}
		for _, hit := range hits {
			e, ok := b.byKey[hit.Document.ID]
			if !ok {
				continue
			}
			if excluded[strings.ToLower(e.Title)] {
				continue
			}
			matched = append(matched, e)
			if len(matched) == b.cfg.TopKEntities {
				break
			}
		}
	}

	// Explicitly included entities go first; all name matches count.
	var selected []*model.Entity
	seen := make(map[string]bool)
	for _, name := range b.cfg.IncludeEntityNames {
		for _, e := range b.byTitle[strings.ToLower(name)] {
			if !seen[e.ID] {
				seen[e.ID] = true
				selected = append(selected, e)
			}
		}
	}
	for _, e := range matched {
		if !seen[e.ID] {
			seen[e.ID] = true
			selected = append(selected, e)
		}
	}
	return selected, nil
}

// buildCommunityContext packs the reports of the communities the selected
// entities belong to, ordered by match count then report rank.
func (b *LocalContextBuilder) buildCommunityContext(selected []*model.Entity, budget int) (string, *Table) {
	columns := []string{"id", "title", "content"}
	if b.cfg.IncludeCommunityRank {
		columns = append(columns, "rank")
	}

	matches := make(map[string]int)
	for _, e := range selected {
		for _, cid := range e.CommunityIDs {
			if _, ok := b.data.Reports[cid]; ok {
				matches[cid]++
			}
		}
	}
	if len(matches) == 0 {
		return "", &Table{Columns: columns}
	}

	candidates := make([]*model.CommunityReport, 0, len(matches))
	for cid := range matches {
		candidates = append(candidates, b.data.Reports[cid])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		mi, mj := matches[candidates[i].CommunityID], matches[candidates[j].CommunityID]
		if mi != mj {
			return mi > mj
		}
		return candidates[i].Rank > candidates[j].Rank
	})

	rows := make([][]string, 0, len(candidates))
	for _, r := range candidates {
		content := r.FullContent
		if b.cfg.UseCommunitySummary {
			content = r.Summary
		}
		row := []string{reportID(r), r.Title, content}
		if b.cfg.IncludeCommunityRank {
			row = append(row, fmt.Sprintf("%g", r.Rank))
		}
		rows = append(rows, row)
	}

	return packRows("Reports", columns, rows, b.cfg.ColumnDelimiter, budget, b.counter)
}

// buildLocalContext renders the selected entities as one table, then grows
// relationship and covariate tables entity by entity, reverting to the
// previous snapshot when the running total exceeds the budget.
func (b *LocalContextBuilder) buildLocalContext(selected []*model.Entity, budget int) (string, map[string]*Table) {
	delim := b.cfg.ColumnDelimiter

	entityColumns := []string{"id", "entity", "description", "rank"}
	entityRows := make([][]string, 0, len(selected))
	for _, e := range selected {
		entityRows = append(entityRows, []string{
			entityID(e), e.Title, e.Description, fmt.Sprintf("%d", e.Rank),
		})
	}
	entityText, entityTable := packRows("Entities", entityColumns, entityRows,
		delim, budget, b.counter)
	entityTokens := b.counter.Count(entityText)

	tables := map[string]*Table{
		"entities":      entityTable,
		"relationships": {Columns: relationshipColumns},
	}
	for covType := range b.data.Covariates {
		tables[strings.ToLower(covType)] = &Table{Columns: b.covariateColumns(covType)}
	}
	if len(selected) == 0 || entityText == "" {
		return entityText, tables
	}

	var (
		relText  string
		covTexts map[string]string
	)
	for i := 1; i <= len(selected); i++ {
		prefix := selected[:i]

		nextRelText, nextRelTable := b.buildRelationshipTable(prefix)
		nextCovTexts := make(map[string]string, len(b.data.Covariates))
		nextCovTables := make(map[string]*Table, len(b.data.Covariates))
		total := entityTokens + b.counter.Count(nextRelText)
		for covType := range b.data.Covariates {
			text, table := b.buildCovariateTable(covType, prefix)
			nextCovTexts[covType] = text
			nextCovTables[covType] = table
			total += b.counter.Count(text)
		}

		if total > budget {
			break
		}

		relText = nextRelText
		covTexts = nextCovTexts
		tables["relationships"] = nextRelTable
		for covType, table := range nextCovTables {
			tables[strings.ToLower(covType)] = table
		}
	}

	sections := []string{entityText, relText}
	for _, covType := range sortedKeys(covTexts) {
		sections = append(sections, covTexts[covType])
	}
	return joinSections(sections...), tables
}

var relationshipColumns = []string{"id", "source", "target", "description", "weight"}

// buildRelationshipTable selects relationships touching the given entities:
// in-network edges (both endpoints selected) before out-network (one
// endpoint selected), ranked by the ranking attribute with ties broken by
// combined endpoint rank, then weight. At most top-k per selected entity.
func (b *LocalContextBuilder) buildRelationshipTable(entities []*model.Entity) (string, *Table) {
	inSet := make(map[string]int, len(entities)) // title -> rank
	for _, e := range entities {
		inSet[e.Title] = e.Rank
	}
	allRank := make(map[string]int, len(b.data.Entities))
	for _, e := range b.data.Entities {
		allRank[e.Title] = e.Rank
	}

	type candidate struct {
		rel       *model.Relationship
		inNetwork bool
	}
	var candidates []candidate
	for _, r := range b.data.Relationships {
		_, srcIn := inSet[r.Source]
		_, dstIn := inSet[r.Target]
		if !srcIn && !dstIn {
			continue
		}
		// Endpoints must resolve within the loaded entity set.
		if _, ok := allRank[r.Source]; !ok {
			continue
		}
		if _, ok := allRank[r.Target]; !ok {
			continue
		}
		candidates = append(candidates, candidate{rel: r, inNetwork: srcIn && dstIn})
	}

	rankAttr := b.cfg.RankAttribute
	sort.SliceStable(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.inNetwork != c.inNetwork {
			return a.inNetwork
		}
		ra, rc := a.rel.RankAttribute(rankAttr), c.rel.RankAttribute(rankAttr)
		if ra != rc {
			return ra > rc
		}
		ca := allRank[a.rel.Source] + allRank[a.rel.Target]
		cc := allRank[c.rel.Source] + allRank[c.rel.Target]
		if ca != cc {
			return ca > cc
		}
		return a.rel.Weight > c.rel.Weight
	})

	limit := b.cfg.TopKRelationships * len(entities)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	rows := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, []string{
			relationshipID(c.rel), c.rel.Source, c.rel.Target,
			c.rel.Description, fmt.Sprintf("%g", c.rel.Weight),
		})
	}
	if len(rows) == 0 {
		return "", &Table{Columns: relationshipColumns}
	}
	text := renderTable("Relationships", relationshipColumns, rows, b.cfg.ColumnDelimiter)
	return text, &Table{Columns: relationshipColumns, Rows: rows}
}

func (b *LocalContextBuilder) covariateColumns(covType string) []string {
	keys := map[string]bool{}
	for _, c := range b.data.Covariates[covType] {
		for k := range c.Attributes {
			keys[k] = true
		}
	}
	columns := []string{"id", "entity"}
	for _, k := range sortedBoolKeys(keys) {
		columns = append(columns, k)
	}
	return columns
}

// buildCovariateTable renders one covariate class (e.g. claims) for the
// given entities. Attribute keys become columns.
func (b *LocalContextBuilder) buildCovariateTable(covType string, entities []*model.Entity) (string, *Table) {
	columns := b.covariateColumns(covType)

	subjects := make(map[string]bool, len(entities)*2)
	for _, e := range entities {
		subjects[e.Title] = true
		subjects[e.ID] = true
	}

	var rows [][]string
	for _, c := range b.data.Covariates[covType] {
		if !subjects[c.SubjectID] {
			continue
		}
		row := []string{covariateID(c), c.SubjectID}
		for _, k := range columns[2:] {
			row = append(row, fmt.Sprintf("%v", c.Attributes[k]))
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return "", &Table{Columns: columns}
	}
	text := renderTable(titleCase(covType), columns, rows, b.cfg.ColumnDelimiter)
	return text, &Table{Columns: columns, Rows: rows}
}

// buildTextUnitContext collects the text units referenced by the selected
// entities in rank order, deduplicated, ordered by (entity order asc,
// relationship count desc), and packs them under the budget.
func (b *LocalContextBuilder) buildTextUnitContext(selected []*model.Entity, budget int) (string, *Table) {
	columns := []string{"id", "text"}
	if len(selected) == 0 {
		return "", &Table{Columns: columns}
	}

	type candidate struct {
		unit        *model.TextUnit
		entityOrder int
		numRels     int
	}
	var candidates []candidate
	seen := make(map[string]bool)
	for order, e := range selected {
		for _, tuID := range e.TextUnitIDs {
			if seen[tuID] {
				continue
			}
			seen[tuID] = true
			unit, ok := b.data.TextUnits[tuID]
			if !ok {
				continue
			}
			numRels := 0
			for _, r := range b.data.Relationships {
				if r.Source != e.Title && r.Target != e.Title {
					continue
				}
				for _, id := range r.TextUnitIDs {
					if id == tuID {
						numRels++
						break
					}
				}
			}
			candidates = append(candidates, candidate{unit, order, numRels})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].entityOrder != candidates[j].entityOrder {
			return candidates[i].entityOrder < candidates[j].entityOrder
		}
		return candidates[i].numRels > candidates[j].numRels
	})

	rows := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, []string{textUnitID(c.unit), c.unit.Text})
	}
	return packRows("Sources", columns, rows, b.cfg.ColumnDelimiter, budget, b.counter)
}

// Short ids render when present; record ids otherwise.

func entityID(e *model.Entity) string {
	if e.ShortID != "" {
		return e.ShortID
	}
	return e.ID
}

func relationshipID(r *model.Relationship) string {
	if r.ShortID != "" {
		return r.ShortID
	}
	return r.ID
}

func covariateID(c *model.Covariate) string {
	if c.ShortID != "" {
		return c.ShortID
	}
	return c.ID
}

func textUnitID(u *model.TextUnit) string {
	if u.ShortID != "" {
		return u.ShortID
	}
	return u.ID
}

func reportID(r *model.CommunityReport) string {
	if r.ShortID != "" {
		return r.ShortID
	}
	return r.ID
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedBoolKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
