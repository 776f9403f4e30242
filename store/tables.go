// Package store reads the graph artifact directory produced by the offline
// indexing pipeline: parquet tables for nodes, entities, community reports,
// text units, relationships, and optional covariates. It projects the rows
// into typed records and builds ready-to-use context builders.
package store

// FileNames maps each artifact table to its file inside the directory.
type FileNames struct {
	Nodes            string
	Entities         string
	CommunityReports string
	TextUnits        string
	Relationships    string
	Covariates       string
}

// DefaultFileNames returns the standard artifact layout.
func DefaultFileNames() FileNames {
	return FileNames{
		Nodes:            "nodes.parquet",
		Entities:         "entities.parquet",
		CommunityReports: "community_reports.parquet",
		TextUnits:        "text_units.parquet",
		Relationships:    "relationships.parquet",
		Covariates:       "covariates.parquet",
	}
}

// Row shapes below document the default column names. Optional columns may
// be absent from the files; required ones trigger a schema mismatch.

type nodeRow struct {
	Title     string   `parquet:"title"`
	Level     *int64   `parquet:"level,optional"`
	Degree    *int64   `parquet:"degree,optional"`
	Community *string  `parquet:"community,optional"`
	Rank      *float64 `parquet:"rank,optional"`
}

type entityRow struct {
	ID                   string    `parquet:"id"`
	Title                string    `parquet:"title"`
	ShortID              *string   `parquet:"human_readable_id,optional"`
	Type                 *string   `parquet:"type,optional"`
	Description          *string   `parquet:"description,optional"`
	DescriptionEmbedding []float32 `parquet:"description_embedding,list"`
	GraphEmbedding       []float32 `parquet:"graph_embedding,list"`
	TextUnitIDs          []string  `parquet:"text_unit_ids,list"`
}

type reportRow struct {
	ID          string   `parquet:"id"`
	ShortID     *string  `parquet:"human_readable_id,optional"`
	Community   string   `parquet:"community"`
	Level       *int64   `parquet:"level,optional"`
	Title       string   `parquet:"title"`
	Summary     string   `parquet:"summary"`
	FullContent string   `parquet:"full_content"`
	Rank        *float64 `parquet:"rank,optional"`
}

type textUnitRow struct {
	ID              string   `parquet:"id"`
	ShortID         *string  `parquet:"human_readable_id,optional"`
	Text            string   `parquet:"text"`
	NTokens         *int64   `parquet:"n_tokens,optional"`
	EntityIDs       []string `parquet:"entity_ids,list"`
	RelationshipIDs []string `parquet:"relationship_ids,list"`
}

type relationshipRow struct {
	ID          string   `parquet:"id"`
	ShortID     *string  `parquet:"human_readable_id,optional"`
	Source      string   `parquet:"source"`
	Target      string   `parquet:"target"`
	Weight      *float64 `parquet:"weight,optional"`
	Description *string  `parquet:"description,optional"`
	TextUnitIDs []string `parquet:"text_unit_ids,list"`
	Rank        *float64 `parquet:"rank,optional"`
}

type covariateRow struct {
	ID            string   `parquet:"id"`
	ShortID       *string  `parquet:"human_readable_id,optional"`
	SubjectID     string   `parquet:"subject_id"`
	SubjectType   *string  `parquet:"subject_type,optional"`
	CovariateType *string  `parquet:"covariate_type,optional"`
	Type          *string  `parquet:"type,optional"`
	Status        *string  `parquet:"status,optional"`
	StartDate     *string  `parquet:"start_date,optional"`
	EndDate       *string  `parquet:"end_date,optional"`
	Description   *string  `parquet:"description,optional"`
	SourceText    *string  `parquet:"source_text,optional"`
	TextUnitIDs   []string `parquet:"text_unit_ids,list"`
}
