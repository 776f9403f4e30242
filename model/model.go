// Package model defines the typed graph records the query engines consume.
// All records are immutable after load.
package model

// Entity is a named node in the knowledge graph.
type Entity struct {
	ID          string
	ShortID     string
	Title       string
	Type        string
	Description string

	// Rank is a popularity score, typically the node degree.
	Rank int

	CommunityIDs []string
	TextUnitIDs  []string

	DescriptionEmbedding []float32
	GraphEmbedding       []float32

	Attributes map[string]any
}

// Relationship is an edge between two entities, addressed by title.
type Relationship struct {
	ID          string
	ShortID     string
	Source      string
	Target      string
	Weight      float64
	Description string
	TextUnitIDs []string
	Attributes  map[string]any
}

// Covariate is an auxiliary claim attached to an entity.
type Covariate struct {
	ID            string
	ShortID       string
	SubjectID     string
	SubjectType   string
	CovariateType string
	TextUnitIDs   []string
	Attributes    map[string]any
}

// TextUnit is a chunk of the original source text referenced by entities.
type TextUnit struct {
	ID              string
	ShortID         string
	Text            string
	NTokens         int
	EntityIDs       []string
	RelationshipIDs []string
	Attributes      map[string]any
}

// CommunityReport is the LLM-written summary of one entity community.
type CommunityReport struct {
	ID          string
	ShortID     string
	CommunityID string
	Title       string
	Summary     string
	FullContent string
	Rank        float64
	Attributes  map[string]any
}

// RankAttribute reads a numeric ranking attribute from a relationship,
// falling back to its weight when the attribute is absent.
func (r Relationship) RankAttribute(name string) float64 {
	if r.Attributes != nil {
		switch v := r.Attributes[name].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return r.Weight
}
