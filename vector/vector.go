// Package vector provides the entity-embedding store used by local search.
package vector

import (
	"context"
	"errors"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("vector: store is closed")

// Document is one stored embedding with its source text and attributes.
type Document struct {
	ID         string
	Text       string
	Vector     []float32
	Attributes map[string]string
}

// Result is a search hit. Score is 1 - |distance|, higher is more similar.
type Result struct {
	Document Document
	Score    float64
}

// EmbedFunc turns text into an embedding vector.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store is the minimal contract the search engines depend on.
type Store interface {
	// Load inserts documents. With overwrite, existing contents are dropped first.
	Load(ctx context.Context, docs []Document, overwrite bool) error

	// SearchByVector returns the k nearest documents to the query vector.
	SearchByVector(ctx context.Context, vec []float32, k int) ([]Result, error)

	// SearchByText embeds the text then delegates to SearchByVector.
	SearchByText(ctx context.Context, text string, embed EmbedFunc, k int) ([]Result, error)

	// FilterByID restricts subsequent searches to the given document ids
	// until cleared. A nil slice clears the filter.
	FilterByID(ids []string)

	Close() error
}
