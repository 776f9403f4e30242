package graphquery

import (
	"errors"

	"github.com/brunobiangulo/graphquery/store"
	"github.com/brunobiangulo/graphquery/vector"
)

var (
	// ErrInvalidMessage is returned when an incoming message list violates
	// the required shape: alternating user/assistant roles, last role user,
	// no system messages.
	ErrInvalidMessage = errors.New("graphquery: invalid message sequence")

	// ErrInvalidEngine is returned for engine names other than "local" or "global".
	ErrInvalidEngine = errors.New("graphquery: invalid engine")

	// ErrInvalidConfig is returned for configuration values out of range.
	ErrInvalidConfig = errors.New("graphquery: invalid configuration")

	// ErrDirectoryNotFound is returned when the context directory does not exist.
	ErrDirectoryNotFound = store.ErrDirectoryNotFound

	// ErrSchemaMismatch is returned when an artifact table file is absent or
	// cannot be decoded against the expected columns.
	ErrSchemaMismatch = store.ErrSchemaMismatch

	// ErrEmbeddingLoad is returned when entity description embeddings cannot
	// be loaded into the vector store at engine construction.
	ErrEmbeddingLoad = store.ErrEmbeddingLoad

	// ErrStoreClosed is returned when operating on a closed vector store.
	ErrStoreClosed = vector.ErrClosed
)
