package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// SqliteStore is a sqlite-vec backed Store. The id filter is per-instance
// state guarded by a mutex, so one store can be shared across requests.
type SqliteStore struct {
	db  *sql.DB
	dim int

	mu     sync.Mutex
	filter map[string]bool
	closed bool
}

// NewSqlite opens (or creates) a sqlite database at path (":memory:" for
// in-process) and initialises the vec0 virtual table for dim-sized vectors.
func NewSqlite(path string, dim int) (*SqliteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging vector store: %w", err)
	}

	s := &SqliteStore{db: db, dim: dim}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteStore) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id TEXT UNIQUE NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			attributes TEXT
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_documents USING vec0(
			embedding float[%d] distance_metric=cosine
		)`, s.dim),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating vector schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SqliteStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *SqliteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Load inserts documents. With overwrite, existing rows are dropped first.
// Documents without a vector are stored for id resolution but not indexed.
func (s *SqliteStore) Load(ctx context.Context, docs []Document, overwrite bool) error {
	if s.isClosed() {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if overwrite {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_documents"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents"); err != nil {
			return err
		}
	}

	docStmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO documents (doc_id, text, attributes) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer docStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO vec_documents (rowid, embedding) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	for _, d := range docs {
		var attrs any
		if len(d.Attributes) > 0 {
			b, err := json.Marshal(d.Attributes)
			if err != nil {
				return fmt.Errorf("encoding attributes for %s: %w", d.ID, err)
			}
			attrs = string(b)
		}

		res, err := docStmt.ExecContext(ctx, d.ID, d.Text, attrs)
		if err != nil {
			return fmt.Errorf("inserting document %s: %w", d.ID, err)
		}
		if len(d.Vector) == 0 {
			continue
		}
		if len(d.Vector) != s.dim {
			return fmt.Errorf("document %s: vector dimension %d, store expects %d",
				d.ID, len(d.Vector), s.dim)
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := vecStmt.ExecContext(ctx, rowid, serializeFloat32(d.Vector)); err != nil {
			return fmt.Errorf("inserting embedding %s: %w", d.ID, err)
		}
	}

	return tx.Commit()
}

// FilterByID restricts subsequent searches to the given ids. Nil clears.
func (s *SqliteStore) FilterByID(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ids == nil {
		s.filter = nil
		return
	}
	s.filter = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.filter[id] = true
	}
}

func (s *SqliteStore) filterRowids(ctx context.Context) ([]int64, bool, error) {
	s.mu.Lock()
	filter := s.filter
	s.mu.Unlock()
	if filter == nil {
		return nil, false, nil
	}

	ids := make([]any, 0, len(filter))
	for id := range filter {
		ids = append(ids, id)
	}
	query := "SELECT rowid FROM documents WHERE doc_id IN (?" +
		strings.Repeat(", ?", len(ids)-1) + ")"

	rows, err := s.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return nil, true, err
	}
	defer rows.Close()

	var rowids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, true, err
		}
		rowids = append(rowids, id)
	}
	return rowids, true, rows.Err()
}

// SearchByVector performs a KNN search returning the top-k documents.
func (s *SqliteStore) SearchByVector(ctx context.Context, vec []float32, k int) ([]Result, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, nil
	}

	rowids, filtered, err := s.filterRowids(ctx)
	if err != nil {
		return nil, err
	}
	if filtered && len(rowids) == 0 {
		return nil, nil
	}

	query := `
		SELECT v.distance, d.doc_id, d.text, d.attributes
		FROM vec_documents v
		JOIN documents d ON d.rowid = v.rowid
		WHERE v.embedding MATCH ? AND k = ?`
	args := []any{serializeFloat32(vec), k}
	if filtered {
		query += " AND v.rowid IN (?" + strings.Repeat(", ?", len(rowids)-1) + ")"
		for _, id := range rowids {
			args = append(args, id)
		}
	}
	query += " ORDER BY v.distance"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			distance float64
			doc      Document
			attrs    sql.NullString
		)
		if err := rows.Scan(&distance, &doc.ID, &doc.Text, &attrs); err != nil {
			return nil, err
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &doc.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes for %s: %w", doc.ID, err)
			}
		}
		results = append(results, Result{
			Document: doc,
			Score:    1.0 - math.Abs(distance),
		})
	}
	return results, rows.Err()
}

// SearchByText embeds the text then searches by vector.
func (s *SqliteStore) SearchByText(ctx context.Context, text string, embed EmbedFunc, k int) ([]Result, error) {
	vec, err := embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query text: %w", err)
	}
	return s.SearchByVector(ctx, vec, k)
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
