package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/kbfuse/kbfuse/internal/errors"
	"github.com/kbfuse/kbfuse/internal/kb"
)

// fts5Fulltext keeps the full-text structure in the same SQLite database as
// the chunk store, in an FTS5 virtual table with porter stemming.
type fts5Fulltext struct {
	db *sql.DB
}

func openFTS5Fulltext(db *sql.DB) (*fts5Fulltext, error) {
	// chunk_id is UNINDEXED: stored for retrieval, not searchable.
	// Section titles are indexed alongside content and weighted at half the
	// content weight at query time.
	schema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		content,
		section_title,
		tokenize='porter unicode61'
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen, "failed to create FTS5 table", err)
	}
	return &fts5Fulltext{db: db}, nil
}

// indexChunks writes FTS entries through the caller's transaction so they
// commit atomically with the chunk rows.
func (f *fts5Fulltext) indexChunks(ctx context.Context, tx *sql.Tx, chunks []kb.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// FTS5 virtual tables have no REPLACE; callers delete stale IDs first.
	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks_fts (chunk_id, content, section_title) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = insert.Close() }()

	for _, ch := range chunks {
		if _, err := insert.ExecContext(ctx, ch.ID, ch.Content, ch.Meta.SectionTitle); err != nil {
			return err
		}
	}
	return nil
}

func (f *fts5Fulltext) deleteChunks(ctx context.Context, tx *sql.Tx, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM chunks_fts WHERE chunk_id IN (%s)",
		strings.Join(placeholders, ","))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// search runs an FTS5 MATCH with every term required. Terms are quoted to
// neutralize FTS5 operators and carry a trailing wildcard so partial words
// still match alongside porter stemming.
func (f *fts5Fulltext) search(ctx context.Context, terms []string, limit int) ([]scoredChunk, error) {
	match := buildMatchQuery(terms)

	// bm25() returns negative values, more negative meaning better; column
	// weights: chunk_id 0, content 1.0, section_title 0.5.
	rows, err := f.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts, 0, 1.0, 0.5) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?`, match, limit)
	if err != nil {
		// FTS5 reports unparseable match expressions as errors; an
		// unmatchable query is no results, not a failure.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []scoredChunk{}, nil
		}
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hits []scoredChunk
	for rows.Next() {
		var id string
		var raw float64
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		hits = append(hits, scoredChunk{chunkID: id, score: normalizeBM25(raw)})
	}
	return hits, rows.Err()
}

func (f *fts5Fulltext) close() error {
	return nil // shares the chunk store connection, closed by the Index
}

// buildMatchQuery renders terms as quoted prefix tokens joined by implicit
// AND: `"reset"* "password"*`.
func buildMatchQuery(terms []string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"*`
	}
	return strings.Join(parts, " ")
}

// normalizeBM25 maps a raw FTS5 bm25() value (negative, unbounded) into
// (0,1], higher meaning better.
func normalizeBM25(raw float64) float64 {
	return 1.0 / (1.0 + math.Abs(raw))
}
