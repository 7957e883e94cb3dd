// Package lexical implements the keyword index: exact-term search over
// chunks with BM25 relevance scoring.
//
// Document and chunk rows live in SQLite regardless of backend; the
// full-text structure itself is pluggable between SQLite FTS5 (default,
// single file, WAL) and bleve (separate index directory). Both backends
// apply stemming so inflected forms match, and both normalize raw BM25
// scores into [0,1] with higher meaning better.
package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/kbfuse/kbfuse/internal/chunk"
	"github.com/kbfuse/kbfuse/internal/config"
	"github.com/kbfuse/kbfuse/internal/errors"
	"github.com/kbfuse/kbfuse/internal/kb"
)

// scoredChunk is a fulltext hit before chunk rows are attached.
type scoredChunk struct {
	chunkID string
	score   float64 // normalized to [0,1], higher is better
}

// fulltext is the pluggable full-text structure behind the Index.
//
// indexChunks and deleteChunks receive the chunk store transaction so a
// backend sharing that database (FTS5) commits atomically with the chunk
// rows. Bleve writes to its own directory and cannot join the transaction;
// its entries can outlive a failed commit, which Search tolerates by
// skipping fulltext hits without a chunk row.
type fulltext interface {
	indexChunks(ctx context.Context, tx *sql.Tx, chunks []kb.Chunk) error
	deleteChunks(ctx context.Context, tx *sql.Tx, chunkIDs []string) error
	search(ctx context.Context, terms []string, limit int) ([]scoredChunk, error)
	close() error
}

// Options configures an Index.
type Options struct {
	// Backend selects the fulltext structure, config.BackendFTS5 or
	// config.BackendBleve. Empty means FTS5.
	Backend string

	// Chunker splits documents; nil uses default sizing.
	Chunker *chunk.Chunker

	// Logger for index lifecycle events; nil uses slog.Default.
	Logger *slog.Logger
}

// Index is the keyword index. It chunks documents itself so it can be
// rebuilt independently of the semantic index; deterministic chunk IDs keep
// the two indexes agreeing on chunk identity.
type Index struct {
	db      *sql.DB
	ft      fulltext
	chunker *chunk.Chunker
	logger  *slog.Logger
	closed  bool
}

// Open opens (or creates) a lexical index rooted at dir. The SQLite store
// goes to dir/lexical.db; a bleve backend adds dir/lexical.bleve.
func Open(dir string, opts Options) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen,
			fmt.Sprintf("failed to create index directory %s", dir), err)
	}

	dbPath := filepath.Join(dir, "lexical.db")
	db, err := openChunkDB(dbPath)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		db:      db,
		chunker: opts.Chunker,
		logger:  opts.Logger,
	}
	if idx.chunker == nil {
		idx.chunker = chunk.MustNew(chunk.DefaultTargetSize, chunk.DefaultOverlap)
	}
	if idx.logger == nil {
		idx.logger = slog.Default()
	}

	switch opts.Backend {
	case config.BackendBleve:
		ft, err := openBleveFulltext(filepath.Join(dir, "lexical.bleve"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		idx.ft = ft
	case config.BackendFTS5, "":
		ft, err := openFTS5Fulltext(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		idx.ft = ft
	default:
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown lexical backend %q", opts.Backend), nil)
	}

	idx.logger.Debug("lexical_index_opened",
		slog.String("dir", dir),
		slog.String("backend", opts.Backend))
	return idx, nil
}

// openChunkDB opens the SQLite chunk store with WAL mode for concurrent
// readers and creates the schema.
func openChunkDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen, "failed to open chunk store", err)
	}

	// Single writer prevents SQLITE_BUSY under concurrent indexing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores some DSN params; pragmas must be explicit.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.New(errors.ErrCodeIndexOpen, "failed to set pragma", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		file_name    TEXT NOT NULL,
		source_path  TEXT NOT NULL,
		file_type    TEXT NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id              TEXT PRIMARY KEY,
		doc_id          TEXT NOT NULL REFERENCES documents(id),
		content         TEXT NOT NULL,
		start_offset    INTEGER NOT NULL,
		end_offset      INTEGER NOT NULL,
		seq             INTEGER NOT NULL,
		section_title   TEXT NOT NULL DEFAULT '',
		heading_level   INTEGER NOT NULL DEFAULT 0,
		code_block_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS chunks_doc_id ON chunks(doc_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeIndexOpen, "failed to initialize schema", err)
	}
	return db, nil
}

// IndexDocument chunks the document and replaces any previous version of it.
// Re-indexing the same document is idempotent.
func (x *Index) IndexDocument(ctx context.Context, doc *kb.Document) error {
	if x.closed {
		return errors.New(errors.ErrCodeIndexClosed, "lexical index is closed", nil)
	}
	if doc == nil || doc.ID == "" {
		return errors.ValidationError("document must have an ID", nil)
	}

	chunks := x.chunker.Chunk(doc.Content, doc.ID, doc.DocType(), kb.ChunkMeta{})

	oldIDs, err := x.chunkIDsForDoc(ctx, doc.ID)
	if err != nil {
		return err
	}

	// Replace semantics: stale chunk rows and fulltext entries go in the
	// same transaction as the new ones, so a document is never half-indexed.
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(oldIDs) > 0 {
		if err := x.ft.deleteChunks(ctx, tx, oldIDs); err != nil {
			return errors.New(errors.ErrCodeIndexFailed, "failed to clear stale fulltext entries", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, doc.ID); err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to delete stale chunks", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents
			(id, file_name, source_path, file_type, content, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.FileName, doc.SourcePath, doc.FileType, doc.Content,
		doc.ContentHash(), doc.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to store document", err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks
			(id, doc_id, content, start_offset, end_offset, seq,
			 section_title, heading_level, code_block_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to prepare chunk insert", err)
	}
	defer func() { _ = insert.Close() }()

	for _, ch := range chunks {
		if _, err := insert.ExecContext(ctx,
			ch.ID, ch.DocID, ch.Content, ch.StartOffset, ch.EndOffset, ch.Sequence,
			ch.Meta.SectionTitle, ch.Meta.HeadingLevel, ch.Meta.CodeBlockName); err != nil {
			return errors.New(errors.ErrCodeIndexFailed,
				fmt.Sprintf("failed to store chunk %s", ch.ID), err)
		}
	}
	if err := x.ft.indexChunks(ctx, tx, chunks); err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to index chunks for fulltext", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to commit chunks", err)
	}

	x.logger.Debug("document_indexed",
		slog.String("doc_id", doc.ID),
		slog.Int("chunks", len(chunks)))
	return nil
}

// RemoveDocument deletes a document and all its chunks. Removing an unknown
// document is a no-op.
func (x *Index) RemoveDocument(ctx context.Context, docID string) error {
	if x.closed {
		return errors.New(errors.ErrCodeIndexClosed, "lexical index is closed", nil)
	}

	ids, err := x.chunkIDsForDoc(ctx, docID)
	if err != nil {
		return err
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(ids) > 0 {
		if err := x.ft.deleteChunks(ctx, tx, ids); err != nil {
			return errors.New(errors.ErrCodeIndexFailed, "failed to delete fulltext entries", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to delete chunks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		return errors.New(errors.ErrCodeIndexFailed, "failed to delete document", err)
	}
	return tx.Commit()
}

// Search runs a keyword query and returns up to limit chunks with
// normalized scores, best first. An empty or unmatched query returns an
// empty slice, not an error.
func (x *Index) Search(ctx context.Context, query string, limit int) ([]kb.SearchResult, error) {
	if x.closed {
		return nil, errors.New(errors.ErrCodeIndexClosed, "lexical index is closed", nil)
	}
	if limit <= 0 {
		return []kb.SearchResult{}, nil
	}

	terms := QueryTerms(query)
	if len(terms) == 0 {
		return []kb.SearchResult{}, nil
	}

	hits, err := x.ft.search(ctx, terms, limit)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "fulltext search failed", err)
	}

	results := make([]kb.SearchResult, 0, len(hits))
	for _, hit := range hits {
		ch, err := x.loadChunk(ctx, hit.chunkID)
		if err != nil {
			// A fulltext hit without a chunk row means a partially failed
			// write; skip rather than fail the whole query.
			x.logger.Warn("orphan_fulltext_hit", slog.String("chunk_id", hit.chunkID))
			continue
		}
		ch.Meta.SearchSource = kb.SourceLexical
		results = append(results, kb.SearchResult{
			Chunk: ch,
			Score: hit.score,
		})
	}
	return results, nil
}

// Document returns a stored document by ID.
func (x *Index) Document(ctx context.Context, docID string) (*kb.Document, error) {
	if x.closed {
		return nil, errors.New(errors.ErrCodeIndexClosed, "lexical index is closed", nil)
	}

	row := x.db.QueryRowContext(ctx, `
		SELECT id, file_name, source_path, file_type, content, created_at
		FROM documents WHERE id = ?`, docID)

	var doc kb.Document
	var createdAt string
	if err := row.Scan(&doc.ID, &doc.FileName, &doc.SourcePath, &doc.FileType,
		&doc.Content, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ValidationError(fmt.Sprintf("document %s not found", docID), err)
		}
		return nil, errors.New(errors.ErrCodeSearchFailed, "failed to load document", err)
	}
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &doc, nil
}

// ChunkIDs returns every chunk ID in the index, sorted, for consistency
// checks against the semantic index.
func (x *Index) ChunkIDs(ctx context.Context) ([]string, error) {
	if x.closed {
		return nil, errors.New(errors.ErrCodeIndexClosed, "lexical index is closed", nil)
	}

	rows, err := x.db.QueryContext(ctx, `SELECT id FROM chunks ORDER BY id`)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "failed to list chunk IDs", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.New(errors.ErrCodeSearchFailed, "failed to scan chunk ID", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns document and chunk counts.
func (x *Index) Stats(ctx context.Context) (kb.IndexStats, error) {
	if x.closed {
		return kb.IndexStats{}, errors.New(errors.ErrCodeIndexClosed, "lexical index is closed", nil)
	}

	var stats kb.IndexStats
	if err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents`).Scan(&stats.DocumentCount); err != nil {
		return kb.IndexStats{}, errors.New(errors.ErrCodeSearchFailed, "failed to count documents", err)
	}
	if err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks`).Scan(&stats.ChunkCount); err != nil {
		return kb.IndexStats{}, errors.New(errors.ErrCodeSearchFailed, "failed to count chunks", err)
	}
	return stats, nil
}

// Close checkpoints and closes the index. Idempotent.
func (x *Index) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true

	ftErr := x.ft.close()
	_, _ = x.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	dbErr := x.db.Close()
	if ftErr != nil {
		return ftErr
	}
	return dbErr
}

func (x *Index) chunkIDsForDoc(ctx context.Context, docID string) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id FROM chunks WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "failed to list document chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.New(errors.ErrCodeSearchFailed, "failed to scan chunk ID", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (x *Index) loadChunk(ctx context.Context, chunkID string) (kb.Chunk, error) {
	row := x.db.QueryRowContext(ctx, `
		SELECT id, doc_id, content, start_offset, end_offset, seq,
		       section_title, heading_level, code_block_name
		FROM chunks WHERE id = ?`, chunkID)

	var ch kb.Chunk
	if err := row.Scan(&ch.ID, &ch.DocID, &ch.Content, &ch.StartOffset, &ch.EndOffset,
		&ch.Sequence, &ch.Meta.SectionTitle, &ch.Meta.HeadingLevel,
		&ch.Meta.CodeBlockName); err != nil {
		return kb.Chunk{}, err
	}
	return ch, nil
}

// QueryTerms extracts lowercase search terms from a raw query, stripping
// punctuation that would be interpreted as fulltext syntax.
func QueryTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !isTermRune(r)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			terms = append(terms, strings.ToLower(f))
		}
	}
	return terms
}

func isTermRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_':
		return true
	case r > 127: // keep non-ASCII letters for CJK and accented text
		return true
	}
	return false
}
