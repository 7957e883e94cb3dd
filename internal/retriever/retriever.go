// Package retriever orchestrates the lexical and semantic indexes behind a
// single search surface.
//
// Writes go to both indexes sequentially, lexical first. There is no
// cross-index transaction: a crash between the two writes leaves the indexes
// divergent, which CheckConsistency surfaces and nothing auto-repairs.
// Reads run in parallel; one source failing degrades the search to whatever
// the other source found, and only both failing is an error.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/kbfuse/kbfuse/internal/chunk"
	"github.com/kbfuse/kbfuse/internal/config"
	"github.com/kbfuse/kbfuse/internal/embed"
	"github.com/kbfuse/kbfuse/internal/errors"
	"github.com/kbfuse/kbfuse/internal/fusion"
	"github.com/kbfuse/kbfuse/internal/kb"
	"github.com/kbfuse/kbfuse/internal/lexical"
	"github.com/kbfuse/kbfuse/internal/rerank"
	"github.com/kbfuse/kbfuse/internal/semantic"
)

const (
	// DefaultTopK is used when a caller passes a non-positive limit.
	DefaultTopK = 10

	// minFetchLimit is the floor on the per-source fetch size. Fusion needs
	// candidate depth even for small topK values, otherwise a chunk ranked
	// well by one source but just outside the other's cutoff never fuses.
	minFetchLimit = 20

	lockFileName = "kbfuse.lock"
)

// Index is the contract both the lexical and semantic index satisfy. The
// retriever depends only on this interface, so a third source can be added
// without touching the orchestration.
type Index interface {
	IndexDocument(ctx context.Context, doc *kb.Document) error
	RemoveDocument(ctx context.Context, docID string) error
	Search(ctx context.Context, query string, limit int) ([]kb.SearchResult, error)
	ChunkIDs(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (kb.IndexStats, error)
	Close() error
}

// DocumentStore resolves document IDs to full documents, used to enrich
// results after fusion and rerank, never during them. A missing document is
// reported as an error by implementations; enrichment treats any lookup
// failure as "absent" and leaves the result bare.
type DocumentStore interface {
	Document(ctx context.Context, docID string) (*kb.Document, error)
}

// Retriever fuses a lexical and a semantic index at query time.
type Retriever struct {
	cfg      config.Config
	lexical  Index
	semantic Index
	docs     DocumentStore
	fuser    *fusion.Engine
	oracle   rerank.Oracle
	reranker rerank.Reranker
	provider embed.Provider
	logger   *slog.Logger

	// lock is held for the lifetime of a directory-backed retriever so two
	// processes never write the same index files.
	lock *flock.Flock

	// ownIndexes and ownProvider mark what Open built itself and Close
	// should therefore tear down. Handles passed into New stay with the
	// caller.
	ownIndexes  bool
	ownProvider bool

	mu     sync.Mutex
	closed bool
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) { r.logger = logger }
}

// WithOracle enables oracle-backed reranking with the given relevance judge
// when cfg.Rerank.Enabled is also set.
func WithOracle(oracle rerank.Oracle) Option {
	return func(r *Retriever) { r.oracle = oracle }
}

// WithReranker installs a specific reranker implementation, such as
// rerank.HeuristicReranker for oracle-free deployments. Takes precedence
// over WithOracle.
func WithReranker(rr rerank.Reranker) Option {
	return func(r *Retriever) { r.reranker = rr }
}

// WithProvider overrides the embedding provider Open would build from the
// configuration. The caller keeps ownership; Close will not close it.
func WithProvider(p embed.Provider) Option {
	return func(r *Retriever) {
		r.provider = p
		r.ownProvider = false
	}
}

// New assembles a retriever from explicitly opened index handles. The
// retriever takes ownership of neither index; Close closes only what Open
// created. docs may be nil, disabling document enrichment.
func New(lex, sem Index, docs DocumentStore, cfg config.Config, opts ...Option) (*Retriever, error) {
	if lex == nil || sem == nil {
		return nil, errors.ValidationError("both a lexical and a semantic index are required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Retriever{
		cfg:      cfg,
		lexical:  lex,
		semantic: sem,
		docs:     docs,
		fuser:    fusion.NewEngine(cfg.Fusion),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reranker == nil && r.oracle != nil {
		r.reranker = rerank.New(r.oracle, cfg.Rerank, r.logger)
	}
	return r, nil
}

// Open creates or opens a retriever rooted at dir, building both index
// stores under it: dir/lexical for the keyword index, dir/semantic for the
// vector index. A file lock guards the directory against a second writer;
// contention returns ErrCodeIndexLocked immediately rather than blocking.
func Open(dir string, cfg config.Config, opts ...Option) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen,
			fmt.Sprintf("failed to create index directory %s", dir), err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen, "failed to acquire index lock", err)
	}
	if !locked {
		return nil, errors.New(errors.ErrCodeIndexLocked,
			fmt.Sprintf("index at %s is locked by another process", dir), nil)
	}

	r := &Retriever{
		cfg:        cfg,
		fuser:      fusion.NewEngine(cfg.Fusion),
		logger:     slog.Default(),
		lock:       lock,
		ownIndexes: true,
	}
	for _, opt := range opts {
		opt(r)
	}

	cleanup := func() {
		if r.lexical != nil {
			_ = r.lexical.Close()
		}
		if r.semantic != nil {
			_ = r.semantic.Close()
		}
		if r.ownProvider && r.provider != nil {
			_ = r.provider.Close()
		}
		_ = lock.Unlock()
	}

	if r.provider == nil {
		p, err := embed.NewFromConfig(cfg.Embeddings)
		if err != nil {
			cleanup()
			return nil, err
		}
		r.provider = p
		r.ownProvider = true
	}

	chunker, err := chunk.New(cfg.Chunking.TargetSize, cfg.Chunking.Overlap)
	if err != nil {
		cleanup()
		return nil, err
	}

	lex, err := lexical.Open(filepath.Join(dir, "lexical"), lexical.Options{
		Backend: cfg.Lexical.Backend,
		Chunker: chunker,
		Logger:  r.logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	r.lexical = lex
	r.docs = lex

	sem, err := semantic.Open(filepath.Join(dir, "semantic"), semantic.Options{
		Provider: r.provider,
		Chunker:  chunker,
		Logger:   r.logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	r.semantic = sem

	if r.reranker == nil && r.oracle != nil {
		r.reranker = rerank.New(r.oracle, cfg.Rerank, r.logger)
	}

	r.logger.Info("retriever_opened",
		slog.String("dir", dir),
		slog.String("lexical_backend", cfg.Lexical.Backend),
		slog.String("embedding_provider", r.provider.ModelName()))
	return r, nil
}

// IndexDocument chunks and indexes a document into both indexes, lexical
// first. There is no cross-index transaction; a semantic failure after a
// successful lexical write leaves the indexes divergent until the document
// is re-indexed. CheckConsistency reports the divergence.
func (r *Retriever) IndexDocument(ctx context.Context, doc *kb.Document) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if doc == nil {
		return errors.ValidationError("document is nil", nil)
	}

	if err := r.lexical.IndexDocument(ctx, doc); err != nil {
		return errors.New(errors.ErrCodeIndexFailed,
			fmt.Sprintf("lexical indexing failed for %s", doc.FileName), err)
	}
	if err := r.semantic.IndexDocument(ctx, doc); err != nil {
		r.logger.Warn("index_divergence",
			slog.String("doc_id", doc.ID),
			slog.String("reason", "semantic write failed after lexical write"))
		return errors.New(errors.ErrCodeIndexFailed,
			fmt.Sprintf("semantic indexing failed for %s", doc.FileName), err)
	}
	return nil
}

// RemoveDocument removes a document and its chunks from both indexes. Both
// removals are attempted even when the first fails, so the indexes converge
// as far as possible. Removing an unknown ID is a no-op.
func (r *Retriever) RemoveDocument(ctx context.Context, docID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	lexErr := r.lexical.RemoveDocument(ctx, docID)
	semErr := r.semantic.RemoveDocument(ctx, docID)
	if lexErr != nil {
		return errors.New(errors.ErrCodeIndexFailed, "lexical removal failed", lexErr)
	}
	if semErr != nil {
		return errors.New(errors.ErrCodeIndexFailed, "semantic removal failed", semErr)
	}
	return nil
}

// Search runs the hybrid retrieval pipeline: both indexes in parallel,
// strong-signal short-circuit, weighted RRF fusion, optional oracle rerank,
// then document enrichment. It always returns a non-nil slice on success.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]kb.SearchResult, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	// Over-fetch per source so fusion has candidate depth.
	fetchLimit := topK * 2
	if fetchLimit < minFetchLimit {
		fetchLimit = minFetchLimit
	}

	var (
		lexResults, semResults []kb.SearchResult
		lexErr, semErr         error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lexResults, lexErr = r.lexical.Search(gctx, query, fetchLimit)
		return nil
	})
	g.Go(func() error {
		semResults, semErr = r.semantic.Search(gctx, query, fetchLimit)
		return nil
	})
	_ = g.Wait()

	if lexErr != nil && semErr != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed,
			fmt.Sprintf("both sources failed: lexical: %v; semantic: %v", lexErr, semErr), lexErr)
	}
	if lexErr != nil {
		r.logger.Warn("search_degraded",
			slog.String("source", kb.SourceLexical),
			slog.String("category", string(errors.GetCategory(lexErr))),
			slog.String("error", lexErr.Error()))
		lexResults = nil
	}
	if semErr != nil {
		r.logger.Warn("search_degraded",
			slog.String("source", kb.SourceSemantic),
			slog.String("category", string(errors.GetCategory(semErr))),
			slog.String("error", semErr.Error()))
		semResults = nil
	}

	// An unambiguous exact keyword match would only be diluted by blending.
	if lexErr == nil && r.fuser.DetectStrongSignal(lexResults) {
		r.logger.Debug("strong_signal_shortcircuit",
			slog.String("query", query),
			slog.Float64("top_score", lexResults[0].Score))
		if len(lexResults) > topK {
			lexResults = lexResults[:topK]
		}
		return r.enrich(ctx, lexResults), nil
	}

	var lists []fusion.RankedList
	if len(lexResults) > 0 {
		lists = append(lists, fusion.RankedList{
			Source:  kb.SourceLexical,
			Weight:  r.cfg.Fusion.LexicalWeight,
			Results: lexResults,
		})
	}
	if len(semResults) > 0 {
		lists = append(lists, fusion.RankedList{
			Source:  kb.SourceSemantic,
			Weight:  r.cfg.Fusion.SemanticWeight,
			Results: semResults,
		})
	}

	fused := r.fuser.Fuse(lists, 0)
	if r.reranker != nil && r.cfg.Rerank.Enabled {
		fused = r.reranker.Rerank(ctx, query, fused, topK)
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}
	if fused == nil {
		fused = []kb.SearchResult{}
	}
	return r.enrich(ctx, fused), nil
}

// enrich attaches the owning document to each result when the document
// store can resolve it. Lookup failures leave the result bare.
func (r *Retriever) enrich(ctx context.Context, results []kb.SearchResult) []kb.SearchResult {
	if r.docs == nil {
		return results
	}
	cache := make(map[string]*kb.Document)
	for i := range results {
		docID := results[i].Chunk.DocID
		doc, ok := cache[docID]
		if !ok {
			var err error
			doc, err = r.docs.Document(ctx, docID)
			if err != nil {
				doc = nil
			}
			cache[docID] = doc
		}
		if doc != nil {
			results[i].Document = doc
		}
	}
	return results
}

// Stats reports per-index counts. The two sides can legitimately diverge
// after a partial write; CheckConsistency identifies which chunks differ.
type Stats struct {
	Lexical  kb.IndexStats
	Semantic kb.IndexStats
}

// Stats returns document and chunk counts from both indexes.
func (r *Retriever) Stats(ctx context.Context) (Stats, error) {
	if err := r.checkOpen(); err != nil {
		return Stats{}, err
	}

	lex, err := r.lexical.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	sem, err := r.semantic.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Lexical: lex, Semantic: sem}, nil
}

// ConsistencyReport describes cross-index divergence. Divergence is
// reported, never repaired; reconciliation is a maintenance concern.
type ConsistencyReport struct {
	Lexical  kb.IndexStats
	Semantic kb.IndexStats

	// LexicalOnly holds chunk IDs present only in the lexical index,
	// SemanticOnly the reverse. Both sorted.
	LexicalOnly  []string
	SemanticOnly []string
}

// InSync reports whether both indexes hold exactly the same chunk set.
func (cr *ConsistencyReport) InSync() bool {
	return len(cr.LexicalOnly) == 0 && len(cr.SemanticOnly) == 0
}

// CheckConsistency compares the chunk sets of both indexes.
func (r *Retriever) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	lexIDs, err := r.lexical.ChunkIDs(ctx)
	if err != nil {
		return nil, err
	}
	semIDs, err := r.semantic.ChunkIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &ConsistencyReport{}
	if report.Lexical, err = r.lexical.Stats(ctx); err != nil {
		return nil, err
	}
	if report.Semantic, err = r.semantic.Stats(ctx); err != nil {
		return nil, err
	}

	lexSet := make(map[string]struct{}, len(lexIDs))
	for _, id := range lexIDs {
		lexSet[id] = struct{}{}
	}
	semSet := make(map[string]struct{}, len(semIDs))
	for _, id := range semIDs {
		semSet[id] = struct{}{}
	}
	for _, id := range lexIDs {
		if _, ok := semSet[id]; !ok {
			report.LexicalOnly = append(report.LexicalOnly, id)
		}
	}
	for _, id := range semIDs {
		if _, ok := lexSet[id]; !ok {
			report.SemanticOnly = append(report.SemanticOnly, id)
		}
	}
	sort.Strings(report.LexicalOnly)
	sort.Strings(report.SemanticOnly)
	return report, nil
}

// Close closes both indexes, the provider when Open created it, and
// releases the directory lock. Idempotent.
func (r *Retriever) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if r.ownIndexes {
		if err := r.lexical.Close(); err != nil {
			firstErr = err
		}
		if err := r.semantic.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.ownProvider && r.provider != nil {
		if err := r.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Retriever) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New(errors.ErrCodeIndexClosed, "retriever is closed", nil)
	}
	return nil
}
