// Package semantic implements the embedding index: approximate
// nearest-neighbor search over chunk vectors.
//
// Vectors and chunk records persist in a bbolt file keyed by chunk ID; an
// in-memory HNSW graph rebuilt at open time serves queries. The graph uses
// lazy deletion (mappings dropped, nodes orphaned) because removing nodes
// from the graph itself can leave it unsearchable.
package semantic

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"
	bolt "go.etcd.io/bbolt"

	"github.com/kbfuse/kbfuse/internal/chunk"
	"github.com/kbfuse/kbfuse/internal/embed"
	"github.com/kbfuse/kbfuse/internal/errors"
	"github.com/kbfuse/kbfuse/internal/kb"
)

var (
	bucketChunks = []byte("chunks") // chunk ID -> gob(chunkRecord)
	bucketDocs   = []byte("docs")   // doc ID -> gob([]chunk ID)
	bucketMeta   = []byte("meta")   // index-level metadata
	keyDims      = []byte("dimensions")
)

// chunkRecord is the persisted form of an indexed chunk.
type chunkRecord struct {
	Chunk  kb.Chunk
	Vector []float32
}

// Options configures an Index.
type Options struct {
	// Provider generates embeddings; required.
	Provider embed.Provider

	// Chunker splits documents; nil uses default sizing.
	Chunker *chunk.Chunker

	// Logger for lifecycle and degradation events; nil uses slog.Default.
	Logger *slog.Logger
}

// Index is the embedding index.
type Index struct {
	mu       sync.RWMutex
	db       *bolt.DB
	graph    *hnsw.Graph[uint64]
	provider embed.Provider
	chunker  *chunk.Chunker
	logger   *slog.Logger

	// Chunk IDs map to graph keys both ways; deletion drops the mappings
	// and leaves the node orphaned in the graph.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// Open opens (or creates) a semantic index rooted at dir, using
// dir/semantic.db for persistence. A stored dimensionality that differs
// from the provider's is a hard error; mixing vector spaces silently would
// corrupt every distance.
func Open(dir string, opts Options) (*Index, error) {
	if opts.Provider == nil {
		return nil, errors.ValidationError("embedding provider is required", nil)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen,
			fmt.Sprintf("failed to create index directory %s", dir), err)
	}

	db, err := bolt.Open(filepath.Join(dir, "semantic.db"), 0600,
		&bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen, "failed to open vector store", err)
	}

	idx := &Index{
		db:       db,
		provider: opts.Provider,
		chunker:  opts.Chunker,
		logger:   opts.Logger,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
	}
	if idx.chunker == nil {
		idx.chunker = chunk.MustNew(chunk.DefaultTargetSize, chunk.DefaultOverlap)
	}
	if idx.logger == nil {
		idx.logger = slog.Default()
	}

	idx.graph = hnsw.NewGraph[uint64]()
	idx.graph.Distance = hnsw.CosineDistance
	idx.graph.M = 16
	idx.graph.EfSearch = 20
	idx.graph.Ml = 0.25

	if err := idx.initAndRebuild(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// initAndRebuild creates buckets, verifies dimensionality, and rebuilds the
// in-memory graph from persisted vectors.
func (x *Index) initAndRebuild() error {
	return x.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketDocs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.New(errors.ErrCodeIndexOpen, "failed to create bucket", err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		providerDims := x.provider.Dimensions()
		if stored := meta.Get(keyDims); stored != nil {
			storedDims := int(binary.BigEndian.Uint32(stored))
			if providerDims > 0 && storedDims != providerDims {
				return errors.New(errors.ErrCodeDimensionMismatch,
					fmt.Sprintf("index built with %d-dimensional vectors, provider emits %d",
						storedDims, providerDims), nil)
			}
		} else if providerDims > 0 {
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], uint32(providerDims))
			if err := meta.Put(keyDims, buf[:]); err != nil {
				return errors.New(errors.ErrCodeIndexOpen, "failed to store dimensions", err)
			}
		}

		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var rec chunkRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return errors.New(errors.ErrCodeCorruptIndex,
					fmt.Sprintf("unreadable chunk record %s", string(k)), err)
			}
			key := x.nextKey
			x.nextKey++
			x.graph.Add(hnsw.MakeNode(key, rec.Vector))
			x.idMap[rec.Chunk.ID] = key
			x.keyMap[key] = rec.Chunk.ID
			return nil
		})
	})
}

// IndexDocument chunks the document, embeds every chunk, and replaces any
// previous version of the document. Re-indexing is idempotent.
func (x *Index) IndexDocument(ctx context.Context, doc *kb.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return errors.New(errors.ErrCodeIndexClosed, "semantic index is closed", nil)
	}
	if doc == nil || doc.ID == "" {
		return errors.ValidationError("document must have an ID", nil)
	}

	chunks := x.chunker.Chunk(doc.Content, doc.ID, doc.DocType(), kb.ChunkMeta{})

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := x.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return errors.New(errors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("failed to embed document %s", doc.ID), err)
	}

	err = x.db.Update(func(tx *bolt.Tx) error {
		if err := x.deleteDocLocked(tx, doc.ID); err != nil {
			return err
		}

		chunkBkt := tx.Bucket(bucketChunks)
		chunkIDs := make([]string, len(chunks))
		for i, ch := range chunks {
			chunkIDs[i] = ch.ID
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(chunkRecord{Chunk: ch, Vector: vectors[i]}); err != nil {
				return errors.New(errors.ErrCodeIndexFailed, "failed to encode chunk record", err)
			}
			if err := chunkBkt.Put([]byte(ch.ID), buf.Bytes()); err != nil {
				return errors.New(errors.ErrCodeIndexFailed, "failed to store chunk vector", err)
			}
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(chunkIDs); err != nil {
			return errors.New(errors.ErrCodeIndexFailed, "failed to encode chunk ID list", err)
		}
		return tx.Bucket(bucketDocs).Put([]byte(doc.ID), buf.Bytes())
	})
	if err != nil {
		return err
	}

	for i, ch := range chunks {
		x.addToGraphLocked(ch.ID, vectors[i])
	}

	x.logger.Debug("document_embedded",
		slog.String("doc_id", doc.ID),
		slog.Int("chunks", len(chunks)))
	return nil
}

// addToGraphLocked inserts a vector under a fresh key, lazily orphaning any
// previous node for the same chunk ID.
func (x *Index) addToGraphLocked(chunkID string, vector []float32) {
	if oldKey, exists := x.idMap[chunkID]; exists {
		delete(x.keyMap, oldKey)
		delete(x.idMap, chunkID)
	}
	key := x.nextKey
	x.nextKey++
	x.graph.Add(hnsw.MakeNode(key, vector))
	x.idMap[chunkID] = key
	x.keyMap[key] = chunkID
}

// deleteDocLocked removes a document's chunks from bbolt and orphans their
// graph nodes. Caller holds the write lock and the bbolt transaction.
func (x *Index) deleteDocLocked(tx *bolt.Tx, docID string) error {
	docsBkt := tx.Bucket(bucketDocs)
	raw := docsBkt.Get([]byte(docID))
	if raw == nil {
		return nil
	}

	var chunkIDs []string
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&chunkIDs); err != nil {
		return errors.New(errors.ErrCodeCorruptIndex, "unreadable chunk ID list", err)
	}

	chunkBkt := tx.Bucket(bucketChunks)
	for _, id := range chunkIDs {
		if err := chunkBkt.Delete([]byte(id)); err != nil {
			return errors.New(errors.ErrCodeIndexFailed, "failed to delete chunk vector", err)
		}
		if key, exists := x.idMap[id]; exists {
			delete(x.keyMap, key)
			delete(x.idMap, id)
		}
	}
	return docsBkt.Delete([]byte(docID))
}

// RemoveDocument deletes a document's vectors. Removing an unknown document
// is a no-op.
func (x *Index) RemoveDocument(_ context.Context, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return errors.New(errors.ErrCodeIndexClosed, "semantic index is closed", nil)
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		return x.deleteDocLocked(tx, docID)
	})
}

// Search embeds the query and returns up to limit nearest chunks with
// scores 1/(1+distance), best first. Provider failure degrades to an empty
// result set so a hybrid query can still serve keyword hits.
func (x *Index) Search(ctx context.Context, query string, limit int) ([]kb.SearchResult, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, errors.New(errors.ErrCodeIndexClosed, "semantic index is closed", nil)
	}
	if limit <= 0 || len(x.idMap) == 0 {
		return []kb.SearchResult{}, nil
	}

	queryVec, err := x.provider.Embed(ctx, query)
	if err != nil {
		x.logger.Warn("semantic_search_degraded",
			slog.String("reason", "embedding provider failed"),
			slog.String("error", err.Error()))
		return []kb.SearchResult{}, nil
	}

	// Over-fetch by the orphan count so lazily deleted nodes don't crowd
	// out live results.
	fetch := limit + (x.graph.Len() - len(x.idMap))
	nodes := x.graph.Search(queryVec, fetch)

	results := make([]kb.SearchResult, 0, limit)
	for _, node := range nodes {
		chunkID, live := x.keyMap[node.Key]
		if !live {
			continue
		}

		rec, err := x.loadRecord(chunkID)
		if err != nil {
			x.logger.Warn("orphan_vector_hit", slog.String("chunk_id", chunkID))
			continue
		}

		distance := x.graph.Distance(queryVec, node.Value)
		rec.Chunk.Meta.SearchSource = kb.SourceSemantic
		results = append(results, kb.SearchResult{
			Chunk: rec.Chunk,
			Score: 1.0 / (1.0 + float64(distance)),
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (x *Index) loadRecord(chunkID string) (chunkRecord, error) {
	var rec chunkRecord
	err := x.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get([]byte(chunkID))
		if raw == nil {
			return errors.ValidationError(fmt.Sprintf("chunk %s not found", chunkID), nil)
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	})
	return rec, err
}

// ChunkIDs returns every live chunk ID, for consistency checks against the
// lexical index.
func (x *Index) ChunkIDs(_ context.Context) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, errors.New(errors.ErrCodeIndexClosed, "semantic index is closed", nil)
	}

	var ids []string
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Stats returns document and chunk counts.
func (x *Index) Stats(_ context.Context) (kb.IndexStats, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return kb.IndexStats{}, errors.New(errors.ErrCodeIndexClosed, "semantic index is closed", nil)
	}

	var stats kb.IndexStats
	err := x.db.View(func(tx *bolt.Tx) error {
		stats.DocumentCount = tx.Bucket(bucketDocs).Stats().KeyN
		stats.ChunkCount = tx.Bucket(bucketChunks).Stats().KeyN
		return nil
	})
	return stats, err
}

// Close releases the store and graph. Idempotent. The provider is owned by
// the caller and stays open.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil
	}
	x.closed = true
	x.graph = nil
	return x.db.Close()
}
