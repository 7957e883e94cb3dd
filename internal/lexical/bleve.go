package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/kbfuse/kbfuse/internal/errors"
	"github.com/kbfuse/kbfuse/internal/kb"
)

// stemAnalyzerName is the custom analyzer registered on the bleve mapping:
// unicode tokenizer, lowercase, porter stemmer. Stemming happens at both
// index and query time, so inflected forms match without wildcards.
const stemAnalyzerName = "stemmed_text"

// bleveFulltext keeps the full-text structure in a bleve index directory,
// separate from the SQLite chunk store.
type bleveFulltext struct {
	index bleve.Index
}

// bleveChunk is the per-chunk document shape fed to bleve.
type bleveChunk struct {
	Content      string `json:"content"`
	SectionTitle string `json:"section_title"`
}

func openBleveFulltext(path string) (*bleveFulltext, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		m, mapErr := buildIndexMapping()
		if mapErr != nil {
			return nil, mapErr
		}
		idx, err = bleve.New(path, m)
	} else if err != nil {
		// A half-written index directory is unreadable; clear and rebuild
		// rather than failing every open until someone deletes it by hand.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, errors.New(errors.ErrCodeCorruptIndex,
				fmt.Sprintf("bleve index unreadable at %s and cannot be cleared", path), err)
		}
		m, mapErr := buildIndexMapping()
		if mapErr != nil {
			return nil, mapErr
		}
		idx, err = bleve.New(path, m)
	}
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen, "failed to open bleve index", err)
	}
	return &bleveFulltext{index: idx}, nil
}

func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(stemAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			porter.Name,
		},
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexOpen, "failed to register analyzer", err)
	}
	m.DefaultAnalyzer = stemAnalyzerName
	return m, nil
}

// indexChunks ignores the chunk store transaction: bleve has its own
// storage, so its batch commits independently. Entries stranded by a failed
// chunk commit are skipped at search time.
func (b *bleveFulltext) indexChunks(_ context.Context, _ *sql.Tx, chunks []kb.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := b.index.NewBatch()
	for _, ch := range chunks {
		doc := bleveChunk{Content: ch.Content, SectionTitle: ch.Meta.SectionTitle}
		if err := batch.Index(ch.ID, doc); err != nil {
			return err
		}
	}
	return b.index.Batch(batch)
}

func (b *bleveFulltext) deleteChunks(_ context.Context, _ *sql.Tx, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// search requires every term to match the chunk content; the analyzer's
// stemming gives the inflection tolerance FTS5 gets from wildcards.
func (b *bleveFulltext) search(ctx context.Context, terms []string, limit int) ([]scoredChunk, error) {
	must := make([]query.Query, len(terms))
	for i, term := range terms {
		mq := bleve.NewMatchQuery(term)
		mq.SetField("content")
		must[i] = mq
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(must...))
	req.Size = limit
	req.Fields = []string{}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	hits := make([]scoredChunk, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, scoredChunk{
			chunkID: hit.ID,
			// Bleve scores are positive and unbounded; s/(1+s) maps them
			// monotonically into (0,1).
			score: hit.Score / (1.0 + hit.Score),
		})
	}
	return hits, nil
}

func (b *bleveFulltext) close() error {
	return b.index.Close()
}
