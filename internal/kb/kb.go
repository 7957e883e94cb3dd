// Package kb defines the data model shared by the indexing, fusion, and
// retrieval layers: documents, chunks, and per-query search results.
package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocType classifies document content for chunking strategy selection.
type DocType string

const (
	DocTypeMarkdown DocType = "markdown"
	DocTypeSource   DocType = "source"
	DocTypeText     DocType = "text"
)

// Document is an ingested document. Immutable after ingestion; Content is
// the unit handed to the chunker.
type Document struct {
	ID         string
	SourcePath string
	FileName   string
	FileType   string // File extension without dot ("md", "go", "txt")
	Content    string
	RawBytes   []byte // Original bytes, optional (lossless side channel)
	Metadata   map[string]string
	CreatedAt  time.Time
}

// NewDocument creates a document with a fresh UUID.
func NewDocument(sourcePath, content string) *Document {
	fileName := filepath.Base(sourcePath)
	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if fileType == "" {
		fileType = "unknown"
	}
	return &Document{
		ID:         uuid.NewString(),
		SourcePath: sourcePath,
		FileName:   fileName,
		FileType:   fileType,
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

// DocType maps the document's file type to a chunking strategy.
func (d *Document) DocType() DocType {
	switch d.FileType {
	case "md", "markdown", "mdx":
		return DocTypeMarkdown
	case "go", "py", "js", "ts", "rs", "java", "c", "cpp", "rb", "kt":
		return DocTypeSource
	default:
		return DocTypeText
	}
}

// ContentHash returns a short content digest for change detection.
func (d *Document) ContentHash() string {
	sum := sha256.Sum256([]byte(d.Content))
	return hex.EncodeToString(sum[:])[:16]
}

// Search source labels recorded on results.
const (
	SourceLexical  = "lexical"
	SourceSemantic = "semantic"
)

// ChunkMeta carries the known optional per-chunk fields plus an opaque
// side channel for true extension data.
type ChunkMeta struct {
	SectionTitle  string            // Markdown heading this chunk belongs to
	HeadingLevel  int               // 1-6, 0 when not under a heading
	CodeBlockName string            // Enclosing definition for source chunks
	SearchSource  string            // Which index produced the result ("lexical", "semantic")
	FusionScore   float64           // Set by the fusion engine on fused results
	FusionSources []string          // Source lists that contributed to fusion
	TopRanked     bool              // Chunk was rank 0 in at least one source list
	Extra         map[string]string // Opaque extension data
}

// Chunk is a bounded, possibly overlapping passage of a document; the
// atomic unit of indexing and retrieval. Offsets are byte offsets into the
// owning document's Content, end-exclusive.
type Chunk struct {
	ID          string
	DocID       string
	Content     string
	StartOffset int
	EndOffset   int
	Sequence    int
	Meta        ChunkMeta
}

// ChunkID derives the deterministic chunk identifier from its position.
// Both indexes chunk independently; identical positions must yield
// identical IDs so fusion can deduplicate by identity.
func ChunkID(docID string, start, end int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", docID, start, end)))
	return hex.EncodeToString(sum[:])[:16]
}

// FusionKey is the dedup key used when a chunk carries no ID.
func (c *Chunk) FusionKey() string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("%s_%d", c.DocID, c.StartOffset)
}

// SearchResult is a per-query result from a single index. Score is on the
// index-local (0,1] scale; scores from different indexes are comparable in
// shape, not magnitude, until fused.
type SearchResult struct {
	Chunk    Chunk
	Score    float64
	Document *Document // Populated by enrichment after fusion, nil otherwise
}

// IndexStats reports per-index document and chunk counts.
type IndexStats struct {
	DocumentCount int
	ChunkCount    int
}
