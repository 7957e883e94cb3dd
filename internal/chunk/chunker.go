// Package chunk splits document text into bounded, overlapping,
// structure-aware passages.
//
// Strategy is selected by document type:
//   - markdown: split at heading boundaries, keep small sections whole
//   - source: split at top-level definition boundaries (column 0)
//   - text: sliding window with backward break-point search
//
// Chunking is pure and deterministic: the same input always yields the same
// chunks with the same IDs, which is what lets the two indexes chunk
// independently yet agree on chunk identity.
package chunk

import (
	"regexp"
	"strings"

	"github.com/kbfuse/kbfuse/internal/errors"
	"github.com/kbfuse/kbfuse/internal/kb"
)

// Defaults for chunk sizing, in characters.
const (
	DefaultTargetSize = 500
	DefaultOverlap    = 100

	// sectionSlack lets a markdown section up to 1.5x the target size stay
	// a single chunk, preserving heading context.
	sectionSlack = 1.5

	// definitionSlack lets a source definition up to 2x the target size
	// stay a single chunk.
	definitionSlack = 2.0

	// breakSearchWindow is the fraction of the window, counted from its
	// end, searched backward for a natural break point.
	breakSearchWindow = 0.3
)

var (
	headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

	// Top-level definitions across common languages; must start at column 0.
	definitionPattern = regexp.MustCompile(`^(?:func|def|class|function|fn|type|interface|struct|impl)\s+(\w+)`)
)

// Chunker splits text into overlapping, structure-aware chunks.
type Chunker struct {
	targetSize int
	overlap    int
}

// New creates a chunker. Fails fast when overlap >= targetSize: the sliding
// window slides back by overlap after each cut and would never advance.
func New(targetSize, overlap int) (*Chunker, error) {
	if targetSize <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidChunking,
			"target size must be positive", nil)
	}
	if overlap < 0 || overlap >= targetSize {
		return nil, errors.New(errors.ErrCodeInvalidChunking,
			"overlap must be non-negative and smaller than target size", nil)
	}
	return &Chunker{targetSize: targetSize, overlap: overlap}, nil
}

// MustNew is New for known-good constants; panics on invalid sizes.
func MustNew(targetSize, overlap int) *Chunker {
	c, err := New(targetSize, overlap)
	if err != nil {
		panic("chunk.MustNew: " + err.Error())
	}
	return c
}

// Chunk splits text into an ordered chunk sequence for the given document.
// Empty or whitespace-only input yields no chunks. Input no longer than the
// target size yields a single chunk spanning it all.
func (c *Chunker) Chunk(text, docID string, docType kb.DocType, meta kb.ChunkMeta) []kb.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []kb.Chunk
	switch docType {
	case kb.DocTypeMarkdown:
		chunks = c.chunkMarkdown(text, docID, meta)
	case kb.DocTypeSource:
		chunks = c.chunkSource(text, docID, meta)
	default:
		chunks = c.chunkText(text, docID, meta, 0)
	}

	for i := range chunks {
		chunks[i].Sequence = i
	}
	return chunks
}

// section is a markdown heading section, offsets into the full text.
type section struct {
	title string
	level int
	start int
	end   int
}

// chunkMarkdown splits at heading boundaries. Sections small enough to fit
// in one chunk stay verbatim so heading context survives; larger sections
// recurse into the generic splitter.
func (c *Chunker) chunkMarkdown(text, docID string, meta kb.ChunkMeta) []kb.Chunk {
	sections := parseSections(text)
	if len(sections) == 0 {
		return c.chunkText(text, docID, meta, 0)
	}

	var chunks []kb.Chunk
	for _, sec := range sections {
		secMeta := meta
		secMeta.SectionTitle = sec.title
		secMeta.HeadingLevel = sec.level

		content := text[sec.start:sec.end]
		if strings.TrimSpace(content) == "" {
			continue
		}

		if float64(len(content)) <= float64(c.targetSize)*sectionSlack {
			chunks = append(chunks, kb.Chunk{
				ID:          kb.ChunkID(docID, sec.start, sec.end),
				DocID:       docID,
				Content:     content,
				StartOffset: sec.start,
				EndOffset:   sec.end,
				Meta:        secMeta,
			})
			continue
		}

		chunks = append(chunks, c.chunkText(content, docID, secMeta, sec.start)...)
	}
	return chunks
}

// parseSections finds heading-bounded sections. Content before the first
// heading becomes an untitled level-0 section.
func parseSections(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	var current *section

	pos := 0
	for i, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			if current != nil {
				current.end = pos
				sections = append(sections, *current)
			} else if pos > 0 {
				sections = append(sections, section{start: 0, end: pos})
			}
			current = &section{
				title: strings.TrimSpace(m[2]),
				level: len(m[1]),
				start: pos,
			}
		}

		pos += len(line)
		if i < len(lines)-1 {
			pos++ // newline
		}
	}

	if current != nil {
		current.end = len(text)
		sections = append(sections, *current)
	} else if len(sections) == 0 {
		return nil // no headings at all
	}
	return sections
}

// block is a top-level source definition, offsets into the full text.
type block struct {
	name  string
	start int
	end   int
}

// chunkSource splits at top-level definition boundaries. Definitions that
// fit stay whole; oversized ones recurse into the generic splitter.
func (c *Chunker) chunkSource(text, docID string, meta kb.ChunkMeta) []kb.Chunk {
	blocks := parseBlocks(text)
	if len(blocks) == 0 {
		return c.chunkText(text, docID, meta, 0)
	}

	var chunks []kb.Chunk
	for _, b := range blocks {
		content := text[b.start:b.end]
		if strings.TrimSpace(content) == "" {
			continue
		}

		blockMeta := meta
		blockMeta.CodeBlockName = b.name

		if float64(len(content)) <= float64(c.targetSize)*definitionSlack {
			chunks = append(chunks, kb.Chunk{
				ID:          kb.ChunkID(docID, b.start, b.end),
				DocID:       docID,
				Content:     content,
				StartOffset: b.start,
				EndOffset:   b.end,
				Meta:        blockMeta,
			})
			continue
		}

		chunks = append(chunks, c.chunkText(content, docID, blockMeta, b.start)...)
	}
	return chunks
}

// parseBlocks walks lines, starting a new block at every column-0
// definition. Leading content before the first definition (imports, package
// clause) becomes an unnamed block.
func parseBlocks(text string) []block {
	lines := strings.Split(text, "\n")
	var blocks []block
	var current *block

	pos := 0
	for i, line := range lines {
		if m := definitionPattern.FindStringSubmatch(line); m != nil {
			if current != nil {
				current.end = pos
				blocks = append(blocks, *current)
			} else if pos > 0 {
				blocks = append(blocks, block{start: 0, end: pos})
			}
			current = &block{name: m[1], start: pos}
		}

		pos += len(line)
		if i < len(lines)-1 {
			pos++
		}
	}

	if current != nil {
		current.end = len(text)
		blocks = append(blocks, *current)
	} else if len(blocks) == 0 {
		return nil
	}
	return blocks
}

// chunkText is the generic sliding-window splitter. baseOffset shifts chunk
// offsets when splitting a slice of a larger document.
func (c *Chunker) chunkText(text, docID string, meta kb.ChunkMeta, baseOffset int) []kb.Chunk {
	if len(text) <= c.targetSize {
		return []kb.Chunk{{
			ID:          kb.ChunkID(docID, baseOffset, baseOffset+len(text)),
			DocID:       docID,
			Content:     text,
			StartOffset: baseOffset,
			EndOffset:   baseOffset + len(text),
			Meta:        meta,
		}}
	}

	var chunks []kb.Chunk
	pos := 0
	for pos < len(text) {
		end := pos + c.targetSize
		if end >= len(text) {
			end = len(text)
		} else if cut := findBreakPoint(text, pos, end); cut > pos {
			end = cut
		}

		chunks = append(chunks, kb.Chunk{
			ID:          kb.ChunkID(docID, baseOffset+pos, baseOffset+end),
			DocID:       docID,
			Content:     text[pos:end],
			StartOffset: baseOffset + pos,
			EndOffset:   baseOffset + end,
			Meta:        meta,
		})

		if end >= len(text) {
			break
		}
		next := end - c.overlap
		if next <= pos {
			// A break point cut the window short enough that sliding back
			// by the full overlap would stall; advance without overlap.
			next = end
		}
		pos = next
	}
	return chunks
}

// Break points in priority order: blank line, sentence terminator followed
// by whitespace (including CJK full-width terminators), single newline,
// space. CJK terminators are self-delimiting and need no trailing space.
var sentenceBreaks = []string{". ", ".\n", "。", "！", "？", "! ", "? "}

// findBreakPoint searches the tail of the window [pos,end) backward for a
// natural cut. Returns the cut position (end-exclusive) or -1.
func findBreakPoint(text string, pos, end int) int {
	searchStart := pos + int(float64(end-pos)*(1-breakSearchWindow))
	window := text[searchStart:end]

	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return searchStart + idx + 2
	}

	best := -1
	for _, sep := range sentenceBreaks {
		if idx := strings.LastIndex(window, sep); idx >= 0 {
			cut := idx + len(sep)
			if cut > best {
				best = cut
			}
		}
	}
	if best >= 0 {
		return searchStart + best
	}

	if idx := strings.LastIndex(window, "\n"); idx >= 0 {
		return searchStart + idx + 1
	}
	if idx := strings.LastIndex(window, " "); idx >= 0 {
		return searchStart + idx + 1
	}
	return -1
}
