package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/kbfuse/kbfuse/internal/errors"
	"github.com/kbfuse/kbfuse/internal/kb"
)

func TestNew_RejectsOverlapNotSmallerThanTarget(t *testing.T) {
	_, err := New(100, 100)
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidChunking, kberrors.GetCode(err))

	_, err = New(100, 150)
	require.Error(t, err)

	_, err = New(0, 0)
	require.Error(t, err)
}

func TestChunk_EmptyInput(t *testing.T) {
	c := MustNew(500, 100)

	assert.Nil(t, c.Chunk("", "doc1", kb.DocTypeText, kb.ChunkMeta{}))
	assert.Nil(t, c.Chunk("   \n\t  ", "doc1", kb.DocTypeText, kb.ChunkMeta{}))
}

func TestChunk_ShortInputSingleChunk(t *testing.T) {
	c := MustNew(500, 100)
	text := "A short document that fits in one chunk."

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len(text), chunks[0].EndOffset)
	assert.Equal(t, 0, chunks[0].Sequence)
	assert.Equal(t, kb.ChunkID("doc1", 0, len(text)), chunks[0].ID)
}

func TestChunk_Deterministic(t *testing.T) {
	c := MustNew(120, 30)
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)

	a := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})
	b := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i].Content, b[i].Content)
	}
}

func TestChunk_OffsetsMatchContent(t *testing.T) {
	// Every chunk's content must be the exact substring at its offsets.
	c := MustNew(150, 40)
	text := strings.Repeat("Sentence one here. Sentence two follows.\n\nNew paragraph starts. ", 20)

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		require.True(t, ch.StartOffset >= 0)
		require.True(t, ch.EndOffset <= len(text))
		require.True(t, ch.StartOffset < ch.EndOffset)
		assert.Equal(t, text[ch.StartOffset:ch.EndOffset], ch.Content)
	}
}

func TestChunk_FullCoverage(t *testing.T) {
	// Every character index is covered by at least one chunk.
	c := MustNew(100, 25)
	text := strings.Repeat("abcdefghij klmnopqrst. ", 60)

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	covered := make([]bool, len(text))
	for _, ch := range chunks {
		for i := ch.StartOffset; i < ch.EndOffset; i++ {
			covered[i] = true
		}
	}
	for i, ok := range covered {
		require.True(t, ok, "index %d not covered", i)
	}
}

func TestChunk_ConsecutiveChunksOverlap(t *testing.T) {
	c := MustNew(200, 50)
	text := strings.Repeat("word ", 500)

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].StartOffset, chunks[i-1].EndOffset,
			"chunk %d leaves a gap", i)
		assert.Greater(t, chunks[i].EndOffset, chunks[i-1].EndOffset,
			"chunk %d does not advance", i)
	}
}

func TestChunk_BreaksAtSentenceBoundary(t *testing.T) {
	c := MustNew(100, 20)
	// A sentence terminator sits in the last 30% of the first window.
	text := strings.Repeat("x", 80) + ". " + strings.Repeat("y", 120)

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Content, ". "),
		"expected cut after sentence terminator, got %q", chunks[0].Content)
}

func TestChunk_PrefersBlankLineOverSentence(t *testing.T) {
	c := MustNew(100, 20)
	text := strings.Repeat("x", 70) + ". z\n\n" + strings.Repeat("y", 120)

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Content, "\n\n"),
		"expected cut after blank line, got %q", chunks[0].Content)
}

func TestChunk_CJKSentenceTerminators(t *testing.T) {
	c := MustNew(100, 20)
	text := strings.Repeat("あ", 25) + "。" + strings.Repeat("い", 60)

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	// 25 runes x 3 bytes + terminator lands inside the break search window.
	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Content, "。"),
		"expected cut after full-width terminator, got %q", chunks[0].Content)
}

func TestChunk_MarkdownSections(t *testing.T) {
	c := MustNew(500, 100)
	text := `# Getting Started

Install the package and run the setup command.

## Configuration

Set the required environment variables before first use.

## Troubleshooting

Check the log file when startup fails.`

	chunks := c.Chunk(text, "doc1", kb.DocTypeMarkdown, kb.ChunkMeta{})

	require.Len(t, chunks, 3)
	assert.Equal(t, "Getting Started", chunks[0].Meta.SectionTitle)
	assert.Equal(t, 1, chunks[0].Meta.HeadingLevel)
	assert.Equal(t, "Configuration", chunks[1].Meta.SectionTitle)
	assert.Equal(t, 2, chunks[1].Meta.HeadingLevel)
	assert.Equal(t, "Troubleshooting", chunks[2].Meta.SectionTitle)

	for _, ch := range chunks {
		assert.Equal(t, text[ch.StartOffset:ch.EndOffset], ch.Content)
	}
}

func TestChunk_MarkdownPreambleBeforeFirstHeading(t *testing.T) {
	c := MustNew(500, 100)
	text := "Intro paragraph without a heading.\n\n# First Section\n\nBody text."

	chunks := c.Chunk(text, "doc1", kb.DocTypeMarkdown, kb.ChunkMeta{})

	require.Len(t, chunks, 2)
	assert.Equal(t, "", chunks[0].Meta.SectionTitle)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, "First Section", chunks[1].Meta.SectionTitle)
}

func TestChunk_MarkdownLargeSectionRecurses(t *testing.T) {
	c := MustNew(100, 20)
	body := strings.Repeat("This section is long enough to need splitting. ", 20)
	text := "# Big Section\n\n" + body

	chunks := c.Chunk(text, "doc1", kb.DocTypeMarkdown, kb.ChunkMeta{})

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.Equal(t, "Big Section", ch.Meta.SectionTitle)
		assert.Equal(t, text[ch.StartOffset:ch.EndOffset], ch.Content)
	}
}

func TestChunk_MarkdownNoHeadingsFallsBackToGeneric(t *testing.T) {
	c := MustNew(100, 20)
	text := strings.Repeat("Plain paragraph text with no headings at all. ", 10)

	chunks := c.Chunk(text, "doc1", kb.DocTypeMarkdown, kb.ChunkMeta{})

	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.Equal(t, "", ch.Meta.SectionTitle)
	}
}

func TestChunk_SourceDefinitionBoundaries(t *testing.T) {
	c := MustNew(500, 100)
	text := `import os

def parse_config(path):
    return os.path.exists(path)

def load_data(source):
    return source.read()

class Repository:
    def save(self, item):
        pass`

	chunks := c.Chunk(text, "doc1", kb.DocTypeSource, kb.ChunkMeta{})

	require.Len(t, chunks, 4)
	assert.Equal(t, "", chunks[0].Meta.CodeBlockName) // import preamble
	assert.Equal(t, "parse_config", chunks[1].Meta.CodeBlockName)
	assert.Equal(t, "load_data", chunks[2].Meta.CodeBlockName)
	assert.Equal(t, "Repository", chunks[3].Meta.CodeBlockName)

	for _, ch := range chunks {
		assert.Equal(t, text[ch.StartOffset:ch.EndOffset], ch.Content)
	}
}

func TestChunk_SourceIgnoresIndentedDefinitions(t *testing.T) {
	c := MustNew(500, 100)
	text := "class Outer:\n    def method(self):\n        pass\n"

	chunks := c.Chunk(text, "doc1", kb.DocTypeSource, kb.ChunkMeta{})

	require.Len(t, chunks, 1)
	assert.Equal(t, "Outer", chunks[0].Meta.CodeBlockName)
}

func TestChunk_SourceLargeDefinitionRecurses(t *testing.T) {
	c := MustNew(80, 20)
	text := "def big_function():\n" + strings.Repeat("    x = compute_something_useful()\n", 20)

	chunks := c.Chunk(text, "doc1", kb.DocTypeSource, kb.ChunkMeta{})

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.Equal(t, "big_function", ch.Meta.CodeBlockName)
	}
}

func TestChunk_SequenceNumbersAreOrdinal(t *testing.T) {
	c := MustNew(100, 25)
	text := strings.Repeat("Some sentence goes here. ", 40)

	chunks := c.Chunk(text, "doc1", kb.DocTypeText, kb.ChunkMeta{})

	require.Greater(t, len(chunks), 2)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Sequence)
	}
}

func TestChunk_MetadataPropagates(t *testing.T) {
	c := MustNew(500, 100)
	meta := kb.ChunkMeta{Extra: map[string]string{"lang": "en"}}

	chunks := c.Chunk("Short text.", "doc1", kb.DocTypeText, meta)

	require.Len(t, chunks, 1)
	assert.Equal(t, "en", chunks[0].Meta.Extra["lang"])
}
