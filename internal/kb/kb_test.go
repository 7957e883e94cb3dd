package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocument_DerivesNameAndType(t *testing.T) {
	doc := NewDocument("/notes/python_guide.md", "# Python")

	require.NotEmpty(t, doc.ID)
	assert.Equal(t, "python_guide.md", doc.FileName)
	assert.Equal(t, "md", doc.FileType)
	assert.Equal(t, DocTypeMarkdown, doc.DocType())
}

func TestNewDocument_UnknownExtension(t *testing.T) {
	doc := NewDocument("/notes/LICENSE", "text")
	assert.Equal(t, "unknown", doc.FileType)
	assert.Equal(t, DocTypeText, doc.DocType())
}

func TestDocument_DocType_Source(t *testing.T) {
	doc := NewDocument("/src/main.go", "package main")
	assert.Equal(t, DocTypeSource, doc.DocType())
}

func TestChunkID_Deterministic(t *testing.T) {
	a := ChunkID("doc-1", 0, 100)
	b := ChunkID("doc-1", 0, 100)
	c := ChunkID("doc-1", 0, 101)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestChunk_FusionKey_FallsBackToPosition(t *testing.T) {
	withID := Chunk{ID: "abc", DocID: "d", StartOffset: 5}
	withoutID := Chunk{DocID: "d", StartOffset: 5}

	assert.Equal(t, "abc", withID.FusionKey())
	assert.Equal(t, "d_5", withoutID.FusionKey())
}

func TestDocument_ContentHash_Stable(t *testing.T) {
	a := NewDocument("/a.txt", "same content")
	b := NewDocument("/b.txt", "same content")

	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.Len(t, a.ContentHash(), 16)
}
