package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwysyy/KG-RAG/internal/model"
	"github.com/xwysyy/KG-RAG/internal/store"
)

func TestVectorSearchFormatsHits(t *testing.T) {
	vectors := &fakeVectors{hits: []store.ScoredChunk{
		{Chunk: model.TextChunk{ID: "chunk-aaaa1111", Content: "BFS explores level by level", DocID: "graphs.md"}, Score: 0.93},
		{Chunk: model.TextChunk{ID: "chunk-bbbb2222", Content: "DFS explores depth first"}, Score: 0.88},
	}}
	tool := NewVectorSearch(&fakeEmbedder{vec: []float32{1, 0}}, vectors, 5, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "traversal order"})
	require.NoError(t, err)
	assert.Contains(t, out, "[1] (score=0.930, doc=graphs.md, id=chunk-aa)")
	assert.Contains(t, out, "BFS explores level by level")
	assert.Contains(t, out, "[2]")
}

func TestVectorSearchRespectsTopKArg(t *testing.T) {
	vectors := &fakeVectors{hits: []store.ScoredChunk{
		{Chunk: model.TextChunk{ID: "a", Content: "one"}, Score: 0.9},
		{Chunk: model.TextChunk{ID: "b", Content: "two"}, Score: 0.8},
		{Chunk: model.TextChunk{ID: "c", Content: "three"}, Score: 0.7},
	}}
	tool := NewVectorSearch(&fakeEmbedder{vec: []float32{1, 0}}, vectors, 5, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "q", "top_k": float64(1)})
	require.NoError(t, err)
	assert.Contains(t, out, "one")
	assert.NotContains(t, out, "two")
}

func TestVectorSearchBackendFailureIsObservation(t *testing.T) {
	tool := NewVectorSearch(&fakeEmbedder{vec: []float32{1}}, &fakeVectors{err: errors.New("down")}, 5, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Contains(t, out, "temporarily unavailable")
}

func TestVectorSearchNoHits(t *testing.T) {
	tool := NewVectorSearch(&fakeEmbedder{vec: []float32{1}}, &fakeVectors{}, 5, nil)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, "No relevant text chunks found.", out)
}
