package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwysyy/KG-RAG/internal/model"
	"github.com/xwysyy/KG-RAG/internal/store"
)

type fakeEmbedder struct {
	dims int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dims)
	for i, r := range text {
		v[i%f.dims] += float32(r % 13)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }
func (f *fakeEmbedder) Name() string    { return "fake" }

func newTestIngestor(t *testing.T, client *mockLLM) (*Ingestor, store.GraphStore, store.VectorStore) {
	t.Helper()
	dir := t.TempDir()
	graph, err := store.NewSQLiteGraphStore(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })
	vectors, err := store.NewSQLiteVectorStore(filepath.Join(dir, "vectors.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	chunker, err := NewChunker(200, 20)
	require.NoError(t, err)
	ing := NewIngestor(IngestorDeps{
		Chunker:     chunker,
		Extractor:   NewExtractor(client, nil),
		Graph:       graph,
		Vectors:     vectors,
		Embedder:    &fakeEmbedder{dims: 8},
		Concurrency: 2,
	})
	return ing, graph, vectors
}

func TestIngestTextEndToEnd(t *testing.T) {
	ctx := context.Background()
	client := &mockLLM{}
	client.CompleteFunc = func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "deduplication expert") {
			return `{"groups": []}`, nil
		}
		return sampleExtraction, nil
	}
	ing, graph, vectors := newTestIngestor(t, client)

	stats, err := ing.IngestText(ctx, "graph-notes", "BFS uses a queue to explore level by level.")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.Zero(t, stats.FailedChunks)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 1, stats.Relations)

	node, err := graph.GetNode(ctx, model.MakeEntityID("Breadth-First Search"))
	require.NoError(t, err)
	assert.Equal(t, "Algorithm", node.Type)

	edge, err := graph.GetEdge(ctx,
		model.MakeEntityID("Breadth-First Search"), model.MakeEntityID("Queue"), "USES")
	require.NoError(t, err)
	assert.Equal(t, 1.0, edge.Weight)

	count, err := vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIngestTextToleratesFailedChunks(t *testing.T) {
	ctx := context.Background()
	client := &mockLLM{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "deduplication expert") {
			return `{"groups": []}`, nil
		}
		return "", fmt.Errorf("model unavailable")
	}}
	ing, _, vectors := newTestIngestor(t, client)

	stats, err := ing.IngestText(ctx, "doc", "some text that fits one chunk")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedChunks)
	assert.Zero(t, stats.Entities)

	// Chunks still land in the vector store for retrieval.
	count, err := vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIngestTextEmptyDocument(t *testing.T) {
	client := &mockLLM{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		t.Fatal("no LLM call expected for empty input")
		return "", nil
	}}
	ing, _, _ := newTestIngestor(t, client)

	stats, err := ing.IngestText(context.Background(), "doc", "")
	require.NoError(t, err)
	assert.Zero(t, stats.Chunks)
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := &mockLLM{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "deduplication expert") {
			return `{"groups": []}`, nil
		}
		return sampleExtraction, nil
	}}
	ing, graph, vectors := newTestIngestor(t, client)

	_, err := ing.IngestText(ctx, "doc", "BFS uses a queue.")
	require.NoError(t, err)
	_, err = ing.IngestText(ctx, "doc", "BFS uses a queue.")
	require.NoError(t, err)

	rows, err := graph.Query(ctx, "SELECT COUNT(*) AS n FROM nodes")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rows[0]["n"])

	count, err := vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReembed(t *testing.T) {
	ctx := context.Background()
	vectors, err := store.NewSQLiteVectorStore(filepath.Join(t.TempDir(), "v.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	chunks := []model.TextChunk{
		{ID: "c1", Content: "first chunk", DocID: "doc"},
		{ID: "c2", Content: "second chunk", DocID: "doc"},
	}
	emb := &fakeEmbedder{dims: 8}
	initial, err := emb.EmbedBatch(ctx, []string{"first chunk", "second chunk"})
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(ctx, chunks, initial))

	n, err := Reembed(ctx, vectors, &fakeEmbedder{dims: 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
