package tools

import (
	"context"
	"fmt"

	"github.com/xwysyy/KG-RAG/internal/model"
	"github.com/xwysyy/KG-RAG/internal/store"
)

// mockLLM implements llm.Client with pluggable behavior.
type mockLLM struct {
	CompleteFunc           func(ctx context.Context, prompt string) (string, error)
	CompleteWithSystemFunc func(ctx context.Context, system, user string) (string, error)
}

func (m *mockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt)
	}
	return "", fmt.Errorf("mockLLM: Complete not configured")
}

func (m *mockLLM) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	if m.CompleteWithSystemFunc != nil {
		return m.CompleteWithSystemFunc(ctx, system, user)
	}
	return "", fmt.Errorf("mockLLM: CompleteWithSystem not configured")
}

// fakeGraph records executed queries and returns canned rows.
type fakeGraph struct {
	queries []string
	rows    []map[string]any
	err     error
}

func (f *fakeGraph) Query(ctx context.Context, query string) ([]map[string]any, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeGraph) UpsertNode(ctx context.Context, e model.Entity) error   { return nil }
func (f *fakeGraph) UpsertUserNode(ctx context.Context, userID string) error { return nil }
func (f *fakeGraph) GetNode(ctx context.Context, id string) (*model.Entity, error) {
	return nil, store.ErrNotFound
}
func (f *fakeGraph) UpsertEdge(ctx context.Context, edge store.Edge) error { return nil }
func (f *fakeGraph) GetEdge(ctx context.Context, source, target, relation string) (*store.Edge, error) {
	return nil, store.ErrNotFound
}
func (f *fakeGraph) UserEdges(ctx context.Context, userID string) ([]store.UserEdge, error) {
	return nil, nil
}
func (f *fakeGraph) Close() error { return nil }

// fakeEmbedder returns a fixed vector for any input.
type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, f.err
}

func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }
func (f *fakeEmbedder) Name() string    { return "fake" }

// fakeVectors returns canned search hits.
type fakeVectors struct {
	hits []store.ScoredChunk
	err  error
}

func (f *fakeVectors) Upsert(ctx context.Context, chunks []model.TextChunk, embeddings [][]float32) error {
	return nil
}

func (f *fakeVectors) Search(ctx context.Context, embedding []float32, topK int) ([]store.ScoredChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > topK {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

func (f *fakeVectors) Count(ctx context.Context) (int, error)                { return len(f.hits), nil }
func (f *fakeVectors) All(ctx context.Context) ([]model.TextChunk, error)    { return nil, nil }
func (f *fakeVectors) Close() error                                          { return nil }
