package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwysyy/KG-RAG/internal/model"
	"github.com/xwysyy/KG-RAG/internal/store"
)

type mockLLM struct {
	CompleteFunc func(ctx context.Context, prompt string) (string, error)
}

func (m *mockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteFunc(ctx, prompt)
}

func (m *mockLLM) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return m.CompleteFunc(ctx, user)
}

func newTestGraph(t *testing.T) *store.SQLiteGraphStore {
	t.Helper()
	g, err := store.NewSQLiteGraphStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func fixedClock(p *Pipeline) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return ts }
}

func TestExtractParsesProposals(t *testing.T) {
	client := &mockLLM{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		return "```json\n" + `[
			{"relation_type":"MASTERED","target_entity":"Binary Search","confidence":0.9,"evidence":"solved it instantly"},
			{"relation_type":"WEAK_AT","target_entity":"Segment Tree","confidence":0.6,"evidence":"asked basics"}
		]` + "\n```", nil
	}}
	p := NewPipeline(client, newTestGraph(t), 0.7, nil)
	fixedClock(p)

	proposals, err := p.Extract(context.Background(), "transcript", "user-1")
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, "user-1", proposals[0].UserID)
	assert.Equal(t, "MASTERED", proposals[0].RelationType)
	assert.Equal(t, 0.9, proposals[0].Confidence)
	assert.False(t, proposals[0].Timestamp.IsZero())
}

func TestExtractToleratesGarbage(t *testing.T) {
	client := &mockLLM{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		return "the user seems to like graphs", nil
	}}
	p := NewPipeline(client, newTestGraph(t), 0.7, nil)

	proposals, err := p.Extract(context.Background(), "transcript", "user-1")
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestFilterGatesByThresholdAndAllowlist(t *testing.T) {
	p := NewPipeline(nil, nil, 0.7, nil)

	proposals := []model.Proposal{
		{UserID: "u", RelationType: "MASTERED", TargetEntity: "BFS", Confidence: 0.9},
		{UserID: "u", RelationType: "WEAK_AT", TargetEntity: "DP", Confidence: 0.69},
		{UserID: "u", RelationType: "ADMIN_OF", TargetEntity: "everything", Confidence: 0.99},
		{UserID: "u", RelationType: "INTERESTED_IN", TargetEntity: "", Confidence: 0.9},
		{UserID: "u", RelationType: "INTERESTED_IN", TargetEntity: "Flows", Confidence: 0.7},
	}
	accepted := p.Filter(proposals)
	require.Len(t, accepted, 2)
	assert.Equal(t, "BFS", accepted[0].TargetEntity)
	// Exactly at threshold passes.
	assert.Equal(t, "Flows", accepted[1].TargetEntity)
}

func TestApplyWritesEdges(t *testing.T) {
	graph := newTestGraph(t)
	p := NewPipeline(nil, graph, 0.7, nil)
	fixedClock(p)

	applied, err := p.Apply(context.Background(), []model.Proposal{{
		UserID:       "user-1",
		RelationType: "MASTERED",
		TargetEntity: "Binary Search",
		Confidence:   0.9,
		Evidence:     "solved it",
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	edge, err := graph.GetEdge(context.Background(), "user-1",
		model.MakeEntityID("Binary Search"), "MASTERED")
	require.NoError(t, err)
	assert.Equal(t, 0.9, edge.Confidence)
	assert.Equal(t, "solved it", edge.Evidence)
	assert.False(t, edge.UpdatedAt.IsZero())
}

func TestApplyIsIdempotent(t *testing.T) {
	graph := newTestGraph(t)
	p := NewPipeline(nil, graph, 0.7, nil)
	fixedClock(p)

	prop := model.Proposal{
		UserID:       "user-1",
		RelationType: "WEAK_AT",
		TargetEntity: "Segment Tree",
		Confidence:   0.8,
		Evidence:     "first pass",
	}
	_, err := p.Apply(context.Background(), []model.Proposal{prop})
	require.NoError(t, err)

	prop.Confidence = 0.85
	prop.Evidence = "second pass"
	_, err = p.Apply(context.Background(), []model.Proposal{prop})
	require.NoError(t, err)

	rows, err := graph.Query(context.Background(), "SELECT COUNT(*) AS n FROM edges")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["n"])

	edge, err := graph.GetEdge(context.Background(), "user-1",
		model.MakeEntityID("Segment Tree"), "WEAK_AT")
	require.NoError(t, err)
	assert.Equal(t, 0.85, edge.Confidence)
	assert.Equal(t, "second pass", edge.Evidence)
}

func TestApplyStubNodeKeepsExistingType(t *testing.T) {
	graph := newTestGraph(t)
	require.NoError(t, graph.UpsertNode(context.Background(), model.Entity{
		Name: "Dijkstra", Type: "Algorithm",
	}))

	p := NewPipeline(nil, graph, 0.7, nil)
	_, err := p.Apply(context.Background(), []model.Proposal{{
		UserID: "user-1", RelationType: "MASTERED",
		TargetEntity: "Dijkstra", Confidence: 0.9,
	}})
	require.NoError(t, err)

	node, err := graph.GetNode(context.Background(), model.MakeEntityID("Dijkstra"))
	require.NoError(t, err)
	assert.Equal(t, "Algorithm", node.Type)
}

func TestApplyRejectsDisallowedRelation(t *testing.T) {
	graph := newTestGraph(t)
	p := NewPipeline(nil, graph, 0.7, nil)

	applied, err := p.Apply(context.Background(), []model.Proposal{{
		UserID: "user-1", RelationType: "OWNS", TargetEntity: "BFS", Confidence: 0.99,
	}})
	require.NoError(t, err)
	assert.Zero(t, applied)

	rows, err := graph.Query(context.Background(), "SELECT COUNT(*) AS n FROM edges")
	require.NoError(t, err)
	assert.EqualValues(t, 0, rows[0]["n"])
}

func TestRunEndToEnd(t *testing.T) {
	graph := newTestGraph(t)
	client := &mockLLM{CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
		return `[
			{"relation_type":"INTERESTED_IN","target_entity":"Network Flow","confidence":0.85,"evidence":"asked for more"},
			{"relation_type":"MASTERED","target_entity":"Sorting","confidence":0.3,"evidence":"weak signal"}
		]`, nil
	}}
	p := NewPipeline(client, graph, 0.7, nil)

	applied, err := p.Run(context.Background(), "transcript", "user-9")
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	profile, err := ReadProfile(context.Background(), graph, "user-9")
	require.NoError(t, err)
	assert.Contains(t, profile, "INTERESTED_IN")
	assert.Contains(t, profile, "Network Flow")
	assert.NotContains(t, profile, "Sorting")
}

func TestReadProfileEmpty(t *testing.T) {
	graph := newTestGraph(t)

	profile, err := ReadProfile(context.Background(), graph, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "User nobody: no profile data yet.", profile)
}
