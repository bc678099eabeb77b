// Package store provides the persistence layer: the knowledge graph and
// the vector index backing semantic retrieval. Both have SQLite-backed
// implementations; the vector index can alternatively live in Qdrant.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/xwysyy/KG-RAG/internal/model"
)

var (
	// ErrNotFound is returned when a node or edge does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrReadOnly is returned when a query attempts to modify data
	// through the read-only query primitive.
	ErrReadOnly = errors.New("store: query connection is read-only")
)

// Edge is a typed, directed relation between two graph nodes.
// Confidence, Evidence and UpdatedAt are populated for profile edges
// written by the memory pipeline; knowledge edges leave them zero.
type Edge struct {
	Source      string
	Target      string
	Relation    string
	Description string
	Weight      float64
	Confidence  float64
	Evidence    string
	UpdatedAt   time.Time
}

// GraphStore is the knowledge graph: entity nodes, typed edges, and a
// restricted read-only query primitive used by the graph query tool.
type GraphStore interface {
	// UpsertNode inserts or updates an entity. A node whose type is
	// Unknown never downgrades an existing typed node.
	UpsertNode(ctx context.Context, e model.Entity) error

	// UpsertUserNode ensures a user node exists for the given ID.
	UpsertUserNode(ctx context.Context, userID string) error

	// GetNode returns the entity with the given ID, or ErrNotFound.
	GetNode(ctx context.Context, entityID string) (*model.Entity, error)

	// UpsertEdge inserts or updates the edge keyed by
	// (source, target, relation). Repeated upserts with the same key
	// update the properties in place.
	UpsertEdge(ctx context.Context, edge Edge) error

	// GetEdge returns the edge with the given key, or ErrNotFound.
	GetEdge(ctx context.Context, source, target, relation string) (*Edge, error)

	// UserEdges returns all outgoing edges of a user node together
	// with the resolved target entity names, for profile reads.
	UserEdges(ctx context.Context, userID string) ([]UserEdge, error)

	// Query executes an already-validated read-only SQL statement and
	// returns rows as column-name maps. The underlying connection
	// rejects any write.
	Query(ctx context.Context, query string) ([]map[string]any, error)

	Close() error
}

// UserEdge pairs a profile edge with the display name of its target.
type UserEdge struct {
	Edge
	TargetName string
}

// ScoredChunk is a retrieval hit: a stored chunk and its cosine
// similarity to the query embedding.
type ScoredChunk struct {
	Chunk model.TextChunk
	Score float64
}

// VectorStore indexes text chunks by embedding for semantic retrieval.
type VectorStore interface {
	// Upsert stores chunks with their embeddings, replacing any
	// existing chunk with the same ID.
	Upsert(ctx context.Context, chunks []model.TextChunk, embeddings [][]float32) error

	// Search returns the topK chunks nearest to the query embedding,
	// ordered by descending similarity.
	Search(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error)

	// Count reports how many chunks are indexed.
	Count(ctx context.Context) (int, error)

	// All streams every stored chunk, for re-embedding.
	All(ctx context.Context) ([]model.TextChunk, error)

	Close() error
}
