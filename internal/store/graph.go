package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xwysyy/KG-RAG/internal/model"
)

// userNodeType is the node type reserved for user nodes. It is outside
// the entity label set so profile subjects never collide with knowledge
// entities.
const userNodeType = "User"

// SQLiteGraphStore implements GraphStore on a local SQLite database.
// It holds two connections: a read-write one for upserts and a
// query_only one that backs the restricted Query primitive.
type SQLiteGraphStore struct {
	db *sql.DB
	ro *sql.DB
}

// NewSQLiteGraphStore opens (creating if needed) the graph database at
// the given path and ensures the schema exists.
func NewSQLiteGraphStore(path string) (*SQLiteGraphStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}

	s := &SQLiteGraphStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	// The read-only handle enforces query_only at the connection
	// level, so even a statement that slips past validation cannot
	// write.
	ro, err := sql.Open("sqlite", "file:"+path+"?_pragma=query_only(1)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open read-only connection: %w", err)
	}
	s.ro = ro
	return s, nil
}

func (s *SQLiteGraphStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		entity_id   TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		type        TEXT NOT NULL DEFAULT 'Unknown',
		description TEXT NOT NULL DEFAULT '',
		aliases     TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes(name);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);

	CREATE TABLE IF NOT EXISTS edges (
		source       TEXT NOT NULL,
		target       TEXT NOT NULL,
		relation     TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		weight       REAL NOT NULL DEFAULT 1.0,
		confidence   REAL NOT NULL DEFAULT 0,
		evidence     TEXT NOT NULL DEFAULT '',
		last_updated TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (source, target, relation)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);
	CREATE INDEX IF NOT EXISTS idx_edges_relation ON edges(relation);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return nil
}

// UpsertNode inserts or updates an entity node. An Unknown incoming
// type preserves the stored type, so stub nodes created by profile
// writes never erase labels set during ingestion.
func (s *SQLiteGraphStore) UpsertNode(ctx context.Context, e model.Entity) error {
	if e.ID == "" {
		e.ID = model.MakeEntityID(e.Name)
	}
	aliases, err := json.Marshal(e.Aliases)
	if err != nil {
		return fmt.Errorf("failed to encode aliases: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (entity_id, name, type, description, aliases)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			name = excluded.name,
			type = CASE WHEN excluded.type = 'Unknown' THEN nodes.type ELSE excluded.type END,
			description = CASE WHEN excluded.description = '' THEN nodes.description ELSE excluded.description END,
			aliases = excluded.aliases`,
		e.ID, e.Name, model.NormalizeEntityType(e.Type), e.Description, string(aliases))
	if err != nil {
		return fmt.Errorf("failed to upsert node %q: %w", e.Name, err)
	}
	return nil
}

// UpsertUserNode ensures a user node exists. The user ID is the node ID
// directly; user nodes never go through MakeEntityID.
func (s *SQLiteGraphStore) UpsertUserNode(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (entity_id, name, type)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO NOTHING`,
		userID, userID, userNodeType)
	if err != nil {
		return fmt.Errorf("failed to upsert user node: %w", err)
	}
	return nil
}

func (s *SQLiteGraphStore) GetNode(ctx context.Context, entityID string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, name, type, description, aliases FROM nodes WHERE entity_id = ?`,
		entityID)

	var e model.Entity
	var aliases string
	if err := row.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &aliases); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read node: %w", err)
	}
	if aliases != "" && aliases != "[]" {
		if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
			return nil, fmt.Errorf("failed to decode aliases: %w", err)
		}
	}
	return &e, nil
}

// UpsertEdge inserts or updates the edge keyed by
// (source, target, relation). Re-upserting the same key is idempotent:
// properties are replaced, no duplicate row appears.
func (s *SQLiteGraphStore) UpsertEdge(ctx context.Context, edge Edge) error {
	var updated string
	if !edge.UpdatedAt.IsZero() {
		updated = edge.UpdatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (source, target, relation, description, weight, confidence, evidence, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, target, relation) DO UPDATE SET
			description  = excluded.description,
			weight       = excluded.weight,
			confidence   = excluded.confidence,
			evidence     = excluded.evidence,
			last_updated = excluded.last_updated`,
		edge.Source, edge.Target, edge.Relation, edge.Description,
		edge.Weight, edge.Confidence, edge.Evidence, updated)
	if err != nil {
		return fmt.Errorf("failed to upsert edge %s-[%s]->%s: %w",
			edge.Source, edge.Relation, edge.Target, err)
	}
	return nil
}

func (s *SQLiteGraphStore) GetEdge(ctx context.Context, source, target, relation string) (*Edge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source, target, relation, description, weight, confidence, evidence, last_updated
		FROM edges WHERE source = ? AND target = ? AND relation = ?`,
		source, target, relation)
	return scanEdge(row)
}

func scanEdge(row *sql.Row) (*Edge, error) {
	var e Edge
	var updated string
	err := row.Scan(&e.Source, &e.Target, &e.Relation, &e.Description,
		&e.Weight, &e.Confidence, &e.Evidence, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read edge: %w", err)
	}
	if updated != "" {
		if t, perr := time.Parse(time.RFC3339, updated); perr == nil {
			e.UpdatedAt = t
		}
	}
	return &e, nil
}

// UserEdges returns the outgoing profile edges of a user with resolved
// target names, ordered by relation then recency.
func (s *SQLiteGraphStore) UserEdges(ctx context.Context, userID string) ([]UserEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.source, e.target, e.relation, e.description, e.weight,
		       e.confidence, e.evidence, e.last_updated, COALESCE(n.name, e.target)
		FROM edges e
		LEFT JOIN nodes n ON n.entity_id = e.target
		WHERE e.source = ?
		ORDER BY e.relation, e.last_updated DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read user edges: %w", err)
	}
	defer rows.Close()

	var out []UserEdge
	for rows.Next() {
		var ue UserEdge
		var updated string
		if err := rows.Scan(&ue.Source, &ue.Target, &ue.Relation, &ue.Description,
			&ue.Weight, &ue.Confidence, &ue.Evidence, &updated, &ue.TargetName); err != nil {
			return nil, fmt.Errorf("failed to scan user edge: %w", err)
		}
		if updated != "" {
			if t, perr := time.Parse(time.RFC3339, updated); perr == nil {
				ue.UpdatedAt = t
			}
		}
		out = append(out, ue)
	}
	return out, rows.Err()
}

// Query runs an already-validated statement on the read-only
// connection and returns rows as column-name maps. Write attempts fail
// at the SQLite layer regardless of what validation concluded.
func (s *SQLiteGraphStore) Query(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := s.ro.QueryContext(ctx, query)
	if err != nil {
		if strings.Contains(err.Error(), "readonly") || strings.Contains(err.Error(), "query_only") {
			return nil, ErrReadOnly
		}
		return nil, fmt.Errorf("graph query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("graph query failed: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteGraphStore) Close() error {
	if s.ro != nil {
		s.ro.Close()
	}
	return s.db.Close()
}
