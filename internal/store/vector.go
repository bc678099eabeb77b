package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/embedding"
	"github.com/xwysyy/KG-RAG/internal/model"
)

// SQLiteVectorStore implements VectorStore on a local SQLite database.
// When the binary is built with the sqlite_vec tag it uses the
// vec_distance_cosine SQL function for search; otherwise it falls back
// to a brute-force cosine scan in Go. The fallback is detected once and
// remembered.
type SQLiteVectorStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu        sync.Mutex
	noVecFunc bool
}

// NewSQLiteVectorStore opens (creating if needed) the vector database
// at the given path and ensures the schema exists.
func NewSQLiteVectorStore(path string, logger *zap.Logger) (*SQLiteVectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}

	s := &SQLiteVectorStore{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteVectorStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id        TEXT PRIMARY KEY,
		content   TEXT NOT NULL,
		doc_id    TEXT NOT NULL DEFAULT '',
		metadata  TEXT NOT NULL DEFAULT '{}',
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize vector schema: %w", err)
	}
	return nil
}

func (s *SQLiteVectorStore) Upsert(ctx context.Context, chunks []model.TextChunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, content, doc_id, metadata, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content   = excluded.content,
			doc_id    = excluded.doc_id,
			metadata  = excluded.metadata,
			embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for chunk %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Content, c.DocID, string(meta),
			encodeFloat32Blob(embeddings[i])); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteVectorStore) Search(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}

	s.mu.Lock()
	useVec := !s.noVecFunc
	s.mu.Unlock()

	if useVec {
		hits, err := s.searchVec(ctx, embedding, topK)
		if err == nil {
			return hits, nil
		}
		// Missing function means the extension is not loaded; remember
		// and scan in Go from now on.
		s.mu.Lock()
		s.noVecFunc = true
		s.mu.Unlock()
		s.logger.Warn("vec_distance_cosine unavailable, using brute-force cosine scan",
			zap.Error(err))
	}
	return s.searchScan(ctx, embedding, topK)
}

func (s *SQLiteVectorStore) searchVec(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, doc_id, metadata,
			vec_distance_cosine(embedding, ?) AS distance
		FROM chunks
		ORDER BY distance ASC
		LIMIT ?`,
		encodeFloat32Blob(embedding), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var meta string
		var distance float64
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.Content, &sc.Chunk.DocID, &meta, &distance); err != nil {
			return nil, err
		}
		if err := decodeMetadata(meta, &sc.Chunk); err != nil {
			return nil, err
		}
		sc.Score = 1 - distance
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteVectorStore) searchScan(ctx context.Context, query []float32, topK int) ([]ScoredChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, doc_id, metadata, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var meta string
		var blob []byte
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.Content, &sc.Chunk.DocID, &meta, &blob); err != nil {
			return nil, fmt.Errorf("vector scan failed: %w", err)
		}
		if err := decodeMetadata(meta, &sc.Chunk); err != nil {
			return nil, err
		}
		stored, err := decodeFloat32Blob(blob)
		if err != nil {
			s.logger.Warn("skipping chunk with malformed embedding",
				zap.String("chunk_id", sc.Chunk.ID), zap.Error(err))
			continue
		}
		score, err := embedding.CosineSimilarity(query, stored)
		if err != nil {
			continue
		}
		sc.Score = score
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *SQLiteVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteVectorStore) All(ctx context.Context) ([]model.TextChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, doc_id, metadata FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []model.TextChunk
	for rows.Next() {
		var c model.TextChunk
		var meta string
		if err := rows.Scan(&c.ID, &c.Content, &c.DocID, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if err := decodeMetadata(meta, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteVectorStore) Close() error {
	return s.db.Close()
}

func decodeMetadata(meta string, c *model.TextChunk) error {
	if meta == "" || meta == "{}" || meta == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return fmt.Errorf("failed to decode metadata for chunk %s: %w", c.ID, err)
	}
	return nil
}

// encodeFloat32Blob serializes a vector as little-endian float32 bytes,
// the layout sqlite-vec expects.
func encodeFloat32Blob(vec []float32) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeFloat32Blob(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil, fmt.Errorf("failed to decode embedding blob: %w", err)
	}
	return vec, nil
}
