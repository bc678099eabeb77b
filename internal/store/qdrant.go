package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/model"
)

// QdrantConfig holds connection settings for a remote Qdrant index.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333" or "https://xyz.cloud.qdrant.io:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantVectorStore implements VectorStore backed by a Qdrant
// collection. Chunk IDs are arbitrary strings, so each point gets a
// deterministic UUIDv5 derived from the chunk ID and keeps the original
// ID in the payload.
type QdrantVectorStore struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *zap.Logger
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("store: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("store: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantVectorStore connects to Qdrant over gRPC and ensures the
// collection exists.
func NewQdrantVectorStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantVectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect to qdrant at %s:%d: %w", host, port, err)
	}

	s := &QdrantVectorStore{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantVectorStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("store: check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.dims,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("store: create collection %q: %w", s.collection, err)
	}
	s.logger.Info("created qdrant collection",
		zap.String("collection", s.collection), zap.Uint64("dims", s.dims))

	// doc_id is the only field tools filter on.
	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "doc_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("store: ensure index on doc_id: %w", err)
	}
	return nil
}

// pointID derives a stable UUID from a chunk ID so re-ingesting the
// same chunk overwrites its point instead of duplicating it.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func (s *QdrantVectorStore) Upsert(ctx context.Context, chunks []model.TextChunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		payload := map[string]any{
			"chunk_id": c.ID,
			"content":  c.Content,
			"doc_id":   c.DocID,
		}
		if len(c.Metadata) > 0 {
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("store: encode metadata for chunk %s: %w", c.ID, err)
			}
			payload["metadata"] = string(meta)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(c.ID)),
			Vectors: qdrant.NewVectorsDense(embeddings[i]),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("store: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

func (s *QdrantVectorStore) Search(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	limit := uint64(topK) //nolint:gosec

	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("store: qdrant query: %w", err)
	}

	out := make([]ScoredChunk, 0, len(scored))
	for _, sp := range scored {
		c, err := chunkFromPayload(sp.Payload)
		if err != nil {
			s.logger.Warn("skipping qdrant point with malformed payload",
				zap.String("point_id", sp.Id.GetUuid()), zap.Error(err))
			continue
		}
		out = append(out, ScoredChunk{Chunk: c, Score: float64(sp.Score)})
	}
	return out, nil
}

func (s *QdrantVectorStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("store: qdrant count: %w", err)
	}
	return int(n), nil
}

// All pages through the collection with Scroll. The last point ID of
// each batch is fed back as the offset; already-seen chunk IDs are
// skipped because the offset point is included again.
func (s *QdrantVectorStore) All(ctx context.Context) ([]model.TextChunk, error) {
	const batchSize = uint32(256)

	var out []model.TextChunk
	seen := make(map[string]bool)
	var offset *qdrant.PointId

	for {
		batch, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Limit:          qdrant.PtrOf(batchSize),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("store: qdrant scroll: %w", err)
		}
		if len(batch) == 0 {
			return out, nil
		}

		added := 0
		for _, p := range batch {
			c, err := chunkFromPayload(p.Payload)
			if err != nil || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
			added++
		}
		if added == 0 || len(batch) < int(batchSize) {
			return out, nil
		}
		offset = batch[len(batch)-1].Id
	}
}

func (s *QdrantVectorStore) Close() error {
	return s.client.Close()
}

func chunkFromPayload(payload map[string]*qdrant.Value) (model.TextChunk, error) {
	var c model.TextChunk
	if v, ok := payload["chunk_id"]; ok {
		c.ID = v.GetStringValue()
	}
	if c.ID == "" {
		return c, fmt.Errorf("payload missing chunk_id")
	}
	if v, ok := payload["content"]; ok {
		c.Content = v.GetStringValue()
	}
	if v, ok := payload["doc_id"]; ok {
		c.DocID = v.GetStringValue()
	}
	if v, ok := payload["metadata"]; ok {
		if raw := v.GetStringValue(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &c.Metadata); err != nil {
				return c, fmt.Errorf("decode metadata: %w", err)
			}
		}
	}
	return c, nil
}
