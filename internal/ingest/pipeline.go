package ingest

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xwysyy/KG-RAG/internal/embedding"
	"github.com/xwysyy/KG-RAG/internal/model"
	"github.com/xwysyy/KG-RAG/internal/store"
)

// embedBatchSize bounds one embedding request.
const embedBatchSize = 32

// Stats summarizes one ingestion run.
type Stats struct {
	Chunks       int
	FailedChunks int
	Entities     int
	Relations    int
}

// Ingestor runs the full document pipeline: chunk, extract, dedup,
// commit to the graph and vector stores.
type Ingestor struct {
	chunker     *Chunker
	extractor   *Extractor
	graph       store.GraphStore
	vectors     store.VectorStore
	embedder    embedding.Engine
	concurrency int64
	logger      *zap.Logger
}

// IngestorDeps holds Ingestor dependencies.
type IngestorDeps struct {
	Chunker     *Chunker
	Extractor   *Extractor
	Graph       store.GraphStore
	Vectors     store.VectorStore
	Embedder    embedding.Engine
	Concurrency int
	Logger      *zap.Logger
}

func NewIngestor(d IngestorDeps) *Ingestor {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	return &Ingestor{
		chunker:     d.Chunker,
		extractor:   d.Extractor,
		graph:       d.Graph,
		vectors:     d.Vectors,
		embedder:    d.Embedder,
		concurrency: int64(d.Concurrency),
		logger:      d.Logger,
	}
}

// IngestText runs the pipeline over one document. Chunks whose
// extraction fails are skipped and counted; the rest of the document
// still commits.
func (in *Ingestor) IngestText(ctx context.Context, docID, text string) (*Stats, error) {
	chunks := in.chunker.Chunk(text, docID)
	stats := &Stats{Chunks: len(chunks)}
	if len(chunks) == 0 {
		return stats, nil
	}
	in.logger.Info("chunked document",
		zap.String("doc_id", docID), zap.Int("chunks", len(chunks)))

	entityLists := make([][]model.Entity, len(chunks))
	relationLists := make([][]model.Relation, len(chunks))
	failed := make([]bool, len(chunks))

	sem := semaphore.NewWeighted(in.concurrency)
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, chunk model.TextChunk) {
			defer wg.Done()
			defer sem.Release(1)
			entities, relations, err := in.extractor.ExtractChunk(ctx, chunk)
			if err != nil {
				in.logger.Error("chunk extraction failed",
					zap.String("chunk", chunk.ID), zap.Error(err))
				failed[i] = true
				return
			}
			entityLists[i] = entities
			relationLists[i] = relations
		}(i, chunk)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	for _, f := range failed {
		if f {
			stats.FailedChunks++
		}
	}

	merged := MergeEntities(entityLists)
	var relations []model.Relation
	for _, list := range relationLists {
		relations = append(relations, list...)
	}

	// Alias cross-reference dedup is free; the LLM pass costs one call
	// and is skipped on any failure.
	merged, nameMap := DedupByAlias(merged)
	llmMerged, llmMap, err := in.extractor.DedupByLLM(ctx, merged)
	if err != nil {
		in.logger.Warn("llm dedup failed, keeping alias-level entities", zap.Error(err))
	} else {
		merged = llmMerged
		if nameMap == nil && len(llmMap) > 0 {
			nameMap = make(map[string]string)
		}
		for k, v := range llmMap {
			nameMap[k] = v
		}
	}
	relations = RemapRelations(relations, nameMap)

	stats.Entities = len(merged)
	stats.Relations = len(relations)

	for _, ent := range merged {
		if err := in.graph.UpsertNode(ctx, ent); err != nil {
			return stats, fmt.Errorf("failed to store entity %q: %w", ent.Name, err)
		}
	}
	for _, rel := range relations {
		edge := store.Edge{
			Source:      model.MakeEntityID(rel.Source),
			Target:      model.MakeEntityID(rel.Target),
			Relation:    rel.Type,
			Description: rel.Description,
			Weight:      rel.Weight,
		}
		if err := in.graph.UpsertEdge(ctx, edge); err != nil {
			return stats, fmt.Errorf("failed to store relation %s->%s: %w", rel.Source, rel.Target, err)
		}
	}

	if err := in.embedAndStore(ctx, chunks); err != nil {
		return stats, err
	}

	in.logger.Info("document ingested",
		zap.String("doc_id", docID),
		zap.Int("entities", stats.Entities),
		zap.Int("relations", stats.Relations),
		zap.Int("failed_chunks", stats.FailedChunks))
	return stats, nil
}

func (in *Ingestor) embedAndStore(ctx context.Context, chunks []model.TextChunk) error {
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		embeddings, err := in.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding failed: %w", err)
		}
		if err := in.vectors.Upsert(ctx, batch, embeddings); err != nil {
			return fmt.Errorf("failed to store chunks: %w", err)
		}
	}
	return nil
}

// Reembed regenerates every stored chunk's embedding with the current
// engine, for model or dimension changes. Returns the chunk count.
func Reembed(ctx context.Context, vectors store.VectorStore, engine embedding.Engine, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	chunks, err := vectors.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	done := 0
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		embeddings, err := engine.EmbedBatch(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("re-embedding failed at chunk %d: %w", start, err)
		}
		if err := vectors.Upsert(ctx, batch, embeddings); err != nil {
			return done, fmt.Errorf("failed to store re-embedded chunks: %w", err)
		}
		done += len(batch)
		logger.Info("re-embedded chunks", zap.Int("done", done), zap.Int("total", len(chunks)))
	}
	return done, nil
}
