package tools

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/embedding"
	"github.com/xwysyy/KG-RAG/internal/store"
)

// NewVectorSearch builds the semantic retrieval tool: embed the query,
// search the vector index, format the hits as a numbered observation.
func NewVectorSearch(engine embedding.Engine, vectors store.VectorStore, topK int, logger *zap.Logger) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topK <= 0 {
		topK = 5
	}

	return &Tool{
		Name: "vector_search",
		Description: "Semantic similarity search over algorithm knowledge text chunks. " +
			"Use for conceptual questions, explanations, and comparisons.",
		Schema: Schema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query": {Type: "string", Description: "Natural language query describing the information needed."},
				"top_k": {Type: "integer", Description: "Maximum number of chunks to return."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(StringArg(args, "query"))
			if query == "" {
				return "Vector search needs a non-empty query.", nil
			}
			k := IntArg(args, "top_k", topK)

			vec, err := engine.Embed(ctx, query)
			if err != nil {
				logger.Warn("query embedding failed", zap.Error(err))
				return "Vector search is temporarily unavailable. Please try again later.", nil
			}

			hits, err := vectors.Search(ctx, vec, k)
			if err != nil {
				logger.Warn("vector search failed", zap.Error(err))
				return "Vector search is temporarily unavailable. Please try again later.", nil
			}
			if len(hits) == 0 {
				return "No relevant text chunks found.", nil
			}

			var parts []string
			for i, h := range hits {
				header := fmt.Sprintf("[%d] (score=%.3f", i+1, h.Score)
				if h.Chunk.DocID != "" {
					header += fmt.Sprintf(", doc=%s", h.Chunk.DocID)
				}
				if h.Chunk.ID != "" {
					header += fmt.Sprintf(", id=%.8s", h.Chunk.ID)
				}
				header += ")"
				parts = append(parts, header+"\n"+h.Chunk.Content)
			}
			return strings.Join(parts, "\n\n---\n\n"), nil
		},
	}
}
