// Package ingest turns documents into graph knowledge: chunking, LLM
// entity/relation extraction, deduplication, and storage commits.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/xwysyy/KG-RAG/internal/model"
)

// Chunker splits documents into fixed-size chunks with overlap. Sizes
// are in runes so multi-byte text never splits mid-character.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker validates the chunk geometry.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, size), got overlap=%d size=%d", overlap, size)
	}
	return &Chunker{Size: size, Overlap: overlap}, nil
}

func makeChunkID(docID string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s::%d", docID, index)))
	return hex.EncodeToString(sum[:])
}

// Chunk splits text into overlapping chunks. When a window would cut
// through a paragraph, the cut moves back to the last blank line inside
// the window's final quarter so chunks tend to end on paragraph
// boundaries. Chunk IDs are deterministic per (docID, index), so
// re-ingesting a document overwrites its previous chunks.
func (c *Chunker) Chunk(text, docID string) []model.TextChunk {
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	var chunks []model.TextChunk
	start := 0
	idx := 0
	for start < total {
		end := start + c.Size
		if end > total {
			end = total
		} else if cut := paragraphCut(runes, start, end); cut > start {
			end = cut
		}

		chunks = append(chunks, model.TextChunk{
			ID:      makeChunkID(docID, idx),
			Content: string(runes[start:end]),
			DocID:   docID,
			Metadata: map[string]string{
				"char_start": strconv.Itoa(start),
				"char_end":   strconv.Itoa(end),
			},
		})
		idx++

		if end == total {
			break
		}
		next := end - c.Overlap
		if next <= start {
			next = end // large overlap against a shortened window must still advance
		}
		start = next
	}
	return chunks
}

// paragraphCut finds the end of the last blank-line break inside the
// final quarter of the window. Returns 0 when no break qualifies.
func paragraphCut(runes []rune, start, end int) int {
	window := string(runes[start:end])
	pos := strings.LastIndex(window, "\n\n")
	if pos < 0 {
		return 0
	}
	cut := start + len([]rune(window[:pos])) + 2
	if cut-start < (end-start)*3/4 {
		return 0
	}
	return cut
}
