// Package memory implements the user-profile write pipeline: after a
// run completes, the conversation is mined for profile proposals,
// gated by relation allowlist and confidence threshold, and committed
// as durable graph edges.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/llm"
	"github.com/xwysyy/KG-RAG/internal/model"
	"github.com/xwysyy/KG-RAG/internal/store"
)

// DefaultCommitThreshold is the minimum confidence a proposal needs to
// be committed.
const DefaultCommitThreshold = 0.7

const extractionPrompt = `You are analysing a conversation between a user and an algorithm Q&A system.

Extract any information that reveals the user's:
- **Mastered** algorithms or concepts (things they clearly understand)
- **Weak** areas (things they struggle with or ask basic questions about)
- **Interests** (topics they want to learn more about)

For each piece of information, provide:
- relation_type: one of MASTERED, WEAK_AT, INTERESTED_IN
- target_entity: the algorithm or concept name
- confidence: 0.0-1.0 (how certain you are)
- evidence: the specific conversation excerpt supporting this

Return a JSON array of objects. If no profile information can be extracted,
return an empty array [].

## Conversation
%s`

// Pipeline extracts, gates, and commits profile proposals.
type Pipeline struct {
	client    llm.Client
	graph     store.GraphStore
	threshold float64
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline. A non-positive threshold falls back
// to DefaultCommitThreshold.
func NewPipeline(client llm.Client, graph store.GraphStore, threshold float64, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultCommitThreshold
	}
	return &Pipeline{
		client:    client,
		graph:     graph,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// proposalItem is the wire shape the extraction model emits.
type proposalItem struct {
	RelationType string  `json:"relation_type"`
	TargetEntity string  `json:"target_entity"`
	Confidence   float64 `json:"confidence"`
	Evidence     string  `json:"evidence"`
}

// Extract mines a conversation transcript for profile proposals.
// Unparseable output yields an empty slice, never an aborted pipeline.
func (p *Pipeline) Extract(ctx context.Context, conversation, userID string) ([]model.Proposal, error) {
	raw, err := p.client.Complete(ctx, fmt.Sprintf(extractionPrompt, conversation))
	if err != nil {
		return nil, fmt.Errorf("proposal extraction failed: %w", err)
	}

	cleaned := llm.StripCodeFences(raw)
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end == -1 || end <= start {
		p.logger.Warn("no JSON array in extraction output")
		return nil, nil
	}

	var items []proposalItem
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &items); err != nil {
		p.logger.Warn("failed to parse profile proposals", zap.Error(err))
		return nil, nil
	}

	proposals := make([]model.Proposal, 0, len(items))
	for _, item := range items {
		proposals = append(proposals, model.Proposal{
			UserID:       userID,
			RelationType: item.RelationType,
			TargetEntity: item.TargetEntity,
			Confidence:   item.Confidence,
			Evidence:     item.Evidence,
			Timestamp:    p.now().UTC(),
		})
	}
	p.logger.Info("extracted profile proposals",
		zap.Int("count", len(proposals)), zap.String("user_id", userID))
	return proposals, nil
}

// Filter keeps proposals that pass the allowlist and the confidence
// threshold.
func (p *Pipeline) Filter(proposals []model.Proposal) []model.Proposal {
	accepted := make([]model.Proposal, 0, len(proposals))
	for _, prop := range proposals {
		if !prop.Valid() {
			p.logger.Warn("skipping invalid proposal",
				zap.String("relation", prop.RelationType),
				zap.String("target", prop.TargetEntity))
			continue
		}
		if prop.Confidence < p.threshold {
			continue
		}
		accepted = append(accepted, prop)
	}
	if dropped := len(proposals) - len(accepted); dropped > 0 {
		p.logger.Info("filtered profile proposals",
			zap.Int("dropped", dropped), zap.Float64("threshold", p.threshold))
	}
	return accepted
}

// Apply commits accepted proposals as graph edges and returns how many
// were written. Each proposal upserts the user node, a stub entity
// node, and the profile edge; re-applying the same proposal updates
// the edge in place.
func (p *Pipeline) Apply(ctx context.Context, proposals []model.Proposal) (int, error) {
	applied := 0
	for _, prop := range proposals {
		if !model.ProfileRelTypes[prop.RelationType] {
			p.logger.Warn("skipping proposal with disallowed relation",
				zap.String("relation", prop.RelationType),
				zap.String("target", prop.TargetEntity))
			continue
		}

		if err := p.graph.UpsertUserNode(ctx, prop.UserID); err != nil {
			p.logger.Warn("failed to ensure user node", zap.Error(err))
			continue
		}
		// Stub node: the conversation does not reveal the entity
		// type, and an existing typed node keeps its label.
		entityID := model.MakeEntityID(prop.TargetEntity)
		if err := p.graph.UpsertNode(ctx, model.Entity{
			ID:   entityID,
			Name: prop.TargetEntity,
		}); err != nil {
			p.logger.Warn("failed to ensure entity node",
				zap.String("target", prop.TargetEntity), zap.Error(err))
			continue
		}

		ts := prop.Timestamp
		if ts.IsZero() {
			ts = p.now().UTC()
		}
		if err := p.graph.UpsertEdge(ctx, store.Edge{
			Source:     prop.UserID,
			Target:     entityID,
			Relation:   prop.RelationType,
			Confidence: prop.Confidence,
			Evidence:   prop.Evidence,
			UpdatedAt:  ts,
		}); err != nil {
			p.logger.Warn("failed to apply proposal",
				zap.String("user_id", prop.UserID),
				zap.String("target", prop.TargetEntity), zap.Error(err))
			continue
		}
		applied++
	}
	p.logger.Info("applied profile proposals",
		zap.Int("applied", applied), zap.Int("total", len(proposals)))
	return applied, nil
}

// Run executes the full pipeline for one finished conversation.
func (p *Pipeline) Run(ctx context.Context, conversation, userID string) (int, error) {
	proposals, err := p.Extract(ctx, conversation, userID)
	if err != nil {
		return 0, err
	}
	return p.Apply(ctx, p.Filter(proposals))
}
