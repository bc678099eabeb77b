// Package model defines the shared data types for the knowledge graph,
// retrieval results, and user-profile proposals. The closed label/relation
// sets here are the single source of truth for the graph schema, the
// extraction prompts, and the profile-write allowlist.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EntityTypeLabels is the canonical set of known entity types.
var EntityTypeLabels = map[string]bool{
	"Algorithm":     true,
	"DataStructure": true,
	"Concept":       true,
	"Problem":       true,
	"Technique":     true,
}

// EntityTypeUnknown is recorded for entities whose type is outside the
// canonical set. Unknown types are kept, not rejected.
const EntityTypeUnknown = "Unknown"

// KnowledgeRelTypes is the canonical set of knowledge-graph relation types.
var KnowledgeRelTypes = map[string]bool{
	"PREREQ":     true,
	"IMPROVES":   true,
	"APPLIES_TO": true,
	"BELONGS_TO": true,
	"VARIANT_OF": true,
	"USES":       true,
	"RELATED_TO": true,
}

// ProfileRelTypes is the closed allowlist of user-profile relation types.
// The memory write pipeline commits no edge outside this set.
var ProfileRelTypes = map[string]bool{
	"MASTERED":      true,
	"WEAK_AT":       true,
	"INTERESTED_IN": true,
}

// NormalizeEntityType maps a raw type string onto the canonical set,
// falling back to EntityTypeUnknown.
func NormalizeEntityType(raw string) string {
	t := strings.TrimSpace(raw)
	if EntityTypeLabels[t] {
		return t
	}
	return EntityTypeUnknown
}

// MakeEntityID returns the canonical entity ID: SHA-256 of the lowered,
// trimmed name. Stable across ingestion runs and profile writes.
func MakeEntityID(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(name))))
	return hex.EncodeToString(sum[:])
}

// Entity is a node in the knowledge graph.
type Entity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// Relation is an edge in the knowledge graph.
type Relation struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
}

// TextChunk is a chunk of ingested text with metadata.
type TextChunk struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	DocID    string            `json:"doc_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Proposal is a candidate long-term user-profile edge. It is either
// committed as a durable graph edge or discarded, never partially applied.
type Proposal struct {
	UserID       string    `json:"user_id"`
	RelationType string    `json:"relation_type"`
	TargetEntity string    `json:"target_entity"`
	Confidence   float64   `json:"confidence"`
	Evidence     string    `json:"evidence,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Valid reports whether the proposal could ever be committed: allowlisted
// relation type, named target, confidence inside [0,1].
func (p Proposal) Valid() bool {
	if !ProfileRelTypes[p.RelationType] {
		return false
	}
	if strings.TrimSpace(p.TargetEntity) == "" {
		return false
	}
	return p.Confidence >= 0 && p.Confidence <= 1
}
