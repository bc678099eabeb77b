package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/xwysyy/KG-RAG/internal/store"
)

// ReadProfile formats a user's profile edges into the plain-text block
// the planner and responder prompts embed. A user without profile data
// gets an explicit "no profile" line rather than an empty string.
func ReadProfile(ctx context.Context, graph store.GraphStore, userID string) (string, error) {
	edges, err := graph.UserEdges(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to read profile: %w", err)
	}
	if len(edges) == 0 {
		return fmt.Sprintf("User %s: no profile data yet.", userID), nil
	}

	sections := make(map[string][]string)
	var order []string
	for _, e := range edges {
		name := e.TargetName
		if name == "" {
			name = e.Target
		}
		if _, seen := sections[e.Relation]; !seen {
			order = append(order, e.Relation)
		}
		sections[e.Relation] = append(sections[e.Relation],
			fmt.Sprintf("  - %s (confidence=%.2f)", name, e.Confidence))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User: %s", userID)
	for _, rel := range order {
		fmt.Fprintf(&b, "\n\n%s:\n%s", rel, strings.Join(sections[rel], "\n"))
	}
	return b.String(), nil
}
