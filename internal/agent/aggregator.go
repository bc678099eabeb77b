package agent

import "strings"

// Aggregate merges worker results into the intermediate summary the
// judge and responder prompts embed. Results stay in sub-task order,
// separated so the model can tell them apart.
func Aggregate(results []string) string {
	if len(results) == 0 {
		return "No results collected from sub-agents."
	}
	return strings.Join(results, "\n---\n")
}
