package agent

import (
	"regexp"
	"strings"
)

// ReActAction is a parsed Action + Action Input pair from a worker
// response.
type ReActAction struct {
	Tool  string
	Input string
}

var (
	actionRe = regexp.MustCompile(`(?mi)^Action\s*:\s*(.+?)\s*(?:\n\s*|\s+)Action\s*Input\s*:\s*([^\n\r]+)`)

	finalAnswerRe = regexp.MustCompile(`(?msi)^Final\s*Answer\s*:\s*(.*?)(?:\n(?:Thought|Action|Observation)\s*:|\z)`)

	thoughtSplitRe = regexp.MustCompile(`(?mi)^Action\s*:`)
	thoughtTagRe   = regexp.MustCompile(`(?mi)^\s*Thought\s*:\s*`)
)

// ParseReActAction extracts the Action and Action Input from worker
// output. When several action blocks appear (a model echoing the
// format example before the real call), the last one wins; with
// allowedTools set, the last block naming a known tool wins.
func ParseReActAction(text string, allowedTools map[string]bool) *ReActAction {
	matches := actionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	if len(allowedTools) > 0 {
		for i := len(matches) - 1; i >= 0; i-- {
			tool := strings.TrimSpace(matches[i][1])
			if allowedTools[tool] {
				return &ReActAction{Tool: tool, Input: strings.TrimSpace(matches[i][2])}
			}
		}
	}

	last := matches[len(matches)-1]
	return &ReActAction{Tool: strings.TrimSpace(last[1]), Input: strings.TrimSpace(last[2])}
}

// ParseFinalAnswer extracts the Final Answer text, or returns ok=false
// when the marker is absent.
func ParseFinalAnswer(text string) (string, bool) {
	m := finalAnswerRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ExtractThought returns the Thought portion preceding the first
// Action line, with the Thought: tag removed.
func ExtractThought(text string) string {
	parts := thoughtSplitRe.Split(text, 2)
	return strings.TrimSpace(thoughtTagRe.ReplaceAllString(strings.TrimSpace(parts[0]), ""))
}
