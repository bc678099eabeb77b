package llm

import (
	"regexp"
	"strings"
)

var codeFenceRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\n(.*?)\n?```\\s*$")

// StripCodeFences removes a single wrapping Markdown code fence from a
// model response. Text without a fence is returned trimmed.
func StripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := codeFenceRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}
