package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReActAction(t *testing.T) {
	text := "Thought: need chunks\nAction: vector_search\nAction Input: BFS basics"

	action := ParseReActAction(text, nil)
	require.NotNil(t, action)
	assert.Equal(t, "vector_search", action.Tool)
	assert.Equal(t, "BFS basics", action.Input)
}

func TestParseReActActionPrefersLastAllowed(t *testing.T) {
	// The model echoes the format example before the real call.
	text := "Example:\nAction: some_tool\nAction Input: example\n\n" +
		"Thought: now for real\nAction: graph_query\nAction Input: prerequisites of DP"

	allowed := map[string]bool{"vector_search": true, "graph_query": true}
	action := ParseReActAction(text, allowed)
	require.NotNil(t, action)
	assert.Equal(t, "graph_query", action.Tool)
	assert.Equal(t, "prerequisites of DP", action.Input)
}

func TestParseReActActionNoMatch(t *testing.T) {
	assert.Nil(t, ParseReActAction("just prose, no protocol", nil))
	assert.Nil(t, ParseReActAction("Action: lonely line without input", nil))
}

func TestParseFinalAnswer(t *testing.T) {
	answer, ok := ParseFinalAnswer("Thought: done\nFinal Answer: BFS visits level by level.")
	require.True(t, ok)
	assert.Equal(t, "BFS visits level by level.", answer)

	_, ok = ParseFinalAnswer("Thought: still working\nAction: vector_search\nAction Input: x")
	assert.False(t, ok)
}

func TestParseFinalAnswerMultiline(t *testing.T) {
	answer, ok := ParseFinalAnswer("Final Answer: line one\nline two\nline three")
	require.True(t, ok)
	assert.Contains(t, answer, "line one")
	assert.Contains(t, answer, "line three")
}

func TestParseFinalAnswerStopsAtNextBlock(t *testing.T) {
	answer, ok := ParseFinalAnswer("Final Answer: the answer\nThought: stray trailing thought")
	require.True(t, ok)
	assert.Equal(t, "the answer", answer)
}

func TestExtractThought(t *testing.T) {
	text := "Thought: I should search first.\nAction: vector_search\nAction Input: x"
	assert.Equal(t, "I should search first.", ExtractThought(text))

	assert.Equal(t, "no protocol here", ExtractThought("no protocol here"))
}
