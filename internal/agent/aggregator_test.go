package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	assert.Equal(t, "No results collected from sub-agents.", Aggregate(nil))
	assert.Equal(t, "only", Aggregate([]string{"only"}))
	assert.Equal(t, "a\n---\nb", Aggregate([]string{"a", "b"}))
}
