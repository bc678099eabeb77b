package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/xwysyy/KG-RAG/internal/llm"
)

// mockChat implements chatModel with pluggable behavior.
type mockChat struct {
	mu       sync.Mutex
	ChatFunc func(ctx context.Context, messages []llm.Message) (string, error)
	calls    [][]llm.Message
}

func (m *mockChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	m.mu.Lock()
	copied := make([]llm.Message, len(messages))
	copy(copied, messages)
	m.calls = append(m.calls, copied)
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, messages)
	}
	return "", fmt.Errorf("mockChat: not configured")
}

func (m *mockChat) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// scripted returns a ChatFunc that replays responses in order and
// keeps returning the last one.
func scripted(responses ...string) func(ctx context.Context, messages []llm.Message) (string, error) {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, messages []llm.Message) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return resp, nil
	}
}

// collectEvents returns a thread-safe sink and an accessor for what it
// captured.
func collectEvents() (EmitFunc, func() []Event) {
	var mu sync.Mutex
	var events []Event
	sink := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}
	get := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}
	return sink, get
}
