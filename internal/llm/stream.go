package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Delta is one incremental piece of a streamed completion. Reasoning models
// interleave reasoning_content with regular content; both are surfaced.
type Delta struct {
	Content   string
	Reasoning string
}

// Completion is the fully accumulated result of a streamed chat call.
type Completion struct {
	Content   string
	Reasoning string
}

// Streamer is implemented by clients that can deliver a completion
// incrementally. onDelta is called in stream order from a single goroutine.
type Streamer interface {
	StreamChat(ctx context.Context, messages []Message, onDelta func(Delta)) (Completion, error)
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamChat sends the messages with stream=true and invokes onDelta for
// every content or reasoning fragment. The accumulated completion is
// returned so callers need not re-assemble deltas themselves. Cancelling
// ctx aborts the stream by closing the response body.
func (c *OpenAIClient) StreamChat(ctx context.Context, messages []Message, onDelta func(Delta)) (Completion, error) {
	if c.apiKey == "" {
		return Completion{}, fmt.Errorf("llm: API key not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return Completion{}, fmt.Errorf("llm: status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	// Unblock the scanner when the caller cancels mid-stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-done:
		}
	}()

	var content, reasoning strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed keep-alive noise; skip rather than abort the stream.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		d := chunk.Choices[0].Delta
		if d.ReasoningContent != "" {
			reasoning.WriteString(d.ReasoningContent)
			if onDelta != nil {
				onDelta(Delta{Reasoning: d.ReasoningContent})
			}
		}
		if d.Content != "" {
			content.WriteString(d.Content)
			if onDelta != nil {
				onDelta(Delta{Content: d.Content})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, fmt.Errorf("llm: read stream: %w", err)
	}

	return Completion{
		Content:   strings.TrimSpace(content.String()),
		Reasoning: strings.TrimSpace(reasoning.String()),
	}, nil
}
