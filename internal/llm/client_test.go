package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(content string) string {
	return `{"choices":[{"message":{"content":` + string(mustJSON(content)) + `}}]}`
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func newTestClient(url string) *OpenAIClient {
	return NewOpenAIClient(Config{
		APIKey:     "sk-test",
		BaseURL:    url,
		Model:      "test-model",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	})
}

func TestChatSendsModelAndAuth(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(completionBody("  hello  ")))
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL).CompleteWithSystem(t.Context(), "be brief", "hi")
	require.NoError(t, err)

	assert.Equal(t, "hello", text)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	assert.Equal(t, RoleUser, got.Messages[1].Role)
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionBody("recovered")))
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL).Complete(t.Context(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(t.Context(), "hi")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(t.Context(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestChatRequiresAPIKey(t *testing.T) {
	client := NewOpenAIClient(Config{BaseURL: "http://localhost:1", Model: "m"})
	_, err := client.Complete(t.Context(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(t.Context(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no completion")
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
		{"inner fence untouched", "before ```code``` after", "before ```code``` after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFences(tt.in))
		})
	}
}
