package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *SessionStore) {
	t.Helper()
	store := newTestStore(t)
	svc := NewChatService(ChatServiceDeps{
		Runner:   answerRunner("streamed answer"),
		Sessions: store,
	})
	return New(Deps{Chat: svc, Sessions: store, Host: "127.0.0.1", Port: 0}), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSessionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/sessions",
		map[string]string{"user_id": "user-1", "title": "graphs"})
	require.Equal(t, http.StatusCreated, w.Code)
	var session SessionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.NotEmpty(t, session.SessionID)

	w = doJSON(t, h, http.MethodGet, "/api/sessions?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "graphs", sessions[0].Title)

	w = doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/api/sessions/%s?user_id=user-2", session.SessionID), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/api/sessions/%s/messages?user_id=user-1", session.SessionID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete,
		fmt.Sprintf("/api/sessions/%s?user_id=user-1", session.SessionID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/api/sessions/%s?user_id=user-1", session.SessionID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionsRequiresUserID(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatTurnEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	session, err := store.CreateSession(t.Context(), "user-1", "")
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/messages", session.SessionID),
		map[string]string{"user_id": "user-1", "content": "what is DP?"})
	require.Equal(t, http.StatusCreated, w.Code)

	var result TurnResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "streamed answer", result.FinalAnswer)
	require.NotNil(t, result.AssistantMessage)
	assert.Equal(t, "assistant", result.AssistantMessage.Role)
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestChatStreamEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	session, err := store.CreateSession(t.Context(), "user-1", "")
	require.NoError(t, err)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/chat/stream", map[string]string{
		"session_id": session.SessionID,
		"user_id":    "user-1",
		"content":    "what is BFS?",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "metadata", events[0].name)
	assert.Equal(t, "done", events[len(events)-1].name)

	var sawState, sawCustom bool
	for _, ev := range events {
		switch ev.name {
		case "state":
			sawState = true
		case "custom":
			sawCustom = true
		}
	}
	assert.True(t, sawState)
	assert.True(t, sawCustom)

	var done struct {
		FinalAnswer string `json:"final_answer"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &done))
	assert.Equal(t, "streamed answer", done.FinalAnswer)
}

func TestChatStreamRejectsBeforeStreaming(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	session, err := store.CreateSession(t.Context(), "user-1", "")
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/api/chat/stream", map[string]string{
		"session_id": "missing", "user_id": "user-1", "content": "q",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/chat/stream", map[string]string{
		"session_id": session.SessionID, "user_id": "user-1", "content": "",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
