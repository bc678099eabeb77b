package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

type handlers struct {
	chat     *ChatService
	sessions *SessionStore
	logger   *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// writeSessionError maps session store errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrSessionForbidden):
		writeError(w, http.StatusForbidden, "session access denied")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

func (h *handlers) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := h.sessions.CreateSession(r.Context(), req.UserID, req.Title)
	if err != nil {
		h.logger.Warn("create session failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *handlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	sessions, err := h.sessions.ListSessions(r.Context(), userID,
		queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetOwnedSession(r.Context(),
		r.PathValue("session_id"), r.URL.Query().Get("user_id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *handlers) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.DeleteSession(r.Context(),
		r.PathValue("session_id"), r.URL.Query().Get("user_id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, err := h.sessions.GetOwnedSession(r.Context(), sessionID, r.URL.Query().Get("user_id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	messages, err := h.sessions.ListMessages(r.Context(), sessionID,
		queryInt(r, "limit", 200), queryInt(r, "offset", 0))
	if err != nil {
		h.logger.Error("list messages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

type chatTurnRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (h *handlers) handleChatTurn(w http.ResponseWriter, r *http.Request) {
	var req chatTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.chat.Ask(r.Context(), r.PathValue("session_id"), req.UserID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionForbidden):
			writeSessionError(w, err)
		default:
			h.logger.Error("chat turn failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process chat turn")
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type chatStreamRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}

func (h *handlers) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Validate before committing to the SSE content type; once the
	// stream starts there is no way to change the status code.
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content cannot be empty")
		return
	}
	if _, err := h.sessions.GetOwnedSession(r.Context(), req.SessionID, req.UserID); err != nil {
		writeSessionError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := h.chat.AskStream(r.Context(), req.SessionID, req.UserID, req.Content,
		func(ev StreamEvent) error {
			data, err := json.Marshal(ev.Data)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
	if err != nil && r.Context().Err() == nil {
		// Headers are gone; the stream-level error event already went
		// out where possible. Log and end the stream.
		h.logger.Error("chat stream failed", zap.String("session_id", req.SessionID), zap.Error(err))
	}
}
