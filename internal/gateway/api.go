// ABOUTME: HTTP API handlers for the gateway: chat SSE, interrupt, sessions, context, health.
// ABOUTME: Owns the SSE encoding contract: {type,data} frames terminated by a [DONE] sentinel.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pondside/greenhouse-gateway/internal/agent"
)

// errAgentStreamClosed signals the raw message feed ended without a terminal
// result record, which means the agent process died mid-turn.
var errAgentStreamClosed = errors.New("agent connection closed unexpectedly")

const doneSentinel = "data: [DONE]\n\n"

// ChatRequest is the body of POST /api/chat. Content is either a JSON string
// or an array of content parts (text and images).
type ChatRequest struct {
	SessionID string          `json:"sessionId"`
	Content   json.RawMessage `json:"content"`
}

// parsePrompt normalizes the request content into a Prompt.
func parsePrompt(content json.RawMessage) (agent.Prompt, error) {
	if len(content) == 0 {
		return agent.Prompt{}, fmt.Errorf("content is required")
	}

	if content[0] == '"' {
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return agent.Prompt{}, fmt.Errorf("parsing content: %w", err)
		}
		return agent.Prompt{Text: text}, nil
	}

	var parts []agent.ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return agent.Prompt{}, fmt.Errorf("parsing content parts: %w", err)
	}
	if len(parts) == 0 {
		return agent.Prompt{}, fmt.Errorf("content is required")
	}
	return agent.Prompt{Parts: parts}, nil
}

// handleChat runs one chat turn and streams normalized events back as SSE.
// Every response, success or failure, ends with the [DONE] sentinel exactly
// once; the handler does not return until the turn goroutine has finished.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	prompt, err := parsePrompt(req.Content)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	requestID := uuid.New().String()[:8]
	logger := g.logger.With("request_id", requestID, "session_id", abbrevID(req.SessionID))
	logger.Info("chat turn started")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan Event, g.config.Chat.EventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.runTurn(ctx, prompt, req.SessionID, events, logger)
	}()
	// The translator must not outlive this response.
	defer func() { cancel(); <-done }()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error("encoding event failed", "error", err, "type", ev.Type)
			fmt.Fprintf(w, "data: {\"type\":\"error\",\"data\":\"internal encoding error\"}\n\n")
			fmt.Fprint(w, doneSentinel)
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, doneSentinel)
	flusher.Flush()
	logger.Debug("chat stream finished")
}

// handleInterrupt cancels the in-flight turn, if any.
func (g *Gateway) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := g.manager.Interrupt(r.Context()); err != nil {
		g.logger.Error("interrupt failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "interrupted"})
}

// handleListSessions returns recent sessions, most recently active first.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			sendJSONError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	sessions, err := g.store.ListSessions(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing sessions failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions})
}

// handleContext returns ambient facts about where the gateway runs, for
// clients that prepend them to prompts.
func (g *Gateway) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	now := time.Now()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"hostname": hostname,
		"date":     now.Format("Mon Jan 2 2006"),
		"time":     now.Format("3:04 PM"),
	})
}

// handleHealth reports liveness plus the agent connection state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"client_connected": g.manager.Connected(),
		"current_session":  abbrevID(g.manager.CurrentSessionID()),
	})
}

// handleReady reports readiness. The agent connection is created lazily by
// the first turn, so readiness does not require one.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// sendJSONError writes a JSON error response. Only usable before the response
// has been hijacked into an SSE stream.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// abbrevID shortens a session id for logs and status payloads.
func abbrevID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
