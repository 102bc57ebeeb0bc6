// ABOUTME: HTTP-level tests for the gateway API.
// ABOUTME: Covers the SSE chat contract, interrupt, sessions, context, and health.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer wires the gateway's routes the way New does and serves them.
func newTestServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", g.handleChat)
	mux.HandleFunc("/api/chat/interrupt", g.handleInterrupt)
	mux.HandleFunc("/api/sessions", g.handleListSessions)
	mux.HandleFunc("/api/context", g.handleContext)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// parseSSE splits an SSE body into its data payloads, in order.
func parseSSE(t *testing.T, body string) []string {
	t.Helper()

	var payloads []string
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "unexpected frame: %q", frame)
		payloads = append(payloads, strings.TrimPrefix(frame, "data: "))
	}
	return payloads
}

func postChat(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestChat_StreamContract(t *testing.T) {
	client := &fakeClient{script: happyPathScript()}
	g := newTestGateway(t, client)
	srv := newTestServer(t, g)

	resp := postChat(t, srv, `{"content": "what's the weather"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	payloads := parseSSE(t, string(raw))

	// Terminator present exactly once, as the final frame.
	require.NotEmpty(t, payloads)
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])
	assert.Equal(t, 1, strings.Count(string(raw), "data: [DONE]"))

	var types []string
	for _, p := range payloads[:len(payloads)-1] {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(p), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		"thinking-delta", "text-delta", "tool-call", "tool-result", "text-delta", "session-id",
	}, types)
}

func TestChat_ConnectFailureStillTerminates(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("spawn failed")}
	g := newTestGateway(t, client)
	srv := newTestServer(t, g)

	resp := postChat(t, srv, `{"content": "hi"}`)
	defer resp.Body.Close()

	// The SSE response is already committed before the turn runs; failures
	// arrive in-band.
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	payloads := parseSSE(t, string(raw))

	require.Len(t, payloads, 2)
	var ev struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &ev))
	assert.Equal(t, "error", ev.Type)
	assert.Contains(t, ev.Data, "spawn failed")
	assert.Equal(t, "[DONE]", payloads[1])
}

func TestChat_ContentParts(t *testing.T) {
	client := &fakeClient{script: happyPathScript()}
	g := newTestGateway(t, client)
	srv := newTestServer(t, g)

	resp := postChat(t, srv, `{"content": [
		{"type": "text", "text": "what is this"},
		{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGk="}}
	]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "data: [DONE]")

	// The text part becomes the recorded session title.
	sess, err := g.store.GetSession(context.Background(), "sess-abc-123")
	require.NoError(t, err)
	assert.Equal(t, "what is this", sess.Title)
}

func TestChat_InvalidBody(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	resp := postChat(t, srv, `not json`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestChat_MissingContent(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	resp := postChat(t, srv, `{"sessionId": "sess-1"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_MethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	resp, err := http.Get(srv.URL + "/api/chat")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestInterrupt_NoTurnInFlight(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	resp, err := http.Post(srv.URL+"/api/chat/interrupt", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "interrupted", body["status"])
}

func TestInterrupt_ReachesLiveConnection(t *testing.T) {
	client := &fakeClient{script: happyPathScript()}
	g := newTestGateway(t, client)
	srv := newTestServer(t, g)

	resp := postChat(t, srv, `{"content": "hi"}`)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err := http.Post(srv.URL+"/api/chat/interrupt", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.interrupts)
}

func TestListSessions(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	require.NoError(t, g.store.UpsertSession(context.Background(), "sess-1", "first chat"))

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Sessions []struct {
			SessionID string `json:"session_id"`
			Title     string `json:"title"`
		} `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "sess-1", body.Sessions[0].SessionID)
	assert.Equal(t, "first chat", body.Sessions[0].Title)
}

func TestListSessions_LimitValidation(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	for _, limit := range []string{"0", "101", "abc"} {
		resp, err := http.Get(srv.URL + "/api/sessions?limit=" + limit)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", limit)
	}
}

func TestContext(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	resp, err := http.Get(srv.URL + "/api/context")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["hostname"])
	assert.NotEmpty(t, body["date"])
	assert.NotEmpty(t, body["time"])
}

func TestHealth(t *testing.T) {
	client := &fakeClient{script: happyPathScript()}
	g := newTestGateway(t, client)
	srv := newTestServer(t, g)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["client_connected"])

	chatResp := postChat(t, srv, `{"content": "hi"}`)
	io.Copy(io.Discard, chatResp.Body)
	chatResp.Body.Close()

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["client_connected"])
	assert.Equal(t, "sess-abc...", body["current_session"])
}

func TestReady(t *testing.T) {
	g := newTestGateway(t, &fakeClient{})
	srv := newTestServer(t, g)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParsePrompt(t *testing.T) {
	p, err := parsePrompt(json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Text)

	p, err = parsePrompt(json.RawMessage(`[{"type":"text","text":"hi"}]`))
	require.NoError(t, err)
	require.Len(t, p.Parts, 1)
	assert.Equal(t, "hi", p.Parts[0].Text)

	_, err = parsePrompt(nil)
	assert.Error(t, err)

	_, err = parsePrompt(json.RawMessage(`[]`))
	assert.Error(t, err)

	_, err = parsePrompt(json.RawMessage(`42`))
	assert.Error(t, err)
}
