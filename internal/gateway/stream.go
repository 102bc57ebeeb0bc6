// ABOUTME: Turn translator: drives one chat turn against the agent connection.
// ABOUTME: Converts the raw message feed into normalized events on a bounded channel.

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/pondside/greenhouse-gateway/internal/agent"
)

// runTurn executes one chat turn: ensure the connection, submit the prompt,
// and translate raw agent messages into normalized events until the terminal
// result record. The events channel is closed exactly once, on every path,
// when the turn produces no further events. Closing the channel is the
// stream's terminator; the encoder relies on it.
func (g *Gateway) runTurn(ctx context.Context, prompt agent.Prompt, sessionID string, events chan<- Event, logger *slog.Logger) {
	defer close(events)

	var stream <-chan agent.Message
	settled := false
	// The raw stream belongs to the connection, not the turn. A turn the
	// client walked away from leaves its remaining messages queued there,
	// and they must not surface as the next turn's events.
	defer func() {
		if !settled && stream != nil && ctx.Err() != nil {
			g.abandonTurn(stream, prompt, logger)
		}
	}()

	// emit delivers one event, giving up if the client went away.
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error) {
		logger.Error("turn failed", "error", err)
		emit(errorEvent(err.Error()))
	}

	if err := g.manager.EnsureSession(ctx, sessionID); err != nil {
		fail(err)
		return
	}

	if err := g.manager.Query(ctx, prompt, sessionID); err != nil {
		fail(err)
		return
	}

	stream, err := g.manager.Stream()
	if err != nil {
		fail(err)
		return
	}

	for {
		var msg agent.Message
		var ok bool
		select {
		case msg, ok = <-stream:
			if !ok {
				settled = true
				fail(errAgentStreamClosed)
				return
			}
		case <-ctx.Done():
			logger.Debug("client disconnected mid-turn")
			return
		}

		switch m := msg.(type) {
		case agent.StreamDelta:
			ev := textDeltaEvent(m.Text)
			if m.Kind == agent.DeltaThinking {
				ev = thinkingDeltaEvent(m.Text)
			}
			if !emit(ev) {
				return
			}

		case agent.AssistantMessage:
			// Plain text already went out as deltas; only tool
			// invocations carry new information here.
			for _, call := range m.ToolCalls() {
				if !emit(toolCallEvent(call)) {
					return
				}
			}

		case agent.UserMessage:
			for _, result := range m.ToolResults() {
				if !emit(toolResultEvent(result)) {
					return
				}
			}

		case agent.ResultMessage:
			settled = true
			g.finishTurn(ctx, m, prompt, emit, logger)
			return

		case agent.SystemMessage:
			logger.Debug("agent system message",
				"subtype", m.Subtype,
				"session_id", abbrevID(m.SessionID),
			)
		}
	}
}

// finishTurn handles the terminal result record. The session id is captured
// and announced before anything else: a new session whose first turn ends in
// an error result must still learn its id, or it can never be resumed.
func (g *Gateway) finishTurn(ctx context.Context, result agent.ResultMessage, prompt agent.Prompt, emit func(Event) bool, logger *slog.Logger) {
	g.captureSession(ctx, result.SessionID, prompt, logger)

	if result.SessionID != "" {
		if !emit(sessionIDEvent(result.SessionID)) {
			return
		}
	}

	if result.IsError {
		logger.Warn("turn ended with error result", "subtype", result.Subtype, "result", result.Result)
		emit(errorEvent(result.Result))
		return
	}

	logger.Info("turn complete",
		"session_id", abbrevID(result.SessionID),
		"duration_ms", result.DurationMS,
		"num_turns", result.NumTurns,
	)
}

// captureSession records the session id reported by a terminal record: the
// at-most-once manager update plus the best-effort metadata upsert. The
// upsert is detached from the request context; a client disconnect right
// after the result must not cancel the write. Persistence failures are
// logged, never surfaced; the turn already happened.
func (g *Gateway) captureSession(ctx context.Context, sid string, prompt agent.Prompt, logger *slog.Logger) {
	if sid == "" {
		return
	}

	g.manager.UpdateAssignedID(sid)

	if err := g.store.UpsertSession(context.WithoutCancel(ctx), sid, prompt.DisplayText()); err != nil {
		logger.Warn("recording session metadata failed", "error", err, "session_id", abbrevID(sid))
	}
}

// abandonTurn cleans up after the client goes away mid-turn: interrupt the
// in-flight generation, then drain the raw stream to this turn's terminal
// record so the connection is clean for the next turn. The drained result
// still carries the assigned session id, which is captured as usual. If the
// agent does not wind down within the stop timeout the connection is closed
// instead; the next turn gets a fresh one.
func (g *Gateway) abandonTurn(stream <-chan agent.Message, prompt agent.Prompt, logger *slog.Logger) {
	timeout := g.config.Agent.StopTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := g.manager.Interrupt(ctx); err != nil {
		logger.Warn("interrupting abandoned turn failed", "error", err)
	}

	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return
			}
			if result, isResult := msg.(agent.ResultMessage); isResult {
				g.captureSession(ctx, result.SessionID, prompt, logger)
				logger.Debug("abandoned turn wound down", "session_id", abbrevID(result.SessionID))
				return
			}
		case <-ctx.Done():
			logger.Warn("abandoned turn did not wind down, closing connection")
			if err := g.manager.Shutdown(); err != nil {
				logger.Error("closing abandoned connection failed", "error", err)
			}
			return
		}
	}
}
