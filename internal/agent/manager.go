// ABOUTME: Owns the lifecycle of the single live agent connection.
// ABOUTME: Decides create/reuse/switch per requested session and handles teardown.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Factory creates an unconnected Client. The Manager calls Connect itself so
// it can hold the single-connection invariant across close-then-create.
type Factory func() Client

// Manager owns the process's one agent connection. No client exists at
// startup; the first turn creates one, and a request for a different session
// closes and recreates it. All mutation goes through the Manager.
type Manager struct {
	mu        sync.Mutex
	factory   Factory
	client    Client
	sessionID string
	logger    *slog.Logger
}

// NewManager creates a Manager that builds connections with factory.
func NewManager(factory Factory, logger *slog.Logger) *Manager {
	return &Manager{
		factory: factory,
		logger:  logger.With("component", "session-manager"),
	}
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

// CurrentSessionID returns the active session id, empty if none is assigned.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// EnsureSession makes sure the live connection is bound to sessionID (empty
// means "new session"). No connection: create one. Different session: close
// the existing connection fully, then create. Same session: reuse.
//
// The close always completes before the new connect starts, so two
// connections are never open at once.
func (m *Manager) EnsureSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return m.connectLocked(ctx, sessionID)
	}

	if sessionID != m.sessionID {
		m.logger.Info("session change",
			"from", abbrev(m.sessionID),
			"to", abbrev(sessionID),
		)
		if err := m.closeLocked(); err != nil {
			return fmt.Errorf("closing previous session: %w", err)
		}
		return m.connectLocked(ctx, sessionID)
	}

	// Same session, reuse the existing connection.
	return nil
}

// connectLocked creates and connects a new client. Caller holds mu.
func (m *Manager) connectLocked(ctx context.Context, sessionID string) error {
	client := m.factory()
	if err := client.Connect(ctx, sessionID); err != nil {
		return fmt.Errorf("connecting agent client: %w", err)
	}

	m.client = client
	m.sessionID = sessionID

	desc := "new session"
	if sessionID != "" {
		desc = "resuming " + abbrev(sessionID)
	}
	m.logger.Info("agent client connected", "session", desc)
	return nil
}

// closeLocked disconnects the current client. A disconnect error wrapping
// context.Canceled is the benign teardown race with process shutdown and is
// swallowed; anything else propagates. Caller holds mu.
func (m *Manager) closeLocked() error {
	if m.client == nil {
		return nil
	}

	err := m.client.Disconnect()
	m.client = nil
	m.sessionID = ""

	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debug("ignoring disconnect race during shutdown", "error", err)
			return nil
		}
		return err
	}

	m.logger.Info("agent client disconnected")
	return nil
}

// UpdateAssignedID records the session id the agent reports after a new
// session's first turn completes. It only takes effect while the active id is
// still unassigned; once set, the id is immutable for the connection's
// lifetime.
func (m *Manager) UpdateAssignedID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil || m.sessionID != "" || id == "" {
		return
	}

	m.sessionID = id
	m.logger.Info("new session id assigned", "session_id", abbrev(id))
}

// Query submits a prompt on the live connection. Fails fast with
// ErrNotConnected if EnsureSession has not run.
func (m *Manager) Query(ctx context.Context, prompt Prompt, sessionID string) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	return client.Query(ctx, prompt, sessionID)
}

// Stream returns the live connection's raw message feed. Fails fast with
// ErrNotConnected if no connection exists.
func (m *Manager) Stream() (<-chan Message, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return nil, ErrNotConnected
	}
	return client.Stream(), nil
}

// Interrupt cancels whatever turn is in flight on the live connection. Safe
// to call with no connection or no turn in flight; that is a no-op, not an
// error. The connection and session id survive.
func (m *Manager) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Interrupt(ctx)
}

// Shutdown closes the connection if one exists. Terminal state is
// disconnected; the benign close race is swallowed as in EnsureSession.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}
