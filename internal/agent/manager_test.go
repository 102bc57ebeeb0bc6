// ABOUTME: Tests for the session manager's create/reuse/switch lifecycle.
// ABOUTME: Verifies single-connection discipline, id assignment, and close-race handling.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records lifecycle calls and plays back a scripted message feed.
type fakeClient struct {
	connected     bool
	connectedWith string
	connectErr    error
	disconnectErr error
	disconnects   int
	interrupts    int
	queries       []string
	messages      chan Message
}

func newFakeClient() *fakeClient {
	return &fakeClient{messages: make(chan Message, 16)}
}

func (f *fakeClient) Connect(_ context.Context, sessionID string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.connectedWith = sessionID
	return nil
}

func (f *fakeClient) Query(_ context.Context, prompt Prompt, _ string) error {
	f.queries = append(f.queries, prompt.DisplayText())
	return nil
}

func (f *fakeClient) Stream() <-chan Message { return f.messages }

func (f *fakeClient) Interrupt(_ context.Context) error {
	f.interrupts++
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.connected = false
	f.disconnects++
	return f.disconnectErr
}

// fakeFactory hands out clients in order and records how many were made.
type fakeFactory struct {
	clients []*fakeClient
	created int
}

func (ff *fakeFactory) next() Client {
	if ff.created >= len(ff.clients) {
		ff.clients = append(ff.clients, newFakeClient())
	}
	c := ff.clients[ff.created]
	ff.created++
	return c
}

func newTestManager(clients ...*fakeClient) (*Manager, *fakeFactory) {
	ff := &fakeFactory{clients: clients}
	mgr := NewManager(ff.next, slog.Default())
	return mgr, ff
}

func TestEnsureSession_CreatesOnFirstUse(t *testing.T) {
	mgr, ff := newTestManager()

	require.False(t, mgr.Connected())
	require.NoError(t, mgr.EnsureSession(context.Background(), ""))

	assert.True(t, mgr.Connected())
	assert.Equal(t, 1, ff.created)
	assert.Equal(t, "", ff.clients[0].connectedWith)
}

func TestEnsureSession_ReusesSameSession(t *testing.T) {
	mgr, ff := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.EnsureSession(ctx, "sess-1"))
	require.NoError(t, mgr.EnsureSession(ctx, "sess-1"))
	require.NoError(t, mgr.EnsureSession(ctx, "sess-1"))

	assert.Equal(t, 1, ff.created)
	assert.Equal(t, 0, ff.clients[0].disconnects)
}

func TestEnsureSession_ReusesUnassignedNewSession(t *testing.T) {
	mgr, ff := newTestManager()
	ctx := context.Background()

	// Two "new session" requests within the same lifetime share the
	// connection; the second must not tear it down.
	require.NoError(t, mgr.EnsureSession(ctx, ""))
	require.NoError(t, mgr.EnsureSession(ctx, ""))

	assert.Equal(t, 1, ff.created)
}

func TestEnsureSession_SwitchClosesBeforeCreate(t *testing.T) {
	first := newFakeClient()
	second := newFakeClient()
	mgr, ff := newTestManager(first, second)
	ctx := context.Background()

	require.NoError(t, mgr.EnsureSession(ctx, "sess-X"))
	require.NoError(t, mgr.EnsureSession(ctx, "sess-Y"))

	assert.Equal(t, 2, ff.created)
	assert.Equal(t, 1, first.disconnects)
	assert.False(t, first.connected)
	assert.True(t, second.connected)
	assert.Equal(t, "sess-Y", second.connectedWith)
	assert.Equal(t, "sess-Y", mgr.CurrentSessionID())
}

func TestEnsureSession_ConnectionPairsMatchSessionChanges(t *testing.T) {
	mgr, ff := newTestManager()
	ctx := context.Background()

	// reuse, switch, reuse, switch: two strictly-consecutive changes
	// after the initial create = three connections total.
	sequence := []string{"a", "a", "b", "b", "b", "c"}
	for _, id := range sequence {
		require.NoError(t, mgr.EnsureSession(ctx, id))
	}

	assert.Equal(t, 3, ff.created)
	assert.Equal(t, 1, ff.clients[0].disconnects)
	assert.Equal(t, 1, ff.clients[1].disconnects)
	assert.Equal(t, 0, ff.clients[2].disconnects)
}

func TestEnsureSession_SwitchPropagatesCloseError(t *testing.T) {
	first := newFakeClient()
	first.disconnectErr = errors.New("pipe broke")
	mgr, ff := newTestManager(first)
	ctx := context.Background()

	require.NoError(t, mgr.EnsureSession(ctx, "sess-X"))
	err := mgr.EnsureSession(ctx, "sess-Y")

	require.Error(t, err)
	assert.ErrorContains(t, err, "pipe broke")
	assert.Equal(t, 1, ff.created)
}

func TestEnsureSession_SwitchSwallowsShutdownRace(t *testing.T) {
	first := newFakeClient()
	first.disconnectErr = fmt.Errorf("agent CLI closed during shutdown: %w", context.Canceled)
	mgr, ff := newTestManager(first)
	ctx := context.Background()

	require.NoError(t, mgr.EnsureSession(ctx, "sess-X"))
	require.NoError(t, mgr.EnsureSession(ctx, "sess-Y"))

	assert.Equal(t, 2, ff.created)
}

func TestUpdateAssignedID(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.EnsureSession(ctx, ""))
	assert.Equal(t, "", mgr.CurrentSessionID())

	mgr.UpdateAssignedID("sess-assigned")
	assert.Equal(t, "sess-assigned", mgr.CurrentSessionID())

	// Once set, later updates have no effect.
	mgr.UpdateAssignedID("sess-assigned")
	mgr.UpdateAssignedID("sess-other")
	assert.Equal(t, "sess-assigned", mgr.CurrentSessionID())
}

func TestUpdateAssignedID_NoOpWhenResumed(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.EnsureSession(ctx, "sess-1"))
	mgr.UpdateAssignedID("sess-2")

	assert.Equal(t, "sess-1", mgr.CurrentSessionID())
}

func TestUpdateAssignedID_NoOpWhenDisconnected(t *testing.T) {
	mgr, _ := newTestManager()

	mgr.UpdateAssignedID("sess-1")
	assert.Equal(t, "", mgr.CurrentSessionID())
}

func TestQueryAndStream_FailFastWithoutConnection(t *testing.T) {
	mgr, _ := newTestManager()

	err := mgr.Query(context.Background(), Prompt{Text: "hi"}, "")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = mgr.Stream()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInterrupt_NoOpWithoutConnection(t *testing.T) {
	mgr, _ := newTestManager()
	assert.NoError(t, mgr.Interrupt(context.Background()))
}

func TestInterrupt_ReachesLiveConnection(t *testing.T) {
	client := newFakeClient()
	mgr, _ := newTestManager(client)
	ctx := context.Background()

	require.NoError(t, mgr.EnsureSession(ctx, "sess-1"))
	require.NoError(t, mgr.Interrupt(ctx))

	assert.Equal(t, 1, client.interrupts)
	// The connection and session survive an interrupt.
	assert.True(t, mgr.Connected())
	assert.Equal(t, "sess-1", mgr.CurrentSessionID())
}

func TestShutdown(t *testing.T) {
	client := newFakeClient()
	mgr, _ := newTestManager(client)

	require.NoError(t, mgr.EnsureSession(context.Background(), "sess-1"))
	require.NoError(t, mgr.Shutdown())

	assert.False(t, mgr.Connected())
	assert.Equal(t, 1, client.disconnects)

	// Idempotent once disconnected.
	require.NoError(t, mgr.Shutdown())
	assert.Equal(t, 1, client.disconnects)
}

func TestShutdown_SwallowsCancellationRace(t *testing.T) {
	client := newFakeClient()
	client.disconnectErr = fmt.Errorf("wrapped: %w", context.Canceled)
	mgr, _ := newTestManager(client)

	require.NoError(t, mgr.EnsureSession(context.Background(), "sess-1"))
	require.NoError(t, mgr.Shutdown())
}
