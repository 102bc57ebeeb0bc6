// Package agent manages the single live connection to the companion agent
// CLI.
//
// # Manager
//
// The Manager owns the connection lifecycle. No connection exists at
// startup; EnsureSession creates one lazily, reuses it for repeat requests
// against the same session, and performs a full close-then-create when the
// requested session changes:
//
//	mgr := agent.NewManager(factory, logger)
//	if err := mgr.EnsureSession(ctx, sessionID); err != nil { ... }
//
// Key operations:
//
//   - EnsureSession(ctx, id): bind the connection to a session ("" = new)
//   - UpdateAssignedID(id): record the agent-assigned id of a new session
//   - Query / Stream: drive one turn (fail fast when not connected)
//   - Interrupt(ctx): cancel the in-flight generation, keep the session
//   - Shutdown(): disconnect, tolerating the benign shutdown close race
//
// # Client
//
// Client is the connection contract. The production implementation is
// CLIClient, which spawns the companion CLI speaking line-delimited JSON
// ("stream-json") on stdin/stdout. Raw messages decode into the taxonomy in
// message.go: StreamDelta for incremental chunks, AssistantMessage and
// UserMessage for materialized turns, and ResultMessage as each turn's
// terminal record carrying the final session id.
package agent
