// ABOUTME: Package documentation for the gateway HTTP layer.
// ABOUTME: Describes the streaming contract and turn lifecycle.

// Package gateway is the HTTP front end over the single live agent
// connection.
//
// # Streaming contract
//
// POST /api/chat responds with Server-Sent Events. Each frame is one
// normalized event serialized as {"type": ..., "data": ...}; the stream ends
// with a literal [DONE] frame exactly once, on success, failure, and client
// disconnect alike. Event order matches the order the agent produced the
// underlying messages.
//
// # Turn lifecycle
//
// A turn ensures the agent connection is bound to the requested session,
// submits the prompt, and translates the raw message feed until the terminal
// result record. The translator runs in its own goroutine and hands events to
// the encoder over a bounded channel; closing that channel is the stream
// terminator. The handler never returns while the translator is still
// running.
package gateway
