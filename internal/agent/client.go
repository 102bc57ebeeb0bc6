// ABOUTME: Client contract for the single live connection to the companion agent.
// ABOUTME: Defines prompt content types and the connect/query/stream/interrupt surface.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotConnected indicates an operation was invoked before a connection was
// established. This is a caller bug, not a runtime condition; it is never
// retried.
var ErrNotConnected = errors.New("agent client not connected")

// Client is the handle to the external agent service. At most one Client is
// live per process; the Manager owns its lifecycle.
type Client interface {
	// Connect establishes the connection, resuming sessionID if non-empty.
	Connect(ctx context.Context, sessionID string) error
	// Query submits one prompt, tagged with the session id in effect
	// (empty for a brand-new session).
	Query(ctx context.Context, prompt Prompt, sessionID string) error
	// Stream returns the connection's raw message feed. A turn's messages
	// end with a ResultMessage; the channel itself closes only when the
	// connection dies.
	Stream() <-chan Message
	// Interrupt cancels the in-flight generation without closing the
	// session.
	Interrupt(ctx context.Context) error
	// Disconnect tears down the connection. Under a racing shutdown the
	// returned error wraps context.Canceled, which callers tolerate.
	Disconnect() error
}

// Prompt is one turn's input: plain text or an ordered sequence of content
// parts (text and images).
type Prompt struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multimodal prompt.
type ContentPart struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource carries inline image data for an image content part.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// content returns the wire representation of the prompt: a JSON string for
// text-only prompts, an array of parts otherwise.
func (p Prompt) content() (json.RawMessage, error) {
	if len(p.Parts) == 0 {
		return json.Marshal(p.Text)
	}
	return json.Marshal(p.Parts)
}

// DisplayText extracts the human-readable text of the prompt, used for
// session titles. Part texts are joined with single spaces.
func (p Prompt) DisplayText() string {
	if len(p.Parts) == 0 {
		return p.Text
	}
	var texts []string
	for _, part := range p.Parts {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, " ")
}
