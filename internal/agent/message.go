// ABOUTME: Raw message taxonomy emitted by the companion CLI over stream-json.
// ABOUTME: Defines stream deltas, materialized messages, and the terminal result record.

package agent

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates between raw message kinds on the wire.
type MessageType string

const (
	MessageTypeSystem          MessageType = "system"
	MessageTypeAssistant       MessageType = "assistant"
	MessageTypeUser            MessageType = "user"
	MessageTypeResult          MessageType = "result"
	MessageTypeStreamEvent     MessageType = "stream_event"
	MessageTypeControlResponse MessageType = "control_response"
)

// Message is the interface for all raw messages read from the agent connection.
type Message interface {
	MsgType() MessageType
}

// DeltaKind identifies the kind of incremental chunk in a StreamDelta.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text_delta"
	DeltaThinking DeltaKind = "thinking_delta"
)

// StreamDelta is an incremental text or thinking chunk from an in-progress
// assistant turn. Deltas arrive before the materialized AssistantMessage that
// carries the same content in full.
type StreamDelta struct {
	Kind DeltaKind
	Text string
}

// MsgType returns the message type.
func (m StreamDelta) MsgType() MessageType { return MessageTypeStreamEvent }

// ContentBlockType identifies the kind of content block.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeThinking   ContentBlockType = "thinking"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

// ContentBlock is a structured content block from a materialized message.
type ContentBlock struct {
	Type      ContentBlockType       `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	ToolName  string                 `json:"name,omitempty"`
	ToolInput map[string]interface{} `json:"input,omitempty"`
	// ToolContent holds the raw tool result payload, which may be a string
	// or an array of nested blocks depending on the tool.
	ToolContent json.RawMessage `json:"content,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	// ID is the tool_use block's own identifier, correlated by the
	// matching tool_result block's ToolUseID.
	ID string `json:"id,omitempty"`
}

// AssistantMessage is a fully materialized assistant turn. Its plain text was
// already streamed as deltas; only non-text blocks (tool invocations) carry
// new information.
type AssistantMessage struct {
	Content []ContentBlock
	Model   string
}

// MsgType returns the message type.
func (m AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// ToolCalls returns the tool_use blocks of the message, in order.
func (m AssistantMessage) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, block := range m.Content {
		if block.Type == ContentBlockTypeToolUse {
			calls = append(calls, block)
		}
	}
	return calls
}

// UserMessage is a user-role-tagged message on the stream. Tool results come
// back through these.
type UserMessage struct {
	Content []ContentBlock
}

// MsgType returns the message type.
func (m UserMessage) MsgType() MessageType { return MessageTypeUser }

// ToolResults returns the tool_result blocks of the message, in order.
func (m UserMessage) ToolResults() []ContentBlock {
	var results []ContentBlock
	for _, block := range m.Content {
		if block.Type == ContentBlockTypeToolResult {
			results = append(results, block)
		}
	}
	return results
}

// SystemMessage carries session initialization and other system events.
type SystemMessage struct {
	Subtype   string
	SessionID string
	Model     string
	Tools     []string
}

// MsgType returns the message type.
func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// ResultMessage is the terminal record of a turn. It exposes the final
// session id, which for a brand-new session is the first time the gateway
// learns it.
type ResultMessage struct {
	Subtype    string
	SessionID  string
	IsError    bool
	Result     string
	DurationMS int64
	NumTurns   int
}

// MsgType returns the message type.
func (m ResultMessage) MsgType() MessageType { return MessageTypeResult }

// rawMessage mirrors the wire envelope enough to dispatch on type.
type rawMessage struct {
	Type      MessageType     `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    string          `json:"result,omitempty"`
	Duration  int64           `json:"duration_ms,omitempty"`
	NumTurns  int             `json:"num_turns,omitempty"`
}

// innerMessage is the message payload of assistant/user envelopes.
type innerMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content"`
}

// streamEvent is the event payload of stream_event envelopes.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"delta"`
}

// DecodeMessage parses one stream-json line into a typed Message.
// Lines that carry no information for the gateway (control responses,
// non-delta stream events) decode to nil with no error.
func DecodeMessage(line []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	switch raw.Type {
	case MessageTypeStreamEvent:
		return decodeStreamEvent(raw.Event)

	case MessageTypeAssistant:
		blocks, model, err := decodeContentBlocks(raw.Message)
		if err != nil {
			return nil, fmt.Errorf("parsing assistant message: %w", err)
		}
		return AssistantMessage{Content: blocks, Model: model}, nil

	case MessageTypeUser:
		blocks, _, err := decodeContentBlocks(raw.Message)
		if err != nil {
			return nil, fmt.Errorf("parsing user message: %w", err)
		}
		return UserMessage{Content: blocks}, nil

	case MessageTypeResult:
		return ResultMessage{
			Subtype:    raw.Subtype,
			SessionID:  raw.SessionID,
			IsError:    raw.IsError,
			Result:     raw.Result,
			DurationMS: raw.Duration,
			NumTurns:   raw.NumTurns,
		}, nil

	case MessageTypeSystem:
		return SystemMessage{
			Subtype:   raw.Subtype,
			SessionID: raw.SessionID,
			Model:     raw.Model,
			Tools:     raw.Tools,
		}, nil

	case MessageTypeControlResponse:
		// Acknowledgement for interrupt and friends; nothing to surface.
		return nil, nil

	default:
		return nil, nil
	}
}

// decodeStreamEvent extracts an incremental delta, or nil for event types the
// gateway does not forward (block starts/stops, pings).
func decodeStreamEvent(data json.RawMessage) (Message, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parsing stream event: %w", err)
	}

	if ev.Type != "content_block_delta" {
		return nil, nil
	}

	switch ev.Delta.Type {
	case "text_delta":
		if ev.Delta.Text == "" {
			return nil, nil
		}
		return StreamDelta{Kind: DeltaText, Text: ev.Delta.Text}, nil
	case "thinking_delta":
		if ev.Delta.Thinking == "" {
			return nil, nil
		}
		return StreamDelta{Kind: DeltaThinking, Text: ev.Delta.Thinking}, nil
	default:
		return nil, nil
	}
}

// decodeContentBlocks parses the content of an assistant/user envelope.
// Content may be a bare string (normalized to a single text block) or an
// array of blocks.
func decodeContentBlocks(data json.RawMessage) ([]ContentBlock, string, error) {
	if len(data) == 0 {
		return nil, "", nil
	}

	var inner innerMessage
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, "", err
	}
	if len(inner.Content) == 0 {
		return nil, inner.Model, nil
	}

	if inner.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(inner.Content, &text); err != nil {
			return nil, "", err
		}
		return []ContentBlock{{Type: ContentBlockTypeText, Text: text}}, inner.Model, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(inner.Content, &blocks); err != nil {
		return nil, "", err
	}
	return blocks, inner.Model, nil
}
