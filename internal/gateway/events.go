// ABOUTME: Normalized outbound event vocabulary for the chat stream.
// ABOUTME: Defines the {type,data} frames the web client consumes over SSE.

package gateway

import (
	"encoding/json"

	"github.com/pondside/greenhouse-gateway/internal/agent"
)

// EventType identifies an outbound event on the wire.
type EventType string

const (
	EventTextDelta     EventType = "text-delta"
	EventThinkingDelta EventType = "thinking-delta"
	EventToolCall      EventType = "tool-call"
	EventToolResult    EventType = "tool-result"
	EventSessionID     EventType = "session-id"
	EventError         EventType = "error"
)

// Event is one normalized outbound event, serialized as {type, data}.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// ToolCallData is the payload of a tool-call event.
type ToolCallData struct {
	ToolCallID string                 `json:"toolCallId"`
	ToolName   string                 `json:"toolName"`
	Args       map[string]interface{} `json:"args"`
	ArgsText   string                 `json:"argsText"`
}

// ToolResultData is the payload of a tool-result event, correlated to its
// originating call by ToolCallID.
type ToolResultData struct {
	ToolCallID string      `json:"toolCallId"`
	Result     interface{} `json:"result"`
	IsError    bool        `json:"isError"`
}

// textDeltaEvent wraps an incremental text chunk.
func textDeltaEvent(text string) Event {
	return Event{Type: EventTextDelta, Data: text}
}

// thinkingDeltaEvent wraps an incremental thinking chunk.
func thinkingDeltaEvent(text string) Event {
	return Event{Type: EventThinkingDelta, Data: text}
}

// toolCallEvent converts a materialized tool_use block.
func toolCallEvent(block agent.ContentBlock) Event {
	argsText, err := json.Marshal(block.ToolInput)
	if err != nil {
		argsText = []byte("{}")
	}
	return Event{Type: EventToolCall, Data: ToolCallData{
		ToolCallID: block.ID,
		ToolName:   block.ToolName,
		Args:       block.ToolInput,
		ArgsText:   string(argsText),
	}}
}

// toolResultEvent converts a tool_result block. The raw result payload may be
// a string or nested blocks; it is passed through as decoded JSON.
func toolResultEvent(block agent.ContentBlock) Event {
	var result interface{}
	if len(block.ToolContent) > 0 {
		if err := json.Unmarshal(block.ToolContent, &result); err != nil {
			result = string(block.ToolContent)
		}
	}
	return Event{Type: EventToolResult, Data: ToolResultData{
		ToolCallID: block.ToolUseID,
		Result:     result,
		IsError:    block.IsError,
	}}
}

// sessionIDEvent announces the session id in effect for the turn.
func sessionIDEvent(id string) Event {
	return Event{Type: EventSessionID, Data: id}
}

// errorEvent carries a turn failure to the client without breaking the stream.
func errorEvent(message string) Event {
	return Event{Type: EventError, Data: message}
}
