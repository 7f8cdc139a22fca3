package sse

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Chunk types emitted by the send endpoint.
const (
	TypeSessionID    = "session_id"
	TypeError        = "error"
	TypeImage        = "image"
	TypeRecord       = "record"
	TypeFile         = "file"
	TypePlain        = "plain"
	TypeUpdateTitle  = "update_title"
	TypeMessageSaved = "message_saved"
	TypeAgentStats   = "agent_stats"
	TypeBreak        = "break"
)

// Chain types qualifying a plain chunk.
const (
	ChainNormal         = "normal"
	ChainToolCall       = "tool_call"
	ChainToolCallResult = "tool_call_result"
	ChainReasoning      = "reasoning"
)

// Chunk is one decoded stream record. Streaming is false when the field is
// absent, which marks the end of the current logical message.
type Chunk struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ChainType string          `json:"chain_type,omitempty"`
	Streaming bool            `json:"streaming"`
	SessionID string          `json:"session_id,omitempty"`
}

// Chain returns the chain type, defaulting to normal text.
func (c *Chunk) Chain() string {
	if c == nil || c.ChainType == "" {
		return ChainNormal
	}
	return c.ChainType
}

// Text returns Data as a string. JSON strings are unquoted, anything else is
// returned verbatim.
func (c *Chunk) Text() string {
	if c == nil || len(c.Data) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(c.Data))
	if trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(c.Data, &s); err == nil {
			return s
		}
	}
	return trimmed
}

// DecodeData unmarshals Data into v. Payloads that arrive as a JSON-encoded
// string (tool_call, tool_call_result) are unwrapped first.
func (c *Chunk) DecodeData(v any) error {
	if c == nil || len(c.Data) == 0 {
		return errors.New("chunk has no data")
	}
	raw := []byte(c.Data)
	if strings.HasPrefix(strings.TrimSpace(string(raw)), `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return errors.Wrap(err, "decode chunk data string")
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "decode %s chunk data", c.Type)
	}
	return nil
}

// ParseChunk decodes one record body. A record must be a JSON object with a
// non-empty type.
func ParseChunk(record []byte) (*Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(record, &c); err != nil {
		return nil, errors.Wrap(err, "parse chunk")
	}
	if strings.TrimSpace(c.Type) == "" {
		return nil, errors.New("chunk has no type")
	}
	return &c, nil
}
