package chat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

type PartType string

const (
	PartPlain    PartType = "plain"
	PartImage    PartType = "image"
	PartRecord   PartType = "record"
	PartFile     PartType = "file"
	PartVideo    PartType = "video"
	PartReply    PartType = "reply"
	PartToolCall PartType = "tool_call"
)

// ToolCall is a single tool invocation announced by the backend. Result and
// FinishedTS are set once, when the matching tool_call_result arrives.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	TS         float64        `json:"ts"`
	Result     *string        `json:"result,omitempty"`
	FinishedTS *float64       `json:"finished_ts,omitempty"`
}

func (tc *ToolCall) Finished() bool {
	return tc != nil && tc.Result != nil
}

type TokenUsage struct {
	InputOther  int64 `json:"input_other"`
	InputCached int64 `json:"input_cached"`
	Output      int64 `json:"output"`
}

type AgentStats struct {
	TokenUsage       TokenUsage `json:"token_usage"`
	StartTime        float64    `json:"start_time"`
	EndTime          float64    `json:"end_time"`
	TimeToFirstToken float64    `json:"time_to_first_token"`
}

// FileInfo describes a downloadable file part. URL stays empty until the
// attachment is fetched on demand.
type FileInfo struct {
	URL          string `json:"url,omitempty"`
	Filename     string `json:"filename"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// MessagePart is a tagged variant; only the fields relevant to Type are set.
type MessagePart struct {
	Type         PartType    `json:"type"`
	Text         string      `json:"text,omitempty"`
	AttachmentID string      `json:"attachment_id,omitempty"`
	Filename     string      `json:"filename,omitempty"`
	MessageID    int64       `json:"message_id,omitempty"`
	ToolCalls    []*ToolCall `json:"tool_calls,omitempty"`
	EmbeddedURL  string      `json:"embedded_url,omitempty"`
	EmbeddedFile *FileInfo   `json:"embedded_file,omitempty"`
	SelectedText string      `json:"selected_text,omitempty"`
}

// FindToolCall returns the tool call with the given id, or nil.
func (p *MessagePart) FindToolCall(id string) *ToolCall {
	if p == nil || p.Type != PartToolCall {
		return nil
	}
	for _, tc := range p.ToolCalls {
		if tc != nil && tc.ID == id {
			return tc
		}
	}
	return nil
}

type MessageContent struct {
	Role       Role           `json:"type"`
	Parts      []*MessagePart `json:"message"`
	Reasoning  string         `json:"reasoning,omitempty"`
	IsLoading  bool           `json:"isLoading,omitempty"`
	AgentStats *AgentStats    `json:"agent_stats,omitempty"`
}

func (c *MessageContent) LastPart() *MessagePart {
	if c == nil || len(c.Parts) == 0 {
		return nil
	}
	return c.Parts[len(c.Parts)-1]
}

// Text concatenates every plain part.
func (c *MessageContent) Text() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p != nil && p.Type == PartPlain {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Message is one timeline entry. ID and CreatedAt are assigned by the backend
// and may arrive after the message was appended.
type Message struct {
	ID        *int64          `json:"id,omitempty"`
	Content   *MessageContent `json:"content"`
	CreatedAt string          `json:"created_at,omitempty"`
}

func (m *Message) IsBot() bool {
	return m != nil && m.Content != nil && m.Content.Role == RoleBot
}

func (m *Message) IsLoading() bool {
	return m != nil && m.Content != nil && m.Content.IsLoading
}

// Clone returns a deep copy so that snapshots can be handed to other goroutines.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out Message
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

// Body is the content of a history message as stored by the backend. It is
// either a LegacyString (old plain-string encoding, possibly carrying a media
// prefix marker) or StructuredParts.
type Body interface {
	isBody()
}

type LegacyString string

type StructuredParts []*MessagePart

func (LegacyString) isBody()    {}
func (StructuredParts) isBody() {}

const (
	LegacyImagePrefix  = "[IMAGE]"
	LegacyRecordPrefix = "[RECORD]"
	LegacyFilePrefix   = "[FILE]"
)

// DecodeBody decides once whether raw is a legacy string or a part list.
// Any other JSON shape is logged and decodes to an empty part list so that a
// single odd entry does not make the whole history unreadable.
func DecodeBody(raw json.RawMessage) (Body, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return StructuredParts(nil), nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.Wrap(err, "decode legacy message body")
		}
		return LegacyString(s), nil
	case '[':
		var parts []*MessagePart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, errors.Wrap(err, "decode message parts")
		}
		return StructuredParts(parts), nil
	default:
		log.Warn().Str("component", "chat").Str("body", truncate(trimmed, 64)).Msg("unsupported message body, treating as empty")
		return StructuredParts(nil), nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HistoryContent is the wire form of a stored message's content.
type HistoryContent struct {
	Role       Role
	Body       Body
	Reasoning  string
	AgentStats *AgentStats
}

func (h *HistoryContent) UnmarshalJSON(b []byte) error {
	var wire struct {
		Type       Role            `json:"type"`
		Message    json.RawMessage `json:"message"`
		Reasoning  string          `json:"reasoning"`
		AgentStats *AgentStats     `json:"agent_stats"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	body, err := DecodeBody(wire.Message)
	if err != nil {
		return err
	}
	h.Role = wire.Type
	h.Body = body
	h.Reasoning = wire.Reasoning
	h.AgentStats = wire.AgentStats
	return nil
}

func (h HistoryContent) MarshalJSON() ([]byte, error) {
	wire := struct {
		Type       Role        `json:"type"`
		Message    any         `json:"message"`
		Reasoning  string      `json:"reasoning,omitempty"`
		AgentStats *AgentStats `json:"agent_stats,omitempty"`
	}{
		Type:       h.Role,
		Reasoning:  h.Reasoning,
		AgentStats: h.AgentStats,
	}
	switch body := h.Body.(type) {
	case LegacyString:
		wire.Message = string(body)
	case StructuredParts:
		wire.Message = []*MessagePart(body)
	default:
		wire.Message = []*MessagePart{}
	}
	return json.Marshal(wire)
}

type HistoryMessage struct {
	ID        *int64         `json:"id,omitempty"`
	Content   HistoryContent `json:"content"`
	CreatedAt string         `json:"created_at,omitempty"`
}

// ReplyInfo references an earlier message when sending.
type ReplyInfo struct {
	MessageID    int64
	SelectedText string
}
