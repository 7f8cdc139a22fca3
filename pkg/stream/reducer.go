package stream

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dashchat/pkg/chat"
	"github.com/go-go-golems/dashchat/pkg/sse"
)

type State int

const (
	StateIdle State = iota
	StateSending
	StateOpen
	StateClosed
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateOpen:
		return "streaming_open"
	case StateClosed:
		return "streaming_closed"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// MediaResolver turns a media filename from the stream into a content handle.
type MediaResolver interface {
	ResolveMedia(ctx context.Context, filename string) string
}

// TitleUpdater receives update_title chunks.
type TitleUpdater interface {
	UpdateSessionTitle(sessionID string, title string)
}

type toolCallPayload struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	TS   float64        `json:"ts"`
}

type toolResultPayload struct {
	ID     string  `json:"id"`
	Result string  `json:"result"`
	TS     float64 `json:"ts"`
}

type messageSavedPayload struct {
	ID        int64  `json:"id"`
	CreatedAt string `json:"created_at"`
}

// Reducer folds stream chunks into a timeline.
//
// It keeps a reference to the most recently opened bot message. While the
// state is StateOpen, text, reasoning and tool-call chunks extend that message;
// otherwise they open a new one. Tool-call results and agent stats always
// target the most recently opened message, even after a boundary closed it.
// A Reducer serves one send and is not safe for concurrent Apply calls.
type Reducer struct {
	sessionID string
	timeline  *chat.Timeline
	media     MediaResolver
	titles    TitleUpdater

	state     State
	open      *chat.Message
	streaming bool
}

func NewReducer(sessionID string, timeline *chat.Timeline, media MediaResolver, titles TitleUpdater) *Reducer {
	return &Reducer{
		sessionID: sessionID,
		timeline:  timeline,
		media:     media,
		titles:    titles,
		state:     StateIdle,
	}
}

func (r *Reducer) State() State { return r.state }

// Streaming reports the stream-level indicator. It turns false once a chunk
// without the streaming flag arrives.
func (r *Reducer) Streaming() bool { return r.streaming }

// Open returns the most recently opened bot message, if any.
func (r *Reducer) Open() *chat.Message { return r.open }

// Begin marks the request as issued.
func (r *Reducer) Begin() {
	r.state = StateSending
	r.streaming = true
}

// Finish marks the stream as ended, either by end-of-stream or cancellation.
func (r *Reducer) Finish() {
	r.state = StateFinished
	r.streaming = false
}

func (r *Reducer) inStreaming() bool {
	return r.state == StateOpen && r.open != nil
}

// Apply processes one chunk. Chunks must be applied in arrival order.
func (r *Reducer) Apply(ctx context.Context, c *sse.Chunk) {
	if c == nil || c.Type == sse.TypeSessionID {
		return
	}
	if r.state == StateIdle {
		r.Begin()
	}

	r.timeline.PopLoading()

	switch c.Type {
	case sse.TypeError:
		log.Error().Str("component", "stream").Str("session_id", r.sessionID).Str("error", c.Text()).Msg("error received from stream")
		return
	case sse.TypeImage:
		name := strings.Replace(c.Text(), chat.LegacyImagePrefix, "", 1)
		r.appendMedia(&chat.MessagePart{Type: chat.PartImage, EmbeddedURL: r.resolveMedia(ctx, name)})
	case sse.TypeRecord:
		name := strings.Replace(c.Text(), chat.LegacyRecordPrefix, "", 1)
		r.appendMedia(&chat.MessagePart{Type: chat.PartRecord, EmbeddedURL: r.resolveMedia(ctx, name)})
	case sse.TypeFile:
		filename, original := splitFileData(c.Text())
		r.appendMedia(&chat.MessagePart{
			Type: chat.PartFile,
			EmbeddedFile: &chat.FileInfo{
				URL:      r.resolveMedia(ctx, filename),
				Filename: original,
			},
		})
	case sse.TypePlain:
		if !r.applyPlain(c) {
			return
		}
	case sse.TypeUpdateTitle:
		if r.titles != nil {
			r.titles.UpdateSessionTitle(c.SessionID, c.Text())
		}
	case sse.TypeMessageSaved:
		r.applyMessageSaved(c)
	case sse.TypeAgentStats:
		r.applyAgentStats(c)
	}

	if (c.Type == sse.TypeBreak && c.Streaming) || !c.Streaming {
		r.state = StateClosed
		if !c.Streaming {
			r.streaming = false
		}
	}
}

// applyPlain returns false when the chunk payload was unusable and the chunk
// must be skipped entirely.
func (r *Reducer) applyPlain(c *sse.Chunk) bool {
	switch c.Chain() {
	case sse.ChainToolCall:
		var p toolCallPayload
		if err := c.DecodeData(&p); err != nil {
			log.Warn().Err(err).Str("component", "stream").Str("session_id", r.sessionID).Msg("skipping malformed tool_call chunk")
			return false
		}
		r.applyToolCall(&chat.ToolCall{ID: p.ID, Name: p.Name, Args: p.Args, TS: p.TS})
	case sse.ChainToolCallResult:
		var p toolResultPayload
		if err := c.DecodeData(&p); err != nil {
			log.Warn().Err(err).Str("component", "stream").Str("session_id", r.sessionID).Msg("skipping malformed tool_call_result chunk")
			return false
		}
		r.applyToolResult(p)
	case sse.ChainReasoning:
		text := c.Text()
		if !r.inStreaming() {
			r.openMessage(&chat.MessageContent{Role: chat.RoleBot, Parts: []*chat.MessagePart{}, Reasoning: text})
			return true
		}
		r.timeline.Update(r.open, func(m *chat.Message) {
			m.Content.Reasoning += text
		})
	default:
		text := c.Text()
		if !r.inStreaming() {
			r.openMessage(&chat.MessageContent{
				Role:  chat.RoleBot,
				Parts: []*chat.MessagePart{{Type: chat.PartPlain, Text: text}},
			})
			return true
		}
		r.timeline.Update(r.open, func(m *chat.Message) {
			if last := m.Content.LastPart(); last != nil && last.Type == chat.PartPlain {
				last.Text += text
				return
			}
			m.Content.Parts = append(m.Content.Parts, &chat.MessagePart{Type: chat.PartPlain, Text: text})
		})
	}
	return true
}

func (r *Reducer) applyToolCall(tc *chat.ToolCall) {
	if !r.inStreaming() {
		r.openMessage(&chat.MessageContent{
			Role:  chat.RoleBot,
			Parts: []*chat.MessagePart{{Type: chat.PartToolCall, ToolCalls: []*chat.ToolCall{tc}}},
		})
		return
	}
	r.timeline.Update(r.open, func(m *chat.Message) {
		last := m.Content.LastPart()
		if last != nil && last.Type == chat.PartToolCall {
			if last.FindToolCall(tc.ID) == nil {
				last.ToolCalls = append(last.ToolCalls, tc)
			}
			return
		}
		m.Content.Parts = append(m.Content.Parts, &chat.MessagePart{Type: chat.PartToolCall, ToolCalls: []*chat.ToolCall{tc}})
	})
}

func (r *Reducer) applyToolResult(p toolResultPayload) {
	if r.open == nil {
		return
	}
	r.timeline.Update(r.open, func(m *chat.Message) {
		for _, part := range m.Content.Parts {
			if tc := part.FindToolCall(p.ID); tc != nil {
				result := p.Result
				finished := p.TS
				tc.Result = &result
				tc.FinishedTS = &finished
				return
			}
		}
	})
}

func (r *Reducer) applyMessageSaved(c *sse.Chunk) {
	var p messageSavedPayload
	if err := c.DecodeData(&p); err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("session_id", r.sessionID).Msg("ignoring malformed message_saved chunk")
		return
	}
	last := r.timeline.Last()
	if !last.IsBot() {
		return
	}
	r.timeline.Update(last, func(m *chat.Message) {
		id := p.ID
		m.ID = &id
		m.CreatedAt = p.CreatedAt
	})
}

func (r *Reducer) applyAgentStats(c *sse.Chunk) {
	if r.open == nil {
		return
	}
	var stats chat.AgentStats
	if err := c.DecodeData(&stats); err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("session_id", r.sessionID).Msg("ignoring malformed agent_stats chunk")
		return
	}
	r.timeline.Update(r.open, func(m *chat.Message) {
		m.Content.AgentStats = &stats
	})
}

func (r *Reducer) openMessage(content *chat.MessageContent) {
	m := &chat.Message{Content: content}
	r.timeline.Append(m)
	r.open = m
	r.state = StateOpen
}

// appendMedia appends a standalone bot message; media never merges into an
// in-progress message.
func (r *Reducer) appendMedia(part *chat.MessagePart) {
	r.timeline.Append(&chat.Message{Content: &chat.MessageContent{
		Role:  chat.RoleBot,
		Parts: []*chat.MessagePart{part},
	}})
}

func (r *Reducer) resolveMedia(ctx context.Context, name string) string {
	if r.media == nil {
		return ""
	}
	return r.media.ResolveMedia(ctx, name)
}

// splitFileData parses "[FILE]filename|original_name".
func splitFileData(data string) (string, string) {
	data = strings.Replace(data, chat.LegacyFilePrefix, "", 1)
	if filename, original, ok := strings.Cut(data, "|"); ok {
		return filename, original
	}
	return data, data
}
