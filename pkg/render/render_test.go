package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

func TestRenderTimeline_Plain(t *testing.T) {
	id := int64(7)
	result := "42"
	msgs := []*chat.Message{
		{Content: &chat.MessageContent{Role: chat.RoleUser, Parts: []*chat.MessagePart{
			{Type: chat.PartReply, MessageID: 3, SelectedText: "earlier"},
			{Type: chat.PartPlain, Text: "what is it?"},
		}}},
		{ID: &id, Content: &chat.MessageContent{
			Role:      chat.RoleBot,
			Reasoning: "thinking hard",
			Parts: []*chat.MessagePart{
				{Type: chat.PartToolCall, ToolCalls: []*chat.ToolCall{
					{ID: "a", Name: "calc", Args: map[string]any{"x": 1}, Result: &result},
					{ID: "b", Name: "search"},
				}},
				{Type: chat.PartPlain, Text: "The answer"},
				{Type: chat.PartPlain, Text: " is 42."},
				{Type: chat.PartFile, EmbeddedFile: &chat.FileInfo{Filename: "notes.txt"}},
				{Type: chat.PartImage, EmbeddedURL: "blob:1"},
			},
			AgentStats: &chat.AgentStats{TokenUsage: chat.TokenUsage{InputOther: 5, Output: 9}},
		}},
	}

	r, err := New()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, r.RenderTimeline(&buf, msgs))

	want := "user\n" +
		"> reply to #3: earlier\n" +
		"what is it?\n" +
		"\n" +
		"bot #7\n" +
		"  | thinking hard\n" +
		"tool calc({\"x\":1}) -> 42\n" +
		"tool search() running\n" +
		"The answer is 42.\n" +
		"[file] notes.txt (not downloaded)\n" +
		"[image] blob:1\n" +
		"tokens in=5 cached=0 out=9\n"
	require.Equal(t, want, buf.String())
}

func TestRenderMessage_Loading(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, r.RenderMessage(&buf, &chat.Message{Content: &chat.MessageContent{Role: chat.RoleBot, IsLoading: true}}))
	require.Equal(t, "bot\n...\n", buf.String())
}

func TestStyledRendererRendersMarkdown(t *testing.T) {
	r, err := New(WithStyled(true), WithWidth(60))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, r.RenderMessage(&buf, &chat.Message{Content: &chat.MessageContent{
		Role:  chat.RoleBot,
		Parts: []*chat.MessagePart{{Type: chat.PartPlain, Text: "# Title\n\nbody"}},
	}}))
	require.Contains(t, buf.String(), "Title")
	require.Contains(t, buf.String(), "body")
}

func TestLastBotText(t *testing.T) {
	msgs := []*chat.Message{
		{Content: &chat.MessageContent{Role: chat.RoleBot, Parts: []*chat.MessagePart{{Type: chat.PartPlain, Text: " first "}}}},
		{Content: &chat.MessageContent{Role: chat.RoleUser, Parts: []*chat.MessagePart{{Type: chat.PartPlain, Text: "q"}}}},
		{Content: &chat.MessageContent{Role: chat.RoleBot, IsLoading: true}},
	}
	require.Equal(t, "first", LastBotText(msgs))
	require.Equal(t, "", LastBotText(nil))
}
