package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeBody_LegacyString(t *testing.T) {
	body, err := DecodeBody(json.RawMessage(`"[IMAGE]foo.png"`))
	require.NoError(t, err)
	legacy, ok := body.(LegacyString)
	require.True(t, ok)
	require.Equal(t, "[IMAGE]foo.png", string(legacy))
}

func TestDecodeBody_StructuredParts(t *testing.T) {
	body, err := DecodeBody(json.RawMessage(`[{"type":"plain","text":"hi"},{"type":"image","attachment_id":"a1"}]`))
	require.NoError(t, err)
	parts, ok := body.(StructuredParts)
	require.True(t, ok)
	require.Len(t, parts, 2)
	require.Equal(t, PartPlain, parts[0].Type)
	require.Equal(t, "a1", parts[1].AttachmentID)
}

func TestDecodeBody_NullIsEmptyParts(t *testing.T) {
	body, err := DecodeBody(json.RawMessage(`null`))
	require.NoError(t, err)
	parts, ok := body.(StructuredParts)
	require.True(t, ok)
	require.Empty(t, parts)
}

func TestDecodeBody_UnsupportedShapesAreEmpty(t *testing.T) {
	for _, raw := range []string{`{"x":1}`, `42`, `true`} {
		body, err := DecodeBody(json.RawMessage(raw))
		require.NoError(t, err, raw)
		parts, ok := body.(StructuredParts)
		require.True(t, ok, raw)
		require.Empty(t, parts)
	}
}

func TestDecodeBody_MalformedStillErrors(t *testing.T) {
	_, err := DecodeBody(json.RawMessage(`[{"type":`))
	require.Error(t, err)
}

func TestHistoryMessage_UnmarshalCarriesStats(t *testing.T) {
	raw := `{"id":7,"created_at":"2024-01-01T00:00:00Z","content":{"type":"bot","message":[{"type":"plain","text":"ok"}],"reasoning":"because","agent_stats":{"token_usage":{"input_other":3,"input_cached":1,"output":5},"start_time":1,"end_time":2,"time_to_first_token":0.5}}}`
	var hm HistoryMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &hm))
	require.NotNil(t, hm.ID)
	require.Equal(t, int64(7), *hm.ID)
	require.Equal(t, RoleBot, hm.Content.Role)
	require.Equal(t, "because", hm.Content.Reasoning)
	require.NotNil(t, hm.Content.AgentStats)
	require.Equal(t, int64(5), hm.Content.AgentStats.TokenUsage.Output)

	out, err := json.Marshal(hm)
	require.NoError(t, err)
	var again HistoryMessage
	require.NoError(t, json.Unmarshal(out, &again))
	require.IsType(t, StructuredParts{}, again.Content.Body)
}

func TestMessageClone_IsDeep(t *testing.T) {
	res := "done"
	m := &Message{Content: &MessageContent{
		Role: RoleBot,
		Parts: []*MessagePart{{
			Type:      PartToolCall,
			ToolCalls: []*ToolCall{{ID: "t1", Name: "search", Result: &res}},
		}},
	}}
	cp := m.Clone()
	require.NotNil(t, cp)
	cp.Content.Parts[0].ToolCalls[0].Name = "changed"
	require.Equal(t, "search", m.Content.Parts[0].ToolCalls[0].Name)
	require.True(t, cp.Content.Parts[0].ToolCalls[0].Finished())
}

func TestMessageContentText(t *testing.T) {
	c := &MessageContent{Parts: []*MessagePart{
		{Type: PartPlain, Text: "a"},
		{Type: PartImage, EmbeddedURL: "blob:x"},
		{Type: PartPlain, Text: "b"},
	}}
	require.Equal(t, "ab", c.Text())
	require.Equal(t, PartPlain, c.LastPart().Type)
}
