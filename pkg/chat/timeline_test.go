package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func botMessage(text string) *Message {
	return &Message{Content: &MessageContent{Role: RoleBot, Parts: []*MessagePart{{Type: PartPlain, Text: text}}}}
}

func TestTimeline_AppendAndPopLoading(t *testing.T) {
	tl := NewTimeline()
	var changes []Change
	unsubscribe := tl.Observe(func(ch Change) { changes = append(changes, ch) })
	defer unsubscribe()

	tl.Append(&Message{Content: &MessageContent{Role: RoleUser}})
	tl.Append(&Message{Content: &MessageContent{Role: RoleBot, IsLoading: true}})
	require.Equal(t, 2, tl.Len())

	require.True(t, tl.PopLoading())
	require.False(t, tl.PopLoading())
	require.Equal(t, 1, tl.Len())

	require.Len(t, changes, 3)
	require.Equal(t, ChangeRemove, changes[2].Kind)
	require.Equal(t, uint64(3), tl.Revision())
}

func TestTimeline_UpdateOnlyTouchesLiveMessages(t *testing.T) {
	tl := NewTimeline()
	m := botMessage("a")
	tl.Append(m)

	require.True(t, tl.Update(m, func(msg *Message) {
		msg.Content.Parts[0].Text += "b"
	}))
	require.Equal(t, "ab", tl.Last().Content.Text())

	tl.Replace([]*Message{botMessage("fresh")})
	require.False(t, tl.Update(m, func(msg *Message) {
		msg.Content.Parts[0].Text = "stale"
	}))
	require.Equal(t, "fresh", tl.Last().Content.Text())
}

func TestTimeline_SnapshotIsDetached(t *testing.T) {
	tl := NewTimeline()
	tl.Append(botMessage("x"))
	snap := tl.Snapshot()
	snap[0].Content.Parts[0].Text = "y"
	require.Equal(t, "x", tl.Last().Content.Text())
}

func TestTimeline_RemoveAndUnsubscribe(t *testing.T) {
	tl := NewTimeline()
	a, b := botMessage("a"), botMessage("b")
	tl.Append(a)
	tl.Append(b)

	calls := 0
	unsubscribe := tl.Observe(func(Change) { calls++ })
	require.True(t, tl.Remove(a))
	unsubscribe()
	require.False(t, tl.Remove(a))
	tl.Append(botMessage("c"))

	require.Equal(t, 1, calls)
	require.Equal(t, 2, tl.Len())
}
