package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

func TestTimelinePublisher_RoundTripsOverGoChannel(t *testing.T) {
	pub, sub, err := BuildPubSub(DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = pub.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := sub.Subscribe(ctx, TopicTimeline)
	require.NoError(t, err)

	p := NewTimelinePublisher(pub)
	require.NoError(t, p.PublishChange(ctx, "s1", chat.Change{Kind: chat.ChangeAppend, Revision: 7, Index: 2, Length: 3}))

	select {
	case msg := <-msgs:
		ev, err := DecodeTimelineChanged(msg)
		require.NoError(t, err)
		msg.Ack()
		require.Equal(t, "s1", ev.SessionID)
		require.Equal(t, uint64(7), ev.Revision)
		require.Equal(t, chat.ChangeAppend, ev.Kind)
		require.Equal(t, 3, ev.Length)
		require.Equal(t, "s1", msg.Metadata.Get("session_id"))
		require.Equal(t, "7", msg.Metadata.Get("revision"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeline change")
	}
}

func TestTimelinePublisher_NilIsNoop(t *testing.T) {
	var p *TimelinePublisher
	require.NoError(t, p.PublishChange(context.Background(), "s1", chat.Change{}))
}

func TestDecodeTimelineChanged_RejectsGarbage(t *testing.T) {
	_, err := DecodeTimelineChanged(nil)
	require.Error(t, err)
}
