package cmds

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/dashchat/pkg/chat"
	"github.com/go-go-golems/dashchat/pkg/config"
	"github.com/go-go-golems/dashchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/dashchat/pkg/prefs"
)

func bot(text string) *chat.Message {
	return &chat.Message{Content: &chat.MessageContent{
		Role:  chat.RoleBot,
		Parts: []*chat.MessagePart{{Type: chat.PartPlain, Text: text}},
	}}
}

func TestLivePrinter_PrintsDeltasUntilReplace(t *testing.T) {
	tl := chat.NewTimeline()
	var out bytes.Buffer
	p := newLivePrinter(&out, tl)
	unobserve := tl.Observe(p.observe)
	defer unobserve()

	tl.Append(&chat.Message{Content: &chat.MessageContent{Role: chat.RoleUser, Parts: []*chat.MessagePart{{Type: chat.PartPlain, Text: "hi"}}}})
	tl.Append(&chat.Message{Content: &chat.MessageContent{Role: chat.RoleBot, IsLoading: true}})
	tl.PopLoading()

	m := bot("Hel")
	tl.Append(m)
	tl.Update(m, func(m *chat.Message) { m.Content.Parts[0].Text += "lo" })
	tl.Append(bot("second"))
	tl.Replace([]*chat.Message{bot("final")})
	tl.Append(bot("ignored"))
	p.Finish()

	require.Equal(t, "Hello\nsecond\n", out.String())
}

func TestSendFlags_Input(t *testing.T) {
	a := &app{settings: &config.Settings{Provider: "default-provider", Model: "m1"}}
	f := &sendFlags{
		images:  []string{"img1"},
		files:   []string{"doc1=report.pdf", "doc2"},
		model:   "m2",
		replyTo: 4,
		quote:   "that",
	}
	in := f.input(a, "look")

	require.Equal(t, "look", in.Prompt)
	require.Equal(t, "default-provider", in.ProviderID)
	require.Equal(t, "m2", in.Model)
	require.Len(t, in.Files, 3)
	require.Equal(t, "image", in.Files[0].Type)
	require.Equal(t, "report.pdf", in.Files[1].OriginalName)
	require.Equal(t, "doc2", in.Files[2].OriginalName)
	require.Equal(t, int64(4), in.ReplyTo.MessageID)
	require.Equal(t, "that", in.ReplyTo.SelectedText)
}

func TestResolveSessionID_RemembersFlag(t *testing.T) {
	store := prefs.NewStore(filepath.Join(t.TempDir(), "prefs.yaml"))

	id, err := resolveSessionID("", store)
	require.NoError(t, err)
	require.Equal(t, "", id)

	id, err = resolveSessionID(" s1 ", store)
	require.NoError(t, err)
	require.Equal(t, "s1", id)

	id, err = resolveSessionID("", store)
	require.NoError(t, err)
	require.Equal(t, "s1", id)
}

func TestOpenTimelineStore(t *testing.T) {
	s, err := openTimelineStore("")
	require.NoError(t, err)
	require.Nil(t, s)

	s, err = openTimelineStore("memory")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NoError(t, s.Close())

	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	s, err = openTimelineStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.SaveHistory(context.Background(), "s1", 1, []*chat.Message{bot("x")}))
	snap, ok, err := s.LoadHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)
}

func TestInitLogger_RejectsUnknownLevel(t *testing.T) {
	require.Error(t, InitLogger("loud", false, nil))
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "b", firstNonEmpty("", "b", "c"))
	require.Equal(t, "", firstNonEmpty())
}

func TestSessionTable_Rows(t *testing.T) {
	headers, rows := sessionTable([]chatstore.SessionRecord{
		{SessionID: "s1", Title: "Pets", ProjectTitle: "Home", MessageCount: 4, Status: "idle", LastActivityMs: 0},
	})
	require.Len(t, headers, 6)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"s1", "Pets", "Home", "4", "idle"}, rows[0][:5])
}
