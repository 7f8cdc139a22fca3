package session

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/dashchat/pkg/api"
	"github.com/go-go-golems/dashchat/pkg/attachments"
	"github.com/go-go-golems/dashchat/pkg/chat"
	"github.com/go-go-golems/dashchat/pkg/persistence/chatstore"
)

type fakeBackend struct {
	mu       sync.Mutex
	sessions []*api.SessionData
	getCalls int
	onGet    func()
	sendFn   func(ctx context.Context, req api.SendRequest) (io.ReadCloser, error)
	sent     []api.SendRequest
	stopped  []string
}

func (b *fakeBackend) GetSession(_ context.Context, sessionID string) (*api.SessionData, error) {
	b.mu.Lock()
	onGet := b.onGet
	idx := b.getCalls
	b.getCalls++
	var data *api.SessionData
	if len(b.sessions) > 0 {
		if idx >= len(b.sessions) {
			idx = len(b.sessions) - 1
		}
		data = b.sessions[idx]
	}
	b.mu.Unlock()
	if onGet != nil {
		onGet()
	}
	if data == nil {
		return &api.SessionData{}, nil
	}
	return data, nil
}

func (b *fakeBackend) Send(ctx context.Context, req api.SendRequest) (io.ReadCloser, error) {
	b.mu.Lock()
	b.sent = append(b.sent, req)
	fn := b.sendFn
	b.mu.Unlock()
	if fn == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return fn(ctx, req)
}

func (b *fakeBackend) Stop(_ context.Context, sessionID string) error {
	b.mu.Lock()
	b.stopped = append(b.stopped, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) gets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls
}

type fakeResolver struct {
	mu       sync.Mutex
	resolved []string
	media    []string
}

func (r *fakeResolver) Resolve(_ context.Context, id string) string {
	r.mu.Lock()
	r.resolved = append(r.resolved, id)
	r.mu.Unlock()
	return "att:" + id
}

func (r *fakeResolver) ResolveMedia(_ context.Context, name string) string {
	r.mu.Lock()
	r.media = append(r.media, name)
	r.mu.Unlock()
	return "media:" + name
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(level Level, message string, timeout time.Duration) {
	n.mu.Lock()
	n.calls = append(n.calls, string(level)+":"+message)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []chat.Change
	ids     []string
}

func (p *recordingPublisher) PublishChange(_ context.Context, sessionID string, ch chat.Change) error {
	p.mu.Lock()
	p.changes = append(p.changes, ch)
	p.ids = append(p.ids, sessionID)
	p.mu.Unlock()
	return nil
}

func history(t *testing.T, raw string) []*chat.HistoryMessage {
	t.Helper()
	var out []*chat.HistoryMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func body(records ...string) func(context.Context, api.SendRequest) (io.ReadCloser, error) {
	return func(context.Context, api.SendRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(records, "\n\n") + "\n\n")), nil
	}
}

func TestController_SendReducesThenReconciles(t *testing.T) {
	stored := history(t, `[
		{"id": 1, "content": {"type": "user", "message": [{"type": "plain", "text": "hello"}]}},
		{"id": 2, "content": {"type": "bot", "message": [{"type": "plain", "text": "Hi there"}]}}
	]`)
	b := &fakeBackend{
		sessions: []*api.SessionData{{History: stored}},
		sendFn: body(
			`data: {"type":"session_id","session_id":"s1"}`,
			`data: {"type":"plain","data":"Hi","streaming":true}`,
			`data: {"type":"plain","data":" there","streaming":true}`,
			`data: {"type":"break","streaming":false}`,
		),
	}
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	var beforeReconcile []*chat.Message
	b.onGet = func() { beforeReconcile = c.Timeline().Snapshot() }

	require.NoError(t, c.Send(context.Background(), SendInput{Prompt: "hello", ProviderID: "p", Model: "m"}))

	require.Len(t, beforeReconcile, 2)
	require.Equal(t, chat.RoleUser, beforeReconcile[0].Content.Role)
	require.Equal(t, "hello", beforeReconcile[0].Content.Text())
	bot := beforeReconcile[1]
	require.True(t, bot.IsBot())
	require.False(t, bot.IsLoading())
	require.Len(t, bot.Content.Parts, 1)
	require.Equal(t, "Hi there", bot.Content.Parts[0].Text)

	final := c.Timeline().Snapshot()
	require.Len(t, final, 2)
	require.Equal(t, int64(2), *final[1].ID)

	require.Len(t, b.sent, 1)
	require.Equal(t, "hello", b.sent[0].Message)
	require.Equal(t, "s1", b.sent[0].SessionID)
	require.Equal(t, "p", b.sent[0].SelectedProvider)
	require.True(t, b.sent[0].EnableStreaming)

	require.False(t, c.IsStreaming())
	require.False(t, c.IsConvRunning())
	require.Equal(t, 0, c.ActiveStreams())
}

func TestController_EndOfStreamReconcilesWithZeroChunks(t *testing.T) {
	b := &fakeBackend{
		sessions: []*api.SessionData{{History: history(t, `[{"content":{"type":"user","message":"hello"}}]`)}},
	}
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Send(context.Background(), SendInput{Prompt: "hello"}))
	require.Equal(t, 1, b.gets())

	msgs := c.Timeline().Snapshot()
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].IsLoading())
}

func TestController_SendFailureEvictsPlaceholder(t *testing.T) {
	b := &fakeBackend{
		sendFn: func(context.Context, api.SendRequest) (io.ReadCloser, error) {
			return nil, errors.New("connection refused")
		},
	}
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	err := c.Send(context.Background(), SendInput{Prompt: "hello"})
	require.Error(t, err)

	msgs := c.Timeline().Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, chat.RoleUser, msgs[0].Content.Role)
	require.Equal(t, 0, b.gets())
	require.False(t, c.IsConvRunning())
}

type failingReader struct {
	err error
}

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestController_ReadErrorAfterChunks(t *testing.T) {
	b := &fakeBackend{
		sendFn: func(context.Context, api.SendRequest) (io.ReadCloser, error) {
			return io.NopCloser(io.MultiReader(
				strings.NewReader("data: {\"type\":\"plain\",\"data\":\"Hi\",\"streaming\":true}\n\n"),
				failingReader{err: errors.New("connection reset")},
			)), nil
		},
	}
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	err := c.Send(context.Background(), SendInput{Prompt: "hello"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")

	msgs := c.Timeline().Snapshot()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.False(t, m.IsLoading())
	}
	require.Equal(t, "Hi", msgs[1].Content.Text())
	require.Equal(t, 0, c.ActiveStreams())
	require.False(t, c.IsStreaming())
	require.False(t, c.IsConvRunning())
	require.Equal(t, 0, b.gets())
}

func pipeBackend() (*fakeBackend, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &fakeBackend{
		sendFn: func(context.Context, api.SendRequest) (io.ReadCloser, error) {
			return pr, nil
		},
	}, pw
}

func TestController_StopMidStream(t *testing.T) {
	b, pw := pipeBackend()
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), SendInput{Prompt: "hello"}) }()

	_, err := io.WriteString(pw, "data: {\"type\":\"plain\",\"data\":\"partial\",\"streaming\":true}\n\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := c.Timeline().Snapshot()
		last := msgs[len(msgs)-1]
		return last.IsBot() && !last.IsLoading() && last.Content.Text() == "partial"
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, c.IsStreaming())
	require.True(t, c.IsConvRunning())

	require.NoError(t, c.Stop(context.Background()))
	require.False(t, c.IsStreaming())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after stop")
	}

	require.Equal(t, []string{"s1"}, b.stopped)
	require.Equal(t, 0, b.gets(), "a cancelled stream is not reconciled")
	for _, m := range c.Timeline().Snapshot() {
		require.False(t, m.IsLoading())
	}
	require.False(t, c.IsConvRunning())
}

func TestController_StopBeforeFirstChunkLeavesNoPlaceholder(t *testing.T) {
	b, _ := pipeBackend()
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), SendInput{Prompt: "hello"}) }()

	require.Eventually(t, c.IsStreaming, 2*time.Second, 5*time.Millisecond)
	require.True(t, c.Timeline().Last().IsLoading())

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, <-done)

	msgs := c.Timeline().Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, chat.RoleUser, msgs[0].Content.Role)
	require.False(t, c.IsStreaming())
}

func TestController_RejectsSecondSendOnActiveSession(t *testing.T) {
	b, pw := pipeBackend()
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), SendInput{Prompt: "one"}) }()
	require.Eventually(t, c.IsStreaming, 2*time.Second, 5*time.Millisecond)

	err := c.Send(context.Background(), SendInput{Prompt: "two"})
	require.ErrorIs(t, err, ErrStreamActive)
	require.Equal(t, 1, c.ActiveStreams())

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
	require.Equal(t, 0, c.ActiveStreams())
}

func TestController_UserMessageParts(t *testing.T) {
	b := &fakeBackend{}
	r := &fakeResolver{}
	c := NewController(b, r, WithSessionID("s1"))
	defer func() { _ = c.Close() }()

	var userMsg *chat.Message
	b.onGet = func() { userMsg = c.Timeline().Snapshot()[0] }

	require.NoError(t, c.Send(context.Background(), SendInput{
		Prompt: "look",
		Files: []StagedFile{
			{AttachmentID: "img1", OriginalName: "cat.png", Type: "image"},
			{AttachmentID: "doc1", OriginalName: "report.pdf", Type: "file"},
		},
		AudioName: "local-recording.wav",
		ReplyTo:   &chat.ReplyInfo{MessageID: 9, SelectedText: "quoted"},
	}))

	parts := userMsg.Content.Parts
	require.Len(t, parts, 5)
	require.Equal(t, chat.PartReply, parts[0].Type)
	require.Equal(t, int64(9), parts[0].MessageID)
	require.Equal(t, "look", parts[1].Text)
	require.Equal(t, "att:img1", parts[2].EmbeddedURL)
	require.Equal(t, "report.pdf", parts[3].EmbeddedFile.Filename)
	require.Equal(t, "", parts[3].EmbeddedFile.URL)
	require.Equal(t, chat.PartRecord, parts[4].Type)
	require.Equal(t, "local-recording.wav", parts[4].EmbeddedURL)
	require.Equal(t, []string{"img1"}, r.resolved)

	sent, ok := b.sent[0].Message.([]*chat.MessagePart)
	require.True(t, ok)
	require.Len(t, sent, 4)
	require.Equal(t, chat.PartReply, sent[0].Type)
	require.Equal(t, chat.PartImage, sent[2].Type)
	require.Equal(t, "img1", sent[2].AttachmentID)
	require.Equal(t, "", sent[2].EmbeddedURL)
	require.Equal(t, chat.PartFile, sent[3].Type)
}

func TestController_LoadSessionSurvivesOddEntries(t *testing.T) {
	var data api.SessionData
	require.NoError(t, json.Unmarshal([]byte(`{"history": [
		{"id": 1, "content": {"type": "user", "message": "hi"}},
		{"id": 2, "content": {"type": "bot", "message": {"x": 1}}},
		{"id": 3, "content": {"type": "bot", "message": [{"type": "plain", "text": "hello"}]}}
	]}`), &data))
	b := &fakeBackend{sessions: []*api.SessionData{&data}}
	c := NewController(b, &fakeResolver{})
	defer func() { _ = c.Close() }()

	require.NoError(t, c.LoadSession(context.Background(), "s1"))

	msgs := c.Timeline().Snapshot()
	require.Len(t, msgs, 3)
	require.Equal(t, "hi", msgs[0].Content.Text())
	require.Equal(t, chat.RoleBot, msgs[1].Content.Role)
	require.Empty(t, msgs[1].Content.Parts)
	require.Equal(t, "hello", msgs[2].Content.Text())
}

func TestController_LoadSessionNormalizesHistory(t *testing.T) {
	b := &fakeBackend{sessions: []*api.SessionData{{
		Project: &api.Project{ProjectID: "p1", Title: "Pets", Emoji: "🐱"},
		History: history(t, `[
			{"content": {"type": "bot", "message": "[IMAGE]foo.png"}},
			{"content": {"type": "bot", "message": "[RECORD]voice.wav"}},
			{"content": {"type": "user", "message": "plain text"}},
			{"content": {"type": "user", "message": ""}},
			{"content": {"type": "bot", "message": [
				{"type": "image", "attachment_id": "a1"},
				{"type": "file", "attachment_id": "f1"},
				{"type": "file", "attachment_id": "f2", "filename": "notes.txt"},
				{"type": "plain", "text": "done"}
			], "agent_stats": {"token_usage": {"output": 3}}}}
		]`),
	}}}
	r := &fakeResolver{}
	c := NewController(b, r)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.LoadSession(context.Background(), "s1"))

	msgs := c.Timeline().Snapshot()
	require.Len(t, msgs, 5)

	require.Len(t, msgs[0].Content.Parts, 1)
	require.Equal(t, chat.PartImage, msgs[0].Content.Parts[0].Type)
	require.Equal(t, "media:foo.png", msgs[0].Content.Parts[0].EmbeddedURL)
	require.Equal(t, chat.PartRecord, msgs[1].Content.Parts[0].Type)
	require.Equal(t, "media:voice.wav", msgs[1].Content.Parts[0].EmbeddedURL)
	require.Equal(t, "plain text", msgs[2].Content.Text())
	require.Empty(t, msgs[3].Content.Parts)

	parts := msgs[4].Content.Parts
	require.Equal(t, "att:a1", parts[0].EmbeddedURL)
	require.Equal(t, &chat.FileInfo{AttachmentID: "f1", Filename: "file"}, parts[1].EmbeddedFile)
	require.Equal(t, "notes.txt", parts[2].EmbeddedFile.Filename)
	require.Equal(t, int64(3), msgs[4].Content.AgentStats.TokenUsage.Output)

	require.Equal(t, []string{"a1"}, r.resolved, "file attachments are resolved lazily")
	require.Equal(t, []string{"foo.png", "voice.wav"}, r.media)
	require.Equal(t, "Pets", c.Project().Title)

	live := c.Timeline().Last()
	require.Equal(t, "att:f1", c.FileURL(context.Background(), live, 1))
	require.Equal(t, "att:f1", c.FileURL(context.Background(), live, 1))
	require.Equal(t, []string{"a1", "f1"}, r.resolved)
	require.Equal(t, "", c.FileURL(context.Background(), live, 0), "not a file part")
	require.Equal(t, "att:f1", c.Timeline().Snapshot()[4].Content.Parts[1].EmbeddedFile.URL)
}

func TestController_RunningSessionRehydratesUntilIdle(t *testing.T) {
	b := &fakeBackend{sessions: []*api.SessionData{
		{IsRunning: true},
		{IsRunning: true},
		{IsRunning: false, History: history(t, `[{"content":{"type":"bot","message":"finished"}}]`)},
	}}
	n := &recordingNotifier{}
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"), WithNotifier(n), WithRehydrateDelay(10*time.Millisecond))
	defer func() { _ = c.Close() }()

	require.NoError(t, c.LoadSession(context.Background(), "s1"))
	require.True(t, c.IsConvRunning())

	require.Eventually(t, func() bool { return b.gets() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !c.IsConvRunning() }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "finished", c.Timeline().Last().Content.Text())
	require.Equal(t, 1, n.count(), "running notice is shown once")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, b.gets())
}

func TestController_CloseCancelsRehydration(t *testing.T) {
	b := &fakeBackend{sessions: []*api.SessionData{{IsRunning: true}}}
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"), WithRehydrateDelay(30*time.Millisecond))

	require.NoError(t, c.LoadSession(context.Background(), "s1"))
	require.NoError(t, c.Close())
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, b.gets())

	require.ErrorIs(t, c.Send(context.Background(), SendInput{Prompt: "x"}), ErrClosed)
}

type flagPrefs struct {
	enabled bool
}

func (p *flagPrefs) EnableStreaming() bool { return p.enabled }

func (p *flagPrefs) SetEnableStreaming(v bool) error {
	p.enabled = v
	return nil
}

func TestController_ToggleStreamingFeedsSend(t *testing.T) {
	b := &fakeBackend{}
	prefs := &flagPrefs{enabled: true}
	c := NewController(b, &fakeResolver{}, WithSessionID("s1"), WithPreferences(prefs))
	defer func() { _ = c.Close() }()

	enabled, err := c.ToggleStreaming()
	require.NoError(t, err)
	require.False(t, enabled)
	require.False(t, prefs.enabled)

	require.NoError(t, c.Send(context.Background(), SendInput{Prompt: "x"}))
	require.False(t, b.sent[0].EnableStreaming)
}

type countingSessions struct {
	n atomic.Int32
}

func (c *countingSessions) SessionsUpdated() { c.n.Add(1) }

type recordingTitles struct {
	mu     sync.Mutex
	titles map[string]string
}

func (r *recordingTitles) UpdateSessionTitle(sessionID string, title string) {
	r.mu.Lock()
	if r.titles == nil {
		r.titles = map[string]string{}
	}
	r.titles[sessionID] = title
	r.mu.Unlock()
}

func TestController_CachesHistoryAndTitles(t *testing.T) {
	b := &fakeBackend{
		sessions: []*api.SessionData{{
			Project: &api.Project{ProjectID: "p1", Title: "Pets"},
			History: history(t, `[{"content":{"type":"user","message":"hello"}},{"content":{"type":"bot","message":"hi"}}]`),
		}},
		sendFn: body(`{"type":"update_title","session_id":"s1","data":"Greetings","streaming":true}`),
	}
	store := chatstore.NewInMemoryTimelineStore(0)
	titles := &recordingTitles{}
	pub := &recordingPublisher{}
	sessions := &countingSessions{}
	c := NewController(b, &fakeResolver{},
		WithSessionID("s1"),
		WithTimelineStore(store),
		WithTitleUpdater(titles),
		WithSessionsNotifier(sessions),
		WithPublisher(pub),
	)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Send(context.Background(), SendInput{Prompt: "hello"}))
	require.Equal(t, "Greetings", titles.titles["s1"])
	require.Equal(t, int32(1), sessions.n.Load())

	ctx := context.Background()
	rec, ok, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Greetings", rec.Title)
	require.Equal(t, "p1", rec.ProjectID)
	require.Equal(t, 2, rec.MessageCount)

	snap, ok, err := store.LoadHistory(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "hi", snap.Messages[1].Content.Text())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.changes)
	last := pub.changes[len(pub.changes)-1]
	require.Equal(t, chat.ChangeReplace, last.Kind)
	require.Equal(t, 2, last.Length)
	for _, id := range pub.ids {
		require.Equal(t, "s1", id)
	}
}

type memoryHandleResolver struct{}

func (memoryHandleResolver) Resolve(_ context.Context, id string) string {
	return attachments.MemoryHandlePrefix + id
}

func (memoryHandleResolver) ResolveMedia(_ context.Context, name string) string {
	return "/var/blobs/" + name
}

func TestController_CacheDropsProcessLocalHandles(t *testing.T) {
	b := &fakeBackend{sessions: []*api.SessionData{{
		History: history(t, `[
			{"content": {"type": "bot", "message": [{"type": "image", "attachment_id": "a1"}]}},
			{"content": {"type": "bot", "message": "[IMAGE]cat.png"}}
		]`),
	}}}
	store := chatstore.NewInMemoryTimelineStore(0)
	c := NewController(b, memoryHandleResolver{}, WithTimelineStore(store))
	defer func() { _ = c.Close() }()

	require.NoError(t, c.LoadSession(context.Background(), "s1"))

	live := c.Timeline().Snapshot()
	require.Equal(t, "blob:a1", live[0].Content.Parts[0].EmbeddedURL)

	snap, ok, err := store.LoadHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "", snap.Messages[0].Content.Parts[0].EmbeddedURL)
	require.Equal(t, "/var/blobs/cat.png", snap.Messages[1].Content.Parts[0].EmbeddedURL)
}
