// Package session orchestrates one chat session: sending messages and reducing
// the response stream, stopping generation, and hydrating history.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dashchat/pkg/api"
	"github.com/go-go-golems/dashchat/pkg/attachments"
	"github.com/go-go-golems/dashchat/pkg/chat"
	"github.com/go-go-golems/dashchat/pkg/metrics"
	"github.com/go-go-golems/dashchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/dashchat/pkg/sse"
	"github.com/go-go-golems/dashchat/pkg/stream"
)

var (
	// ErrStreamActive is returned by Send while the session already has an
	// open stream that was not asked to stop.
	ErrStreamActive = errors.New("a stream is already active for this session")
	ErrClosed       = errors.New("session controller closed")
)

const (
	runningNotice        = "This session is still running."
	runningNoticeTimeout = 5 * time.Second
	defaultRehydrate     = 3 * time.Second
)

// StagedFile is an attachment uploaded before sending. Type is "image",
// "record" or anything else for a generic file.
type StagedFile struct {
	AttachmentID string
	URL          string
	OriginalName string
	Type         string
}

type SendInput struct {
	Prompt     string
	Files      []StagedFile
	AudioName  string
	ProviderID string
	Model      string
	ReplyTo    *chat.ReplyInfo
}

type Controller struct {
	backend  Backend
	resolver Resolver
	timeline *chat.Timeline

	titles         TitleUpdater
	sessions       SessionsNotifier
	notifier       Notifier
	prefs          Preferences
	store          chatstore.TimelineStore
	publisher      ChangePublisher
	rehydrateDelay time.Duration
	versions       chatstore.VersionClock

	baseCtx    context.Context
	baseCancel context.CancelFunc
	unobserve  func()

	mu               sync.Mutex
	sessionID        string
	streaming        bool
	backendRunning   bool
	activeStreams    int
	activeSessions   map[string]bool
	toastedRunning   bool
	runningSessionID string
	stopRequested    bool
	cancel           context.CancelFunc
	body             io.ReadCloser
	runToken         uint64
	project          *api.Project
	rehydrate        *time.Timer
	closed           bool
}

func NewController(backend Backend, resolver Resolver, opts ...Option) *Controller {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &Controller{
		backend:        backend,
		resolver:       resolver,
		timeline:       chat.NewTimeline(),
		titles:         logTitleUpdater{},
		sessions:       logSessionsNotifier{},
		notifier:       logNotifier{},
		prefs:          &memoryPreferences{enabled: true},
		rehydrateDelay: defaultRehydrate,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		activeSessions: map[string]bool{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.publisher != nil {
		c.unobserve = c.timeline.Observe(c.publishChange)
	}
	return c
}

func (c *Controller) Timeline() *chat.Timeline { return c.timeline }

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetSessionID switches the current session. It does not load history.
func (c *Controller) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// IsStreaming reports whether a response stream is being reduced.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// IsConvRunning is true while any send is in flight or the backend reported
// the session as still producing output.
func (c *Controller) IsConvRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeStreams > 0 || c.backendRunning
}

func (c *Controller) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeStreams
}

func (c *Controller) Project() *api.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.project == nil {
		return nil
	}
	p := *c.project
	return &p
}

func (c *Controller) StreamingEnabled() bool {
	return c.prefs.EnableStreaming()
}

// ToggleStreaming flips and persists the streaming preference.
func (c *Controller) ToggleStreaming() (bool, error) {
	next := !c.prefs.EnableStreaming()
	if err := c.prefs.SetEnableStreaming(next); err != nil {
		return !next, errors.Wrap(err, "persist streaming preference")
	}
	return next, nil
}

// Send appends the user message and a loading placeholder, then reduces the
// response stream into the timeline. At end of stream the timeline is
// replaced with the stored history. A stop requested through Stop makes Send
// return nil.
func (c *Controller) Send(ctx context.Context, in SendInput) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sessionID := c.sessionID
	if c.activeSessions[sessionID] {
		c.mu.Unlock()
		return ErrStreamActive
	}
	c.activeSessions[sessionID] = true
	c.activeStreams++
	c.stopRequested = false
	c.runningSessionID = sessionID
	c.runToken++
	token := c.runToken
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	metrics.ActiveStreams.Inc()

	placeholder := &chat.Message{Content: &chat.MessageContent{Role: chat.RoleBot, Parts: []*chat.MessagePart{}, IsLoading: true}}
	defer c.finishRun(token, sessionID, placeholder, cancel)

	c.timeline.Append(&chat.Message{Content: &chat.MessageContent{
		Role:  chat.RoleUser,
		Parts: c.userParts(runCtx, in),
	}})
	c.timeline.Append(placeholder)

	body, err := c.backend.Send(runCtx, api.SendRequest{
		Message:          outgoingMessage(in),
		SessionID:        sessionID,
		SelectedProvider: in.ProviderID,
		SelectedModel:    in.Model,
		EnableStreaming:  c.prefs.EnableStreaming(),
	})
	if err != nil {
		if c.isStopRequested() {
			return nil
		}
		log.Error().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("failed to send message")
		return errors.Wrap(err, "send message")
	}
	defer func() { _ = body.Close() }()

	c.mu.Lock()
	if c.runToken == token && !c.stopRequested {
		c.body = body
		c.streaming = true
	}
	c.mu.Unlock()

	reducer := stream.NewReducer(sessionID, c.timeline, c.resolver, titleForwarder{c})
	reducer.Begin()
	dec := sse.NewDecoder(body, sse.WithSkipHandler(func(record []byte, err error) {
		metrics.StreamParseFailures.Inc()
		log.Warn().Err(err).Str("component", "session").Str("session_id", sessionID).Int("bytes", len(record)).Msg("skipping unparseable stream record")
	}))

	var readErr error
	for {
		chunk, err := dec.Next()
		if errors.Is(err, io.EOF) {
			reducer.Finish()
			log.Debug().Str("component", "session").Str("session_id", sessionID).Msg("stream completed")
			if current := c.SessionID(); current != "" {
				if err := c.LoadSession(runCtx, current); err != nil {
					log.Warn().Err(err).Str("component", "session").Str("session_id", current).Msg("failed to reconcile timeline")
				}
			}
			break
		}
		if err != nil {
			reducer.Finish()
			if !c.isStopRequested() {
				log.Error().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("stream read failed")
				readErr = errors.Wrap(err, "read stream")
			}
			break
		}
		metrics.StreamChunks.WithLabelValues(chunk.Type).Inc()
		reducer.Apply(runCtx, chunk)
		if !reducer.Streaming() {
			c.clearStreaming(token)
		}
	}

	c.sessions.SessionsUpdated()
	return readErr
}

// finishRun always runs: it evicts the placeholder and releases counters. Run
// handles are only cleared when no newer send has replaced them.
func (c *Controller) finishRun(token uint64, sessionID string, placeholder *chat.Message, cancel context.CancelFunc) {
	c.timeline.Remove(placeholder)
	cancel()

	c.mu.Lock()
	c.activeStreams--
	delete(c.activeSessions, sessionID)
	if c.runToken == token {
		c.streaming = false
		c.cancel = nil
		c.body = nil
		c.runningSessionID = ""
		c.stopRequested = false
	}
	c.mu.Unlock()
	metrics.ActiveStreams.Dec()
}

func (c *Controller) clearStreaming(token uint64) {
	c.mu.Lock()
	if c.runToken == token {
		c.streaming = false
	}
	c.mu.Unlock()
}

func (c *Controller) isStopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// Stop tears down the local stream and then asks the backend to halt. The
// backend call is best effort; its failure is logged and returned.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.runningSessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	if sessionID == "" {
		c.mu.Unlock()
		return nil
	}
	c.stopRequested = true
	cancel, body := c.cancel, c.body
	c.cancel, c.body = nil, nil
	c.streaming = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		_ = body.Close()
	}

	if err := c.backend.Stop(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("failed to stop session")
		return errors.Wrap(err, "stop session")
	}
	return nil
}

// LoadSession replaces the timeline with the stored history of sessionID. A
// session reported as running is reloaded after the rehydrate delay, using
// whatever session is current at that time.
func (c *Controller) LoadSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := c.backend.GetSession(ctx, sessionID)
	if err != nil {
		metrics.Hydrations.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("failed to load session")
		return errors.Wrapf(err, "load session %s", sessionID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.backendRunning = data.IsRunning
	c.project = data.Project
	notify := false
	if data.IsRunning {
		notify = !c.toastedRunning
		c.toastedRunning = true
		c.scheduleRehydrateLocked()
	}
	c.mu.Unlock()

	if notify {
		c.notifier.Notify(LevelInfo, runningNotice, runningNoticeTimeout)
	}

	msgs := normalizeHistory(ctx, c.resolver, data.History)
	var saved []*chat.Message
	if c.store != nil {
		saved = persistable(msgs)
	}
	c.timeline.Replace(msgs)

	if data.IsRunning {
		metrics.Hydrations.WithLabelValues("running").Inc()
	} else {
		metrics.Hydrations.WithLabelValues("ok").Inc()
	}
	c.cache(ctx, sessionID, data, saved)
	return nil
}

func (c *Controller) scheduleRehydrateLocked() {
	if c.rehydrate != nil {
		c.rehydrate.Stop()
	}
	c.rehydrate = time.AfterFunc(c.rehydrateDelay, func() {
		current := c.SessionID()
		if current == "" {
			return
		}
		if err := c.LoadSession(c.baseCtx, current); err != nil && !errors.Is(err, ErrClosed) {
			log.Warn().Err(err).Str("component", "session").Str("session_id", current).Msg("rehydration failed")
		}
	})
}

// cache expects msgs already passed through persistable.
func (c *Controller) cache(ctx context.Context, sessionID string, data *api.SessionData, msgs []*chat.Message) {
	if c.store == nil {
		return
	}
	version := c.versions.Next()
	if err := c.store.SaveHistory(ctx, sessionID, version, msgs); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("failed to cache history")
		return
	}
	record := chatstore.SessionRecord{
		SessionID:       sessionID,
		LastSeenVersion: version,
		MessageCount:    len(msgs),
		Status:          "idle",
	}
	if data.IsRunning {
		record.Status = "running"
	}
	if data.Project != nil {
		record.ProjectID = data.Project.ProjectID
		record.ProjectTitle = data.Project.Title
		record.ProjectEmoji = data.Project.Emoji
	}
	if err := c.store.UpsertSession(ctx, record); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("failed to cache session record")
	}
}

// persistable returns copies of msgs without in-memory blob handles, which
// would dangle once this process exits.
func persistable(msgs []*chat.Message) []*chat.Message {
	out := make([]*chat.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := m.Clone()
		if cp == nil {
			continue
		}
		if cp.Content != nil {
			for _, p := range cp.Content.Parts {
				if p == nil {
					continue
				}
				if attachments.IsProcessLocal(p.EmbeddedURL) {
					p.EmbeddedURL = ""
				}
				if p.EmbeddedFile != nil && attachments.IsProcessLocal(p.EmbeddedFile.URL) {
					p.EmbeddedFile.URL = ""
				}
			}
		}
		out = append(out, cp)
	}
	return out
}

// FileURL resolves the file attachment of msg's part at index on demand and
// stores the handle on the part.
func (c *Controller) FileURL(ctx context.Context, msg *chat.Message, index int) string {
	var attachmentID, url string
	c.timeline.Inspect(msg, func(m *chat.Message) {
		if p := fileInfoAt(m, index); p != nil {
			attachmentID, url = p.AttachmentID, p.URL
		}
	})
	if url != "" || attachmentID == "" {
		return url
	}

	url = resolve(ctx, c.resolver, attachmentID)
	if url == "" {
		return ""
	}
	c.timeline.Update(msg, func(m *chat.Message) {
		if p := fileInfoAt(m, index); p != nil {
			p.URL = url
		}
	})
	return url
}

func fileInfoAt(m *chat.Message, index int) *chat.FileInfo {
	if m == nil || m.Content == nil || index < 0 || index >= len(m.Content.Parts) {
		return nil
	}
	p := m.Content.Parts[index]
	if p == nil || p.Type != chat.PartFile {
		return nil
	}
	return p.EmbeddedFile
}

// Close stops any pending rehydration and releases the resolver when the
// controller owns it.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.rehydrate != nil {
		c.rehydrate.Stop()
		c.rehydrate = nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.baseCancel()
	if c.unobserve != nil {
		c.unobserve()
	}
	if closer, ok := c.resolver.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Controller) publishChange(ch chat.Change) {
	if err := c.publisher.PublishChange(c.baseCtx, c.SessionID(), ch); err != nil {
		log.Warn().Err(err).Str("component", "session").Uint64("revision", ch.Revision).Msg("failed to publish timeline change")
	}
}

func (c *Controller) userParts(ctx context.Context, in SendInput) []*chat.MessagePart {
	parts := make([]*chat.MessagePart, 0, len(in.Files)+3)
	if in.ReplyTo != nil {
		parts = append(parts, &chat.MessagePart{Type: chat.PartReply, MessageID: in.ReplyTo.MessageID, SelectedText: in.ReplyTo.SelectedText})
	}
	if in.Prompt != "" {
		parts = append(parts, &chat.MessagePart{Type: chat.PartPlain, Text: in.Prompt})
	}
	for _, f := range in.Files {
		part := &chat.MessagePart{Type: stagedPartType(f.Type), AttachmentID: f.AttachmentID, Filename: f.OriginalName}
		if part.Type == chat.PartFile {
			part.EmbeddedFile = &chat.FileInfo{AttachmentID: f.AttachmentID, Filename: f.OriginalName}
		} else {
			part.EmbeddedURL = resolve(ctx, c.resolver, f.AttachmentID)
		}
		parts = append(parts, part)
	}
	if in.AudioName != "" {
		parts = append(parts, &chat.MessagePart{Type: chat.PartRecord, EmbeddedURL: in.AudioName})
	}
	return parts
}

// outgoingMessage is the plain prompt unless attachments or a reply force the
// structured form.
func outgoingMessage(in SendInput) any {
	if len(in.Files) == 0 && in.ReplyTo == nil {
		return in.Prompt
	}
	parts := make([]*chat.MessagePart, 0, len(in.Files)+2)
	if in.ReplyTo != nil {
		parts = append(parts, &chat.MessagePart{Type: chat.PartReply, MessageID: in.ReplyTo.MessageID, SelectedText: in.ReplyTo.SelectedText})
	}
	if in.Prompt != "" {
		parts = append(parts, &chat.MessagePart{Type: chat.PartPlain, Text: in.Prompt})
	}
	for _, f := range in.Files {
		parts = append(parts, &chat.MessagePart{Type: stagedPartType(f.Type), AttachmentID: f.AttachmentID})
	}
	return parts
}

func stagedPartType(t string) chat.PartType {
	switch t {
	case "image":
		return chat.PartImage
	case "record":
		return chat.PartRecord
	default:
		return chat.PartFile
	}
}

// titleForwarder passes stream titles to the configured updater and records
// them in the local cache.
type titleForwarder struct {
	c *Controller
}

func (t titleForwarder) UpdateSessionTitle(sessionID string, title string) {
	t.c.titles.UpdateSessionTitle(sessionID, title)
	if t.c.store == nil || sessionID == "" {
		return
	}
	if err := t.c.store.UpsertSession(t.c.baseCtx, chatstore.SessionRecord{SessionID: sessionID, Title: title}); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("failed to cache session title")
	}
}
