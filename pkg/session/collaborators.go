package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dashchat/pkg/api"
	"github.com/go-go-golems/dashchat/pkg/chat"
)

// Backend is the subset of the chat API the controller drives.
type Backend interface {
	GetSession(ctx context.Context, sessionID string) (*api.SessionData, error)
	Send(ctx context.Context, req api.SendRequest) (io.ReadCloser, error)
	Stop(ctx context.Context, sessionID string) error
}

// Resolver maps attachment ids and media names to content handles. A failed
// resolution yields "".
type Resolver interface {
	Resolve(ctx context.Context, attachmentID string) string
	ResolveMedia(ctx context.Context, filename string) string
}

// TitleUpdater receives session titles announced by the stream.
type TitleUpdater interface {
	UpdateSessionTitle(sessionID string, title string)
}

// SessionsNotifier is told when the session list may have changed.
type SessionsNotifier interface {
	SessionsUpdated()
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier presents short user-facing notices.
type Notifier interface {
	Notify(level Level, message string, timeout time.Duration)
}

// Preferences persists the streaming toggle.
type Preferences interface {
	EnableStreaming() bool
	SetEnableStreaming(bool) error
}

// ChangePublisher forwards timeline changes to an external bus.
type ChangePublisher interface {
	PublishChange(ctx context.Context, sessionID string, ch chat.Change) error
}

type logTitleUpdater struct{}

func (logTitleUpdater) UpdateSessionTitle(sessionID string, title string) {
	log.Info().Str("component", "session").Str("session_id", sessionID).Str("title", title).Msg("session title updated")
}

type logSessionsNotifier struct{}

func (logSessionsNotifier) SessionsUpdated() {
	log.Debug().Str("component", "session").Msg("session list changed")
}

type logNotifier struct{}

func (logNotifier) Notify(level Level, message string, timeout time.Duration) {
	ev := log.Info()
	switch level {
	case LevelWarning:
		ev = log.Warn()
	case LevelError:
		ev = log.Error()
	}
	ev.Str("component", "session").Dur("timeout", timeout).Msg(message)
}

// memoryPreferences keeps the toggle for the lifetime of the process.
type memoryPreferences struct {
	mu      sync.Mutex
	enabled bool
}

func (p *memoryPreferences) EnableStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *memoryPreferences) SetEnableStreaming(v bool) error {
	p.mu.Lock()
	p.enabled = v
	p.mu.Unlock()
	return nil
}
