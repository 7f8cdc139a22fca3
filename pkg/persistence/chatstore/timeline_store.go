package chatstore

import (
	"context"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

// SessionRecord captures cached session-level metadata used for offline
// listing and the history command.
type SessionRecord struct {
	SessionID       string `json:"session_id"`
	Title           string `json:"title,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
	ProjectTitle    string `json:"project_title,omitempty"`
	ProjectEmoji    string `json:"project_emoji,omitempty"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	LastActivityMs  int64  `json:"last_activity_ms"`
	LastSeenVersion uint64 `json:"last_seen_version"`
	MessageCount    int    `json:"message_count"`
	Status          string `json:"status"`
}

// HistorySnapshot is the last hydrated timeline of a session.
type HistorySnapshot struct {
	SessionID string          `json:"session_id"`
	Version   uint64          `json:"version"`
	SavedAtMs int64           `json:"saved_at_ms"`
	Messages  []*chat.Message `json:"messages"`
}

// TimelineStore is the local cache of hydrated session timelines.
//
// SaveHistory replaces the stored snapshot only when version is newer than the
// stored one; stale writes are ignored without error so that a slow hydration
// never clobbers a fresher one.
type TimelineStore interface {
	SaveHistory(ctx context.Context, sessionID string, version uint64, msgs []*chat.Message) error
	LoadHistory(ctx context.Context, sessionID string) (*HistorySnapshot, bool, error)
	UpsertSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	ListSessions(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error)
	Close() error
}
