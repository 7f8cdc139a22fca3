package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

type SQLiteTimelineStore struct {
	db *sql.DB
}

var _ TimelineStore = &SQLiteTimelineStore{}

func NewSQLiteTimelineStore(dsn string) (*SQLiteTimelineStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite timeline store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTimelineStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTimelineStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTimelineStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite timeline store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_histories (
		  session_id TEXT PRIMARY KEY,
		  version INTEGER NOT NULL,
		  saved_at_ms INTEGER NOT NULL,
		  messages_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
		  session_id TEXT PRIMARY KEY,
		  title TEXT NOT NULL DEFAULT '',
		  project_id TEXT NOT NULL DEFAULT '',
		  project_title TEXT NOT NULL DEFAULT '',
		  project_emoji TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  last_seen_version INTEGER NOT NULL DEFAULT 0,
		  message_count INTEGER NOT NULL DEFAULT 0,
		  status TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_last_activity
		  ON sessions(last_activity_ms DESC, session_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite timeline store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTimelineStore) SaveHistory(ctx context.Context, sessionID string, version uint64, msgs []*chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite timeline store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("sqlite timeline store: sessionID is empty")
	}
	if version == 0 {
		return errors.New("sqlite timeline store: version is 0")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	versionI64, err := uint64ToInt64(version)
	if err != nil {
		return err
	}
	payload, err := encodeMessages(msgs)
	if err != nil {
		return errors.Wrap(err, "sqlite timeline store")
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO session_histories(session_id, version, saved_at_ms, messages_json)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
		  version = excluded.version,
		  saved_at_ms = excluded.saved_at_ms,
		  messages_json = excluded.messages_json
		WHERE excluded.version > session_histories.version
	`, sessionID, versionI64, now, string(payload))
	if err != nil {
		return errors.Wrap(err, "sqlite timeline store: save history")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// stale version
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, created_at_ms, last_activity_ms, last_seen_version, message_count
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > sessions.last_activity_ms THEN excluded.last_activity_ms
				ELSE sessions.last_activity_ms
			END,
			message_count = CASE
				WHEN excluded.last_seen_version >= sessions.last_seen_version THEN excluded.message_count
				ELSE sessions.message_count
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > sessions.last_seen_version THEN excluded.last_seen_version
				ELSE sessions.last_seen_version
			END
	`, sessionID, now, now, versionI64, len(msgs)); err != nil {
		return errors.Wrap(err, "sqlite timeline store: upsert session progress")
	}

	return tx.Commit()
}

func (s *SQLiteTimelineStore) LoadHistory(ctx context.Context, sessionID string) (*HistorySnapshot, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite timeline store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, errors.New("sqlite timeline store: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		version   int64
		savedAtMs int64
		raw       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, saved_at_ms, messages_json
		FROM session_histories
		WHERE session_id = ?
	`, sessionID).Scan(&version, &savedAtMs, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite timeline store: load history")
	}
	versionU64, err := int64ToUint64(version)
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite timeline store: invalid history version")
	}
	msgs, err := decodeMessages([]byte(raw))
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite timeline store")
	}
	return &HistorySnapshot{
		SessionID: sessionID,
		Version:   versionU64,
		SavedAtMs: savedAtMs,
		Messages:  msgs,
	}, true, nil
}

func (s *SQLiteTimelineStore) UpsertSession(ctx context.Context, record SessionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite timeline store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UnixMilli()
	record = normalizeSessionRecord(record, now)
	if record.SessionID == "" {
		return errors.New("sqlite timeline store: sessionID is empty")
	}
	lastSeenVersion, err := uint64ToInt64(record.LastSeenVersion)
	if err != nil {
		return errors.Wrap(err, "sqlite timeline store: last_seen_version overflow")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, title, project_id, project_title, project_emoji,
			created_at_ms, last_activity_ms, last_seen_version, message_count, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = CASE
				WHEN excluded.title <> '' THEN excluded.title
				ELSE sessions.title
			END,
			project_title = CASE
				WHEN excluded.project_id <> '' THEN excluded.project_title
				ELSE sessions.project_title
			END,
			project_emoji = CASE
				WHEN excluded.project_id <> '' THEN excluded.project_emoji
				ELSE sessions.project_emoji
			END,
			project_id = CASE
				WHEN excluded.project_id <> '' THEN excluded.project_id
				ELSE sessions.project_id
			END,
			created_at_ms = CASE
				WHEN sessions.created_at_ms > 0 THEN sessions.created_at_ms
				ELSE excluded.created_at_ms
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > sessions.last_activity_ms THEN excluded.last_activity_ms
				ELSE sessions.last_activity_ms
			END,
			message_count = CASE
				WHEN excluded.last_seen_version >= sessions.last_seen_version THEN excluded.message_count
				ELSE sessions.message_count
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > sessions.last_seen_version THEN excluded.last_seen_version
				ELSE sessions.last_seen_version
			END,
			status = CASE
				WHEN excluded.status <> '' THEN excluded.status
				ELSE sessions.status
			END
	`, record.SessionID, record.Title, record.ProjectID, record.ProjectTitle, record.ProjectEmoji,
		record.CreatedAtMs, record.LastActivityMs, lastSeenVersion, record.MessageCount, record.Status)
	if err != nil {
		return errors.Wrap(err, "sqlite timeline store: upsert session")
	}
	return nil
}

const sessionColumns = `session_id, title, project_id, project_title, project_emoji,
		       created_at_ms, last_activity_ms, last_seen_version, message_count, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		record          SessionRecord
		lastSeenVersion int64
	)
	if err := row.Scan(
		&record.SessionID,
		&record.Title,
		&record.ProjectID,
		&record.ProjectTitle,
		&record.ProjectEmoji,
		&record.CreatedAtMs,
		&record.LastActivityMs,
		&lastSeenVersion,
		&record.MessageCount,
		&record.Status,
	); err != nil {
		return SessionRecord{}, err
	}
	v, err := int64ToUint64(lastSeenVersion)
	if err != nil {
		return SessionRecord{}, errors.Wrap(err, "sqlite timeline store: invalid session version")
	}
	record.LastSeenVersion = v
	if record.Status == "" {
		record.Status = "idle"
	}
	return record, nil
}

func (s *SQLiteTimelineStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, errors.New("sqlite timeline store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("sqlite timeline store: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	record, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "sqlite timeline store: get session")
	}
	return record, true, nil
}

func (s *SQLiteTimelineStore) ListSessions(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite timeline store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY last_activity_ms DESC, session_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite timeline store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	records := make([]SessionRecord, 0, limit)
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite timeline store: scan session")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite timeline store: iterate sessions")
	}
	return records, nil
}

func SQLiteTimelineDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite timeline store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
