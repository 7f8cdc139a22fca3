package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

// InMemoryTimelineStore is a size-limited, in-memory TimelineStore implementation.
// It mirrors the ordering and merge semantics of the SQLite store.
type InMemoryTimelineStore struct {
	mu          sync.Mutex
	maxSessions int
	histories   map[string]*memHistory
	sessions    map[string]SessionRecord
}

type memHistory struct {
	version   uint64
	savedAtMs int64
	payload   []byte
}

var _ TimelineStore = &InMemoryTimelineStore{}

func NewInMemoryTimelineStore(maxSessions int) *InMemoryTimelineStore {
	if maxSessions <= 0 {
		maxSessions = 200
	}
	return &InMemoryTimelineStore{
		maxSessions: maxSessions,
		histories:   map[string]*memHistory{},
		sessions:    map[string]SessionRecord{},
	}
}

func (s *InMemoryTimelineStore) Close() error { return nil }

func (s *InMemoryTimelineStore) SaveHistory(_ context.Context, sessionID string, version uint64, msgs []*chat.Message) error {
	if s == nil {
		return errors.New("in-memory timeline store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("in-memory timeline store: sessionID is empty")
	}
	if version == 0 {
		return errors.New("in-memory timeline store: version is 0")
	}
	payload, err := encodeMessages(msgs)
	if err != nil {
		return errors.Wrap(err, "in-memory timeline store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.histories[sessionID]; cur != nil && cur.version >= version {
		return nil
	}
	now := time.Now().UnixMilli()
	s.histories[sessionID] = &memHistory{version: version, savedAtMs: now, payload: payload}
	s.sessions[sessionID] = mergeSessionRecord(s.sessions[sessionID], SessionRecord{
		SessionID:       sessionID,
		LastActivityMs:  now,
		LastSeenVersion: version,
		MessageCount:    len(msgs),
	}, now)
	s.evictLocked()
	return nil
}

// evictLocked drops the least recently active sessions above the limit.
func (s *InMemoryTimelineStore) evictLocked() {
	if len(s.histories) <= s.maxSessions {
		return
	}
	ids := make([]string, 0, len(s.histories))
	for id := range s.histories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.histories[ids[i]], s.histories[ids[j]]
		if a.version == b.version {
			return ids[i] < ids[j]
		}
		return a.version < b.version
	})
	for _, id := range ids[:len(ids)-s.maxSessions] {
		delete(s.histories, id)
	}
}

func (s *InMemoryTimelineStore) LoadHistory(_ context.Context, sessionID string) (*HistorySnapshot, bool, error) {
	if s == nil {
		return nil, false, errors.New("in-memory timeline store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, errors.New("in-memory timeline store: sessionID is empty")
	}
	s.mu.Lock()
	h := s.histories[sessionID]
	s.mu.Unlock()
	if h == nil {
		return nil, false, nil
	}
	msgs, err := decodeMessages(h.payload)
	if err != nil {
		return nil, false, errors.Wrap(err, "in-memory timeline store")
	}
	return &HistorySnapshot{
		SessionID: sessionID,
		Version:   h.version,
		SavedAtMs: h.savedAtMs,
		Messages:  msgs,
	}, true, nil
}

func (s *InMemoryTimelineStore) UpsertSession(_ context.Context, record SessionRecord) error {
	if s == nil {
		return errors.New("in-memory timeline store: nil store")
	}
	now := time.Now().UnixMilli()
	record = normalizeSessionRecord(record, now)
	if record.SessionID == "" {
		return errors.New("in-memory timeline store: sessionID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.SessionID] = mergeSessionRecord(s.sessions[record.SessionID], record, now)
	return nil
}

func (s *InMemoryTimelineStore) GetSession(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil {
		return SessionRecord{}, false, errors.New("in-memory timeline store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("in-memory timeline store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	return record, ok, nil
}

func (s *InMemoryTimelineStore) ListSessions(_ context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory timeline store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
