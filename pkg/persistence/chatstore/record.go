package chatstore

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

func normalizeSessionRecord(record SessionRecord, now int64) SessionRecord {
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.Title = strings.TrimSpace(record.Title)
	record.ProjectID = strings.TrimSpace(record.ProjectID)
	record.Status = strings.TrimSpace(record.Status)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	return record
}

// mergeSessionRecord keeps stable metadata from existing when incoming leaves
// it empty, and never moves progress (activity, version) backwards.
func mergeSessionRecord(existing, incoming SessionRecord, now int64) SessionRecord {
	incoming = normalizeSessionRecord(incoming, now)
	if existing.SessionID == "" {
		if incoming.Status == "" {
			incoming.Status = "idle"
		}
		return incoming
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.LastSeenVersion < existing.LastSeenVersion {
		incoming.LastSeenVersion = existing.LastSeenVersion
		incoming.MessageCount = existing.MessageCount
	}
	if incoming.Title == "" {
		incoming.Title = existing.Title
	}
	if incoming.ProjectID == "" {
		incoming.ProjectID = existing.ProjectID
		incoming.ProjectTitle = existing.ProjectTitle
		incoming.ProjectEmoji = existing.ProjectEmoji
	}
	if incoming.Status == "" {
		incoming.Status = existing.Status
	}
	if incoming.Status == "" {
		incoming.Status = "idle"
	}
	return incoming
}

func encodeMessages(msgs []*chat.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, errors.Wrap(err, "encode messages")
	}
	return b, nil
}

func decodeMessages(b []byte) ([]*chat.Message, error) {
	var msgs []*chat.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	return msgs, nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
