package chat

import (
	"sync"
)

type ChangeKind string

const (
	ChangeAppend  ChangeKind = "append"
	ChangeUpdate  ChangeKind = "update"
	ChangeRemove  ChangeKind = "remove"
	ChangeReplace ChangeKind = "replace"
)

// Change describes one timeline mutation. Index is the affected position
// (-1 for a wholesale replace).
type Change struct {
	Kind     ChangeKind
	Revision uint64
	Index    int
	Length   int
}

// Timeline is the ordered message list of one session.
//
// Every mutation bumps a revision counter and notifies observers after the
// lock is released. In-place edits of an open message must go through Update
// so that readers never observe a half-written part.
type Timeline struct {
	mu        sync.RWMutex
	messages  []*Message
	revision  uint64
	observers map[int]func(Change)
	nextObsID int
}

func NewTimeline() *Timeline {
	return &Timeline{observers: map[int]func(Change){}}
}

// Observe registers fn for change notifications and returns a function that
// unregisters it.
func (t *Timeline) Observe(fn func(Change)) func() {
	if t == nil || fn == nil {
		return func() {}
	}
	t.mu.Lock()
	if t.observers == nil {
		t.observers = map[int]func(Change){}
	}
	id := t.nextObsID
	t.nextObsID++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Timeline) Revision() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revision
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Last returns the most recent message (the live pointer) or nil.
func (t *Timeline) Last() *Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return nil
	}
	return t.messages[len(t.messages)-1]
}

// Snapshot returns deep copies of all messages.
func (t *Timeline) Snapshot() []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Message, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, m.Clone())
	}
	return out
}

// SnapshotRevision returns deep copies of all messages together with the
// revision they belong to.
func (t *Timeline) SnapshotRevision() ([]*Message, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Message, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, m.Clone())
	}
	return out, t.revision
}

func (t *Timeline) Append(m *Message) {
	if m == nil {
		return
	}
	t.mu.Lock()
	t.messages = append(t.messages, m)
	ch := t.changeLocked(ChangeAppend, len(t.messages)-1)
	t.mu.Unlock()
	t.notify(ch)
}

// PopLoading removes the last message if it is a loading placeholder.
func (t *Timeline) PopLoading() bool {
	t.mu.Lock()
	n := len(t.messages)
	if n == 0 || !t.messages[n-1].IsLoading() {
		t.mu.Unlock()
		return false
	}
	t.messages[n-1] = nil
	t.messages = t.messages[:n-1]
	ch := t.changeLocked(ChangeRemove, n-1)
	t.mu.Unlock()
	t.notify(ch)
	return true
}

// Remove splices out m, matched by pointer identity.
func (t *Timeline) Remove(m *Message) bool {
	if m == nil {
		return false
	}
	t.mu.Lock()
	idx := -1
	for i, cur := range t.messages {
		if cur == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	ch := t.changeLocked(ChangeRemove, idx)
	t.mu.Unlock()
	t.notify(ch)
	return true
}

// Replace swaps the whole timeline for msgs.
func (t *Timeline) Replace(msgs []*Message) {
	cp := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			cp = append(cp, m)
		}
	}
	t.mu.Lock()
	t.messages = cp
	ch := t.changeLocked(ChangeReplace, -1)
	t.mu.Unlock()
	t.notify(ch)
}

// Update applies fn to m under the write lock. It is a no-op returning false
// when m is no longer part of the timeline.
func (t *Timeline) Update(m *Message, fn func(*Message)) bool {
	if m == nil || fn == nil {
		return false
	}
	t.mu.Lock()
	idx := -1
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i] == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	fn(m)
	ch := t.changeLocked(ChangeUpdate, idx)
	t.mu.Unlock()
	t.notify(ch)
	return true
}

// Inspect runs fn on m under the read lock without notifying observers. It
// returns false when m is not part of the timeline. fn must not mutate m.
func (t *Timeline) Inspect(m *Message, fn func(*Message)) bool {
	if m == nil || fn == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i] == m {
			fn(m)
			return true
		}
	}
	return false
}

func (t *Timeline) changeLocked(kind ChangeKind, idx int) Change {
	t.revision++
	return Change{Kind: kind, Revision: t.revision, Index: idx, Length: len(t.messages)}
}

func (t *Timeline) notify(ch Change) {
	t.mu.RLock()
	fns := make([]func(Change), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(ch)
	}
}
