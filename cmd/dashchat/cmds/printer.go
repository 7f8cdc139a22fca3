package cmds

import (
	"io"
	"sync"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

// livePrinter echoes bot text to w as it streams in. It follows the message at
// the changed index and prints only the suffix it has not written yet. A
// wholesale replace (reconcile) ends the live view.
type livePrinter struct {
	w        io.Writer
	timeline *chat.Timeline

	mu      sync.Mutex
	index   int
	printed int
	done    bool
	wrote   bool
}

func newLivePrinter(w io.Writer, timeline *chat.Timeline) *livePrinter {
	return &livePrinter{w: w, timeline: timeline, index: -1}
}

func (p *livePrinter) observe(ch chat.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	if ch.Kind == chat.ChangeReplace {
		p.done = true
		p.newline()
		return
	}
	if ch.Kind != chat.ChangeAppend && ch.Kind != chat.ChangeUpdate {
		return
	}
	msgs := p.timeline.Snapshot()
	if ch.Index < 0 || ch.Index >= len(msgs) {
		return
	}
	m := msgs[ch.Index]
	if !m.IsBot() || m.IsLoading() {
		return
	}
	if ch.Index != p.index {
		p.newline()
		p.index = ch.Index
		p.printed = 0
	}
	text := m.Content.Text()
	if len(text) <= p.printed {
		return
	}
	_, _ = io.WriteString(p.w, text[p.printed:])
	p.printed = len(text)
	p.wrote = true
}

func (p *livePrinter) newline() {
	if p.wrote {
		_, _ = io.WriteString(p.w, "\n")
		p.wrote = false
	}
}

// Finish terminates the current line if anything is pending.
func (p *livePrinter) Finish() {
	p.mu.Lock()
	p.newline()
	p.done = true
	p.mu.Unlock()
}
