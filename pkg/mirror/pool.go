package mirror

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Pool holds the websocket viewers of the mirror. Writes are serialized by the
// pool lock; a viewer whose write fails is dropped. When the last viewer leaves,
// onIdle fires after idleTimeout unless a new viewer arrives first.
type Pool struct {
	mu          sync.Mutex
	conns       map[*websocket.Conn]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewPool(idleTimeout time.Duration, onIdle func()) *Pool {
	return &Pool{
		conns:       map[*websocket.Conn]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (p *Pool) Add(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.stopIdleLocked()
	p.mu.Unlock()
}

func (p *Pool) Remove(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	delete(p.conns, conn)
	p.armIdleLocked()
	p.mu.Unlock()
	_ = conn.Close()
}

// Broadcast writes data to every viewer and returns how many received it.
func (p *Pool) Broadcast(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sent := 0
	for conn := range p.conns {
		if err := p.writeLocked(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "mirror").Str("remote", conn.RemoteAddr().String()).Msg("dropping viewer after failed write")
			continue
		}
		sent++
	}
	p.armIdleLocked()
	return sent
}

// SendTo writes data to a single registered viewer.
func (p *Pool) SendTo(conn *websocket.Conn, data []byte) bool {
	if conn == nil || len(data) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn]; !ok {
		return false
	}
	if err := p.writeLocked(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "mirror").Msg("dropping viewer after failed initial write")
		return false
	}
	return true
}

func (p *Pool) writeLocked(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		delete(p.conns, conn)
		_ = conn.Close()
		return err
	}
	return nil
}

func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) CloseAll() {
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "mirror shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		delete(p.conns, conn)
	}
	p.stopIdleLocked()
	p.mu.Unlock()
}

func (p *Pool) stopIdleLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *Pool) armIdleLocked() {
	p.stopIdleLocked()
	if len(p.conns) != 0 || p.idleTimeout <= 0 || p.onIdle == nil {
		return
	}
	p.idleTimer = time.AfterFunc(p.idleTimeout, p.fireIdle)
}

func (p *Pool) fireIdle() {
	p.mu.Lock()
	var cb func()
	if len(p.conns) == 0 {
		cb = p.onIdle
	}
	p.idleTimer = nil
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}
