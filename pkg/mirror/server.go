// Package mirror serves the live timeline of a session to external viewers
// over HTTP and websockets.
package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/dashchat/pkg/chat"
	"github.com/go-go-golems/dashchat/pkg/events"
)

const FrameSnapshot = "timeline.snapshot"

// Source is the session whose timeline is mirrored.
type Source interface {
	Timeline() *chat.Timeline
	SessionID() string
}

// BlobSource serves the bytes behind content handles found in the timeline.
type BlobSource interface {
	Blob(handle string) ([]byte, string, bool)
}

// Snapshot is the frame pushed to viewers and returned by /api/timeline.
type Snapshot struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Revision  uint64          `json:"revision"`
	Messages  []*chat.Message `json:"messages"`
}

type Server struct {
	source   Source
	pool     *Pool
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	gatherer prometheus.Gatherer
	blobs    BlobSource

	idleTimeout time.Duration
	onIdle      func()

	mu       sync.Mutex
	lastSent uint64
}

type Option func(*Server)

// WithBroadcastRate caps how often snapshots are pushed to viewers. Changes
// arriving faster are coalesced into the next snapshot.
func WithBroadcastRate(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

func WithIdleCallback(timeout time.Duration, fn func()) Option {
	return func(s *Server) {
		s.idleTimeout = timeout
		s.onIdle = fn
	}
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithBlobs exposes attachment payloads under /api/blob?handle=... so that
// viewers can display in-memory handles.
func WithBlobs(b BlobSource) Option {
	return func(s *Server) {
		s.blobs = b
	}
}

func NewServer(source Source, opts ...Option) *Server {
	s := &Server{
		source:   source,
		limiter:  rate.NewLimiter(rate.Limit(20), 1),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = NewPool(s.idleTimeout, s.onIdle)
	return s
}

func (s *Server) Pool() *Pool { return s.pool }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/api/timeline", s.handleTimeline)
	r.Get("/api/blob", s.handleBlob)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) Snapshot() Snapshot {
	msgs, rev := s.source.Timeline().SnapshotRevision()
	return Snapshot{
		Type:      FrameSnapshot,
		SessionID: s.source.SessionID(),
		Revision:  rev,
		Messages:  msgs,
	}
}

func (s *Server) handleTimeline(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		log.Warn().Err(err).Str("component", "mirror").Msg("failed to write timeline snapshot")
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, req *http.Request) {
	handle := req.URL.Query().Get("handle")
	if s.blobs == nil || handle == "" {
		http.NotFound(w, req)
		return
	}
	data, contentType, ok := s.blobs.Blob(handle)
	if !ok {
		http.NotFound(w, req)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Str("component", "mirror").Msg("failed to write blob")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "mirror").Msg("websocket upgrade failed")
		return
	}
	s.pool.Add(conn)
	log.Info().Str("component", "mirror").Str("remote", req.RemoteAddr).Int("viewers", s.pool.Count()).Msg("viewer connected")

	if frame, err := json.Marshal(s.Snapshot()); err == nil {
		s.pool.SendTo(conn, frame)
	}

	// Viewers are read-only; the read loop only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.pool.Remove(conn)
	log.Info().Str("component", "mirror").Str("remote", req.RemoteAddr).Msg("viewer disconnected")
}

// Broadcast pushes the current snapshot to every viewer unless it was already
// sent. It reports whether a frame went out.
func (s *Server) Broadcast() bool {
	snap := s.Snapshot()
	s.mu.Lock()
	if snap.Revision != 0 && snap.Revision <= s.lastSent {
		s.mu.Unlock()
		return false
	}
	s.lastSent = snap.Revision
	s.mu.Unlock()

	frame, err := json.Marshal(snap)
	if err != nil {
		log.Warn().Err(err).Str("component", "mirror").Msg("failed to encode snapshot")
		return false
	}
	s.pool.Broadcast(frame)
	return true
}

// Run consumes timeline change notifications for the mirrored session and
// broadcasts snapshots, throttled by the broadcast rate. It returns when ctx
// is cancelled or the subscription closes.
func (s *Server) Run(ctx context.Context, sub message.Subscriber) error {
	ch, err := sub.Subscribe(ctx, events.TopicTimeline)
	if err != nil {
		return errors.Wrap(err, "subscribe to timeline changes")
	}
	log.Info().Str("component", "mirror").Msg("mirror consumer started")
	defer log.Info().Str("component", "mirror").Msg("mirror consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.consume(ctx, msg)
		}
	}
}

func (s *Server) consume(ctx context.Context, msg *message.Message) {
	defer msg.Ack()
	ev, err := events.DecodeTimelineChanged(msg)
	if err != nil {
		log.Warn().Err(err).Str("component", "mirror").Str("message_id", msg.UUID).Msg("skipping undecodable timeline change")
		return
	}
	if current := s.source.SessionID(); current != "" && ev.SessionID != current {
		return
	}
	s.mu.Lock()
	seen := ev.Revision <= s.lastSent
	s.mu.Unlock()
	if seen {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	s.Broadcast()
}

// Close disconnects all viewers.
func (s *Server) Close() {
	s.pool.CloseAll()
}
