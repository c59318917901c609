package stream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-echo/pkg/audio"
	"github.com/teslashibe/go-echo/pkg/reply"
)

// Transport names the connection type of a session.
type Transport string

// Transports.
const (
	TransportWebRTC    Transport = "webrtc"
	TransportWebsocket Transport = "websocket"
)

// SessionInfo is a snapshot of an open session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Transport Transport `json:"transport"`
	Started   time.Time `json:"started"`
	Turns     int       `json:"turns"`
	Replying  bool      `json:"replying"`

	// Averages over recent turns; zero until the first turn finishes.
	AvgFirstOutputMs float64 `json:"avg_first_output_ms"`
	AvgReplyMs       float64 `json:"avg_reply_ms"`
}

// session ties one connection to one responder.
type session struct {
	id        string
	transport Transport
	started   time.Time
	stream    *Stream

	ctx    context.Context
	cancel context.CancelFunc

	responder reply.Responder
	turns     atomic.Int64

	mu       sync.Mutex
	teardown []func()
	closing  atomic.Bool
	closed   chan struct{}
}

// openSession reserves a registry slot. The responder is attached by start
// once the transport is ready to emit.
func (s *Stream) openSession(id string, t Transport) (*session, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if id == "" {
		id = uuid.NewString()
	}

	sess := &session{
		id:        id,
		transport: t,
		started:   time.Now(),
		stream:    s,
		closed:    make(chan struct{}),
	}
	if s.cfg.TimeLimit > 0 {
		sess.ctx, sess.cancel = context.WithTimeout(s.ctx, s.cfg.TimeLimit)
	} else {
		sess.ctx, sess.cancel = context.WithCancel(s.ctx)
	}

	if err := s.sessions.add(sess); err != nil {
		sess.cancel()
		if s.metrics != nil && errors.Is(err, ErrConcurrencyLimit) {
			s.metrics.SessionsRejected.Inc()
		}
		s.logger.Warn("session rejected", "id", id, "transport", t, "error", err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ActiveSessions.WithLabelValues(string(t)).Inc()
		s.metrics.SessionsStarted.WithLabelValues(string(t)).Inc()
	}
	s.logger.Info("session opened", "id", id, "transport", t)
	s.publish("session_started", id, map[string]any{"transport": t})
	return sess, nil
}

// start attaches the responder and closes the session when its context ends.
func (sess *session) start(emit reply.Emitter) {
	r := sess.stream.handler.NewResponder(sess.ctx, emit, sess)
	sess.mu.Lock()
	sess.responder = r
	sess.mu.Unlock()

	go func() {
		<-sess.ctx.Done()
		reason := "closed"
		if errors.Is(sess.ctx.Err(), context.DeadlineExceeded) {
			reason = "time_limit"
		}
		sess.close(reason)
	}()
}

// onClose registers transport teardown, run in reverse order.
func (sess *session) onClose(fn func()) {
	sess.mu.Lock()
	sess.teardown = append(sess.teardown, fn)
	sess.mu.Unlock()
}

// receive feeds one decoded frame to the responder.
func (sess *session) receive(frame audio.Segment) {
	sess.mu.Lock()
	r := sess.responder
	sess.mu.Unlock()
	if r == nil || sess.closing.Load() {
		return
	}
	if m := sess.stream.metrics; m != nil {
		m.FramesIn.WithLabelValues(string(sess.transport)).Inc()
	}
	r.Receive(frame)
}

// close is idempotent. Later callers wait until the first one has
// stopped the responder and run the teardown, so a transport handler
// never returns while a reply may still be writing to its connection.
func (sess *session) close(reason string) {
	if !sess.closing.CompareAndSwap(false, true) {
		<-sess.closed
		return
	}
	defer close(sess.closed)
	s := sess.stream

	sess.cancel()
	sess.mu.Lock()
	r := sess.responder
	teardown := sess.teardown
	sess.teardown = nil
	sess.mu.Unlock()

	if r != nil {
		r.Close()
	}
	for i := len(teardown) - 1; i >= 0; i-- {
		teardown[i]()
	}

	s.sessions.remove(sess.id)
	elapsed := time.Since(sess.started)
	if s.metrics != nil {
		s.metrics.ActiveSessions.WithLabelValues(string(sess.transport)).Dec()
		s.metrics.SessionDuration.Observe(elapsed.Seconds())
	}
	s.logger.Info("session closed", "id", sess.id, "reason", reason,
		"duration", elapsed.Round(time.Millisecond), "turns", sess.turns.Load())
	s.publish("session_closed", sess.id, map[string]any{"reason": reason})
}

func (sess *session) info() SessionInfo {
	info := SessionInfo{
		ID:        sess.id,
		Transport: sess.transport,
		Started:   sess.started,
		Turns:     int(sess.turns.Load()),
	}
	sess.mu.Lock()
	r := sess.responder
	sess.mu.Unlock()

	if rp, ok := r.(interface{ Replying() bool }); ok {
		info.Replying = rp.Replying()
	}
	if mp, ok := r.(interface{ Metrics() *reply.MetricsCollector }); ok {
		avg := mp.Metrics().Average()
		info.AvgFirstOutputMs = millis(avg.FirstOutputLatency)
		info.AvgReplyMs = millis(avg.TotalLatency)
	}
	return info
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// PauseDetected implements reply.Observer.
func (sess *session) PauseDetected(utterance audio.Segment) {
	s := sess.stream
	if s.metrics != nil {
		s.metrics.PausesDetected.Inc()
		s.metrics.UtteranceDuration.Observe(utterance.Duration().Seconds())
	}
	s.publish("pause_detected", sess.id, map[string]any{
		"utterance_ms": utterance.Duration().Milliseconds(),
	})
}

// ReplyFinished implements reply.Observer.
func (sess *session) ReplyFinished(turn reply.TurnMetrics, err error) {
	sess.turns.Add(1)
	s := sess.stream

	if s.metrics != nil {
		switch {
		case err != nil:
			s.metrics.ReplyErrors.Inc()
		case turn.Interrupted:
			s.metrics.RepliesInterrupted.Inc()
		default:
			s.metrics.RepliesCompleted.Inc()
		}
		if turn.FirstOutputLatency > 0 {
			s.metrics.FirstOutputLatency.Observe(turn.FirstOutputLatency.Seconds())
		}
	}

	data := map[string]any{
		"segments":    turn.OutputSegments,
		"interrupted": turn.Interrupted,
		"latency_ms":  turn.FirstOutputLatency.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.publish("reply_finished", sess.id, data)
}

// registry is the set of open sessions, bounded by limit.
type registry struct {
	mu       sync.Mutex
	limit    int
	sessions map[string]*session
}

func newRegistry(limit int) *registry {
	return &registry{limit: limit, sessions: make(map[string]*session)}
}

func (r *registry) add(sess *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.id]; ok {
		return ErrSessionExists
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return ErrConcurrencyLimit
	}
	r.sessions[sess.id] = sess
	return nil
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *registry) get(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (r *registry) all() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

func (r *registry) list() []SessionInfo {
	sessions := r.all()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return a.Started.Compare(b.Started)
	})
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
