package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-echo/pkg/audio"
)

// Session is the per-connection state of a ReplyOnPause.
// At most one reply runs at a time; a new turn waits for the previous
// reply goroutine to exit before emitting.
type Session struct {
	parent *ReplyOnPause
	emit   Emitter
	obs    Observer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	detector    *PauseDetector
	replying    bool
	turn        int
	replyCancel context.CancelFunc
	replyDone   chan struct{}
	closed      bool

	metrics *MetricsCollector
	wg      sync.WaitGroup
}

// NewSession creates a session bound to ctx. obs may be nil.
func (r *ReplyOnPause) NewSession(ctx context.Context, emit Emitter, obs Observer) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		parent:   r,
		emit:     emit,
		obs:      obs,
		logger:   r.logger,
		ctx:      ctx,
		cancel:   cancel,
		detector: NewPauseDetector(r.algo, r.detector),
		metrics:  NewMetricsCollector(),
	}
}

// Receive feeds one captured frame.
func (s *Session) Receive(frame audio.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ctx.Err() != nil {
		return
	}
	if s.replying && !s.parent.canInterrupt {
		return
	}

	switch s.detector.Feed(frame) {
	case EventStartedTalking:
		if s.replying {
			s.logger.Debug("caller interrupted reply", "turn", s.turn)
			s.replyCancel()
		}
	case EventPause:
		utterance := s.detector.Utterance()
		s.detector.Reset()
		if s.replying {
			s.replyCancel()
		}
		s.startReplyLocked(utterance)
	}
}

// Replying reports whether a reply is in flight.
func (s *Session) Replying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replying
}

// Metrics returns the session's turn metrics.
func (s *Session) Metrics() *MetricsCollector {
	return s.metrics
}

// Close cancels any reply in flight and waits for it to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Session) startReplyLocked(utterance audio.Segment) {
	s.turn++
	turn := s.turn

	ctx, cancel := context.WithCancel(s.ctx)
	prev := s.replyDone
	done := make(chan struct{})

	s.replyCancel = cancel
	s.replyDone = done
	s.replying = true

	s.logger.Debug("pause detected", "turn", turn, "utterance", utterance.Duration())
	if s.obs != nil {
		s.obs.PauseDetected(utterance)
	}

	s.wg.Add(1)
	go s.runReply(ctx, cancel, turn, utterance, prev, done)
}

func (s *Session) runReply(ctx context.Context, cancel context.CancelFunc, turn int, utterance audio.Segment, prev, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer cancel()

	if prev != nil {
		<-prev
	}

	s.metrics.MarkPause(utterance.Duration())
	err := s.produce(ctx, utterance)
	interrupted := ctx.Err() != nil
	if interrupted && errors.Is(err, ctx.Err()) {
		err = nil
	}
	m := s.metrics.MarkDone(interrupted)

	if err != nil {
		s.logger.Warn("reply failed", "turn", turn, "error", err)
	} else {
		s.logger.Debug("reply finished", "turn", turn,
			"segments", m.OutputSegments,
			"first_output", m.FirstOutputLatency,
			"interrupted", interrupted)
	}
	if s.obs != nil {
		s.obs.ReplyFinished(m, err)
	}

	s.mu.Lock()
	if s.turn == turn {
		s.replying = false
	}
	s.mu.Unlock()
}

// produce drains the handler's sequence into the emitter. A panicking
// handler is reported as an error so one bad turn does not kill the
// connection.
func (s *Session) produce(ctx context.Context, utterance audio.Segment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reply: handler panic: %v", r)
		}
	}()

	for out, herr := range s.parent.fn(ctx, utterance) {
		if herr != nil {
			return fmt.Errorf("reply: handler: %w", herr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if out.Empty() {
			continue
		}
		if err := s.emit(ctx, out); err != nil {
			return fmt.Errorf("reply: emit: %w", err)
		}
		s.metrics.MarkOutput()
	}
	return ctx.Err()
}

var _ Responder = (*Session)(nil)
