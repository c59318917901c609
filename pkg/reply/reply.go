package reply

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/teslashibe/go-echo/pkg/audio"
	"github.com/teslashibe/go-echo/pkg/vad"
)

// Common errors.
var (
	ErrNilHandler = errors.New("reply: handler is nil")
	ErrClosed     = errors.New("reply: session closed")
)

// Handler produces the reply for one captured utterance. The sequence is
// consumed lazily; iteration stops early when ctx is cancelled.
type Handler func(ctx context.Context, utterance audio.Segment) iter.Seq2[audio.Segment, error]

// Emitter delivers one reply segment to the caller. ctx is the reply's
// context and is cancelled when the reply is interrupted.
type Emitter func(ctx context.Context, seg audio.Segment) error

// Responder consumes caller audio for a single connection.
type Responder interface {
	// Receive feeds one captured frame. It never blocks on the handler.
	Receive(frame audio.Segment)

	// Close cancels any reply in flight and waits for it to exit.
	Close()
}

// Factory creates one Responder per connection.
type Factory interface {
	NewResponder(ctx context.Context, emit Emitter, obs Observer) Responder
}

// Observer is notified of turn events. Methods are called from the
// session's goroutines and must not block.
type Observer interface {
	PauseDetected(utterance audio.Segment)
	ReplyFinished(turn TurnMetrics, err error)
}

// AlgoOptions tunes pause detection.
type AlgoOptions struct {
	// ChunkDuration is how much audio is evaluated at a time.
	ChunkDuration time.Duration

	// StartedTalkingThreshold is the speech needed in one chunk to start an utterance.
	StartedTalkingThreshold time.Duration

	// SpeechThreshold is the speech below which a chunk counts as a pause.
	SpeechThreshold time.Duration
}

// DefaultAlgoOptions returns the standard pause detection tuning.
func DefaultAlgoOptions() AlgoOptions {
	return AlgoOptions{
		ChunkDuration:           600 * time.Millisecond,
		StartedTalkingThreshold: 200 * time.Millisecond,
		SpeechThreshold:         100 * time.Millisecond,
	}
}

// Option configures a ReplyOnPause.
type Option func(*ReplyOnPause)

// WithAlgoOptions overrides the pause detection tuning.
func WithAlgoOptions(o AlgoOptions) Option {
	return func(r *ReplyOnPause) {
		r.algo = o
	}
}

// WithDetector replaces the default energy detector.
func WithDetector(d vad.Detector) Option {
	return func(r *ReplyOnPause) {
		r.detector = d
	}
}

// WithCanInterrupt sets whether caller speech cancels a reply in flight.
func WithCanInterrupt(v bool) Option {
	return func(r *ReplyOnPause) {
		r.canInterrupt = v
	}
}

// WithLogger sets the logger used by sessions.
func WithLogger(l *slog.Logger) Option {
	return func(r *ReplyOnPause) {
		r.logger = l
	}
}

// ReplyOnPause invokes a Handler each time the caller pauses.
// It holds shared configuration; per-connection state lives in Session.
type ReplyOnPause struct {
	fn           Handler
	algo         AlgoOptions
	detector     vad.Detector
	canInterrupt bool
	logger       *slog.Logger
}

// OnPause wraps fn in a pause-triggered reply factory.
func OnPause(fn Handler, opts ...Option) (*ReplyOnPause, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}

	r := &ReplyOnPause{
		fn:           fn,
		algo:         DefaultAlgoOptions(),
		canInterrupt: true,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.detector == nil {
		det, err := vad.NewEnergy(vad.DefaultThreshold, vad.DefaultWindow)
		if err != nil {
			return nil, err
		}
		r.detector = det
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// AlgoOptions returns the pause detection tuning.
func (r *ReplyOnPause) AlgoOptions() AlgoOptions {
	return r.algo
}

// CanInterrupt reports whether caller speech cancels replies.
func (r *ReplyOnPause) CanInterrupt() bool {
	return r.canInterrupt
}

// NewResponder starts a session bound to ctx. obs may be nil.
func (r *ReplyOnPause) NewResponder(ctx context.Context, emit Emitter, obs Observer) Responder {
	return r.NewSession(ctx, emit, obs)
}

var _ Factory = (*ReplyOnPause)(nil)
