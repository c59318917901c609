// Package stream exposes a reply handler to browsers and telephony
// clients as a real-time audio session endpoint.
//
// A Stream owns the session registry, the WebRTC and websocket
// transports, and a hub that publishes session events. Mount attaches
// its routes to a fiber router.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-echo/internal/log"
	"github.com/teslashibe/go-echo/internal/metrics"
	"github.com/teslashibe/go-echo/pkg/hub"
	"github.com/teslashibe/go-echo/pkg/reply"
)

// Modality is the kind of media a stream carries.
type Modality string

// Supported and recognised modalities.
const (
	ModalityAudio      Modality = "audio"
	ModalityVideo      Modality = "video"
	ModalityAudioVideo Modality = "audio-video"
)

// Mode is the direction of media flow.
type Mode string

// Recognised modes.
const (
	ModeSendReceive Mode = "send-receive"
	ModeSend        Mode = "send"
	ModeReceive     Mode = "receive"
)

// Config is the resolved stream configuration.
type Config struct {
	Modality         Modality
	Mode             Mode
	ConcurrencyLimit int           // 0 = unlimited
	TimeLimit        time.Duration // 0 = none
	ICEServers       []string
}

// Option configures a Stream.
type Option func(*Stream)

// WithModality sets the media modality. Only ModalityAudio is supported.
func WithModality(m Modality) Option {
	return func(s *Stream) { s.cfg.Modality = m }
}

// WithMode sets the media direction. Only ModeSendReceive is supported.
func WithMode(m Mode) Option {
	return func(s *Stream) { s.cfg.Mode = m }
}

// WithConcurrencyLimit bounds the number of simultaneous sessions.
func WithConcurrencyLimit(n int) Option {
	return func(s *Stream) { s.cfg.ConcurrencyLimit = n }
}

// WithTimeLimit closes each session after d.
func WithTimeLimit(d time.Duration) Option {
	return func(s *Stream) { s.cfg.TimeLimit = d }
}

// WithICEServers sets the STUN/TURN urls offered to peers.
func WithICEServers(urls ...string) Option {
	return func(s *Stream) { s.cfg.ICEServers = urls }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

// Stream is a mounted audio session endpoint.
type Stream struct {
	handler reply.Factory
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	api      *webrtc.API
	sessions *registry
	events   *hub.Hub

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stream around handler. The defaults are audio,
// send-receive and one concurrent session.
func New(handler reply.Factory, opts ...Option) (*Stream, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	s := &Stream{
		handler: handler,
		cfg: Config{
			Modality:         ModalityAudio,
			Mode:             ModeSendReceive,
			ConcurrencyLimit: 1,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.Modality != ModalityAudio {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModality, s.cfg.Modality)
	}
	if s.cfg.Mode != ModeSendReceive {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, s.cfg.Mode)
	}
	if s.cfg.ConcurrencyLimit < 0 {
		return nil, fmt.Errorf("stream: concurrency limit must be >= 0, got %d", s.cfg.ConcurrencyLimit)
	}
	if s.cfg.TimeLimit < 0 {
		return nil, fmt.Errorf("stream: time limit must be >= 0, got %s", s.cfg.TimeLimit)
	}

	s.logger = log.Or(s.logger).With("component", "stream")

	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	s.api = api
	s.sessions = newRegistry(s.cfg.ConcurrencyLimit)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.events = hub.New("events", s.logger)
	go s.events.Run(s.ctx)

	return s, nil
}

// newAPI builds a pion API that negotiates Opus only.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("stream: register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("stream: register interceptors: %w", err)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// Config returns the resolved configuration.
func (s *Stream) Config() Config {
	cfg := s.cfg
	cfg.ICEServers = append([]string(nil), s.cfg.ICEServers...)
	return cfg
}

// Mount attaches the stream routes to r.
func (s *Stream) Mount(r fiber.Router) {
	r.Post("/webrtc/offer", s.handleOffer)
	r.Get("/webrtc/sessions", s.handleSessions)
	r.Delete("/webrtc/sessions/:id", s.handleCloseSession)

	r.Use("/websocket", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.Get("/websocket/offer", websocket.New(s.handleWebsocket))
	r.Get("/websocket/events", websocket.New(s.events.Serve))
}

// Events returns the session event hub.
func (s *Stream) Events() *hub.Hub {
	return s.events
}

// Sessions lists the open sessions, oldest first.
func (s *Stream) Sessions() []SessionInfo {
	return s.sessions.list()
}

// ActiveSessions returns the number of open sessions.
func (s *Stream) ActiveSessions() int {
	return s.sessions.len()
}

// Session returns one open session.
func (s *Stream) Session(id string) (SessionInfo, error) {
	sess, err := s.sessions.get(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.info(), nil
}

// CloseSession tears down one open session.
func (s *Stream) CloseSession(id string) error {
	sess, err := s.sessions.get(id)
	if err != nil {
		return err
	}
	sess.close("closed_by_server")
	return nil
}

// Close tears down every session and stops the event hub.
func (s *Stream) Close() {
	for _, sess := range s.sessions.all() {
		sess.close("server_shutdown")
	}
	s.cancel()
}

func (s *Stream) handleSessions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions": s.Sessions(),
		"limit":    s.cfg.ConcurrencyLimit,
	})
}

func (s *Stream) handleCloseSession(c *fiber.Ctx) error {
	if err := s.CloseSession(c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Stream) iceServers() []webrtc.ICEServer {
	if len(s.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: s.cfg.ICEServers}}
}

func (s *Stream) publish(typ, id string, data map[string]any) {
	if err := s.events.Publish(hub.NewEvent(typ, id, data)); err != nil {
		s.logger.Warn("publish event failed", "type", typ, "error", err)
	}
}
