package echo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/teslashibe/go-echo/internal/config"
	"github.com/teslashibe/go-echo/internal/log"
	"github.com/teslashibe/go-echo/internal/metrics"
	"github.com/teslashibe/go-echo/pkg/reply"
	"github.com/teslashibe/go-echo/pkg/stream"
	"github.com/teslashibe/go-echo/pkg/vad"
	"github.com/teslashibe/go-echo/pkg/web"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// App wires the echo handler, the stream endpoint and the web server.
type App struct {
	logger *slog.Logger
	stream *stream.Stream
	server *web.Server
}

// New builds the application from cfg. Nothing listens until Run.
func New(cfg config.Config, l *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l = log.Or(l)

	det, err := vad.NewEnergy(cfg.Pause.VADThreshold, vad.DefaultWindow)
	if err != nil {
		return nil, fmt.Errorf("echo: vad: %w", err)
	}
	r, err := reply.OnPause(Echo,
		reply.WithAlgoOptions(reply.AlgoOptions{
			ChunkDuration:           cfg.Pause.ChunkDuration,
			StartedTalkingThreshold: cfg.Pause.StartedTalkingThreshold,
			SpeechThreshold:         cfg.Pause.SpeechThreshold,
		}),
		reply.WithDetector(det),
		reply.WithCanInterrupt(cfg.Pause.CanInterrupt),
		reply.WithLogger(l.With("component", "reply")),
	)
	if err != nil {
		return nil, fmt.Errorf("echo: reply: %w", err)
	}

	opts := []stream.Option{
		stream.WithModality(stream.ModalityAudio),
		stream.WithMode(stream.ModeSendReceive),
		stream.WithConcurrencyLimit(cfg.Stream.ConcurrencyLimit),
		stream.WithTimeLimit(cfg.Stream.TimeLimit),
		stream.WithICEServers(cfg.Stream.ICEServers...),
		stream.WithLogger(l),
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, stream.WithMetrics(metrics.New(reg)))
	}

	st, err := stream.New(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("echo: stream: %w", err)
	}

	srv := web.NewServer(cfg, st, reg, l)
	srv.VADStats = det.Stats

	return &App{
		logger: l,
		stream: st,
		server: srv,
	}, nil
}

// Stream returns the mounted stream endpoint.
func (a *App) Stream() *stream.Stream {
	return a.stream
}

// Server returns the web server.
func (a *App) Server() *web.Server {
	return a.server
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	errc := a.server.StartAsync()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	if serr := a.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown closes every session and stops the HTTP server.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down", "sessions", a.stream.ActiveSessions())
	a.stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.server.Shutdown(ctx)
}
