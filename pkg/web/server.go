// Package web serves the echo demo page and hosts the audio stream routes.
package web

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	rr "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-echo/internal/config"
	"github.com/teslashibe/go-echo/internal/log"
	"github.com/teslashibe/go-echo/pkg/stream"
	"github.com/teslashibe/go-echo/pkg/vad"
)

// Server is the HTTP front end.
type Server struct {
	app     *fiber.App
	addr    string
	index   *IndexPage
	stream  *stream.Stream
	logger  *slog.Logger
	started time.Time

	// VADStats, when set, reports detector counters in /api/status.
	VADStats func() vad.Stats
}

// NewServer builds the fiber app and mounts st on it. Metrics are served
// from reg when cfg.Metrics is enabled and reg is non-nil.
func NewServer(cfg config.Config, st *stream.Stream, reg *prometheus.Registry, l *slog.Logger) *Server {
	s := &Server{
		addr:    cfg.Server.Addr(),
		index:   NewIndexPage(cfg.Server.IndexPath, cfg.Server.CacheIndex),
		stream:  st,
		logger:  log.Or(l).With("component", "web"),
		started: time.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "echo-server",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	app.Use(logger.New(logger.Config{
		Format: "${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}",
		Output: io.Discard,
		Done: func(c *fiber.Ctx, logString []byte) {
			s.logger.Debug("http", "request", strings.TrimSpace(string(logString)))
		},
	}))
	app.Use(rr.New())

	if cfg.Metrics.Enabled && reg != nil {
		fp := fiberprometheus.NewWithRegistry(reg, "echo-server", "echo", "http", nil)
		app.Use(fp.Middleware)
		app.Get(cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	app.Get("/", s.handleIndex)
	app.Get("/api/status", s.handleStatus)

	if st != nil {
		st.Mount(app)
	}

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start listens on the configured address and blocks.
func (s *Server) Start() error {
	s.logger.Info("listening", "url", "http://"+s.addr, "index", s.index.Path())
	return s.app.Listen(s.addr)
}

// StartAsync starts the server in a goroutine. Listen errors are sent
// on the returned channel.
func (s *Server) StartAsync() <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("server error", "error", err)
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// handleIndex serves the demo page. Read failures go to fiber's default
// error handler, which answers 500.
func (s *Server) handleIndex(c *fiber.Ctx) error {
	data, err := s.index.Load()
	if err != nil {
		s.logger.Warn("index unavailable", "path", s.index.Path(), "error", err)
		return err
	}
	c.Type("html", "utf-8")
	return c.Send(data)
}

// Status is the body of GET /api/status.
type Status struct {
	Status           string               `json:"status"`
	Uptime           string               `json:"uptime"`
	Modality         stream.Modality      `json:"modality"`
	Mode             stream.Mode          `json:"mode"`
	ConcurrencyLimit int                  `json:"concurrency_limit"`
	Sessions         []stream.SessionInfo `json:"sessions"`
	VAD              *vad.Stats           `json:"vad,omitempty"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := Status{
		Status:   "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: []stream.SessionInfo{},
	}
	if s.stream != nil {
		cfg := s.stream.Config()
		st.Modality = cfg.Modality
		st.Mode = cfg.Mode
		st.ConcurrencyLimit = cfg.ConcurrencyLimit
		st.Sessions = s.stream.Sessions()
	}
	if s.VADStats != nil {
		stats := s.VADStats()
		st.VAD = &stats
	}
	return c.JSON(st)
}
