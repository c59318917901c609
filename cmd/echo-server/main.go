// echo-server - replies to the caller with whatever they just said.
// Serves index.html at / and an audio stream endpoint for browsers
// (WebRTC) and telephony clients (websocket, μ-law).
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-echo/internal/config"
	"github.com/teslashibe/go-echo/internal/httpc"
	"github.com/teslashibe/go-echo/internal/log"
	"github.com/teslashibe/go-echo/pkg/echo"
)

var healthcheck = flag.Bool("healthcheck", false, "Check /api/status of a running server and exit")

func main() {
	cfg, err := loadConfig()
	if err != nil {
		stdlog.Fatalf("configuration error: %v", err)
	}

	log.Init(cfg.Log.Level, cfg.Log.Format)

	if *healthcheck {
		url := "http://" + cfg.Server.Addr() + "/api/status"
		if err := httpc.Check(context.Background(), nil, url); err != nil {
			log.Error("unhealthy", "error", err)
			os.Exit(1)
		}
		return
	}

	app, err := echo.New(cfg, log.L())
	if err != nil {
		log.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional config file, environment
// variables and finally flags.
func loadConfig() (config.Config, error) {
	path := flag.String("config", "", "Path to a YAML config file")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	host := flag.String("host", "", "Listen host (overrides ECHO_HOST)")
	port := flag.Int("port", 0, "Listen port (overrides ECHO_PORT)")
	index := flag.String("index", "", "Path to index.html (overrides ECHO_INDEX)")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}

	if *debug {
		cfg.Log.Level = "debug"
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *index != "" {
		cfg.Server.IndexPath = *index
	}
	return cfg, cfg.Validate()
}
