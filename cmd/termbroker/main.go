// Command termbroker is the process entrypoint: it loads configuration,
// opens the metadata store, dials the container runtime, wires the session
// manager, its sweeper, the egress supervisor, and the HTTP/stream surface
// together, and serves until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/api"
	"github.com/sandkasten-oss/termbroker/internal/config"
	"github.com/sandkasten-oss/termbroker/internal/docker"
	"github.com/sandkasten-oss/termbroker/internal/egress"
	"github.com/sandkasten-oss/termbroker/internal/session"
	"github.com/sandkasten-oss/termbroker/internal/store"
	"github.com/sandkasten-oss/termbroker/internal/transport"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfgPath := flag.String("config", "", "path to termbroker.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	api.Version = version
	logger.Info("config loaded", "allowed_images", cfg.AllowedImages, "idle_ttl", cfg.IdleTTL())

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	st, err := store.New(cfg.DBPath, 8)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	dc, err := docker.New(cfg.DockerHost)
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed, is the runtime reachable?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	runtime := session.NewDockerRuntime(dc)
	mgr := session.NewManager(cfg, st, runtime, nil, logger)

	proxy := egress.New(cfg.AnyoneBinary, cfg.AnyoneSocksPort, logger, mgr)
	mgr.SetEgress(proxy)

	sweeper := session.NewSweeper(mgr, st, runtime, cfg.SweepInterval(), logger)
	go sweeper.Run(ctx)

	apiSrv := api.NewServer(cfg, mgr, proxy, st, logger)
	tSrv := transport.NewServer(mgr, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/pty/{id}", func(w http.ResponseWriter, r *http.Request) {
		tSrv.ServePTY(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		tSrv.ServeWS(w, r, r.PathValue("id"))
	})
	mux.Handle("/", apiSrv.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // stream routes are long-lived; the bridge owns its own deadlines
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Addr())
	fmt.Fprintf(os.Stderr, "\n  termbroker daemon ready at http://%s (version %s)\n\n", cfg.Addr(), version)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
