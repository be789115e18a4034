package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"codeblock/internal/api"
	"codeblock/internal/config"
	"codeblock/internal/exec"
	"codeblock/internal/exercises"
	"codeblock/internal/models"
	"codeblock/internal/presence"
	"codeblock/internal/routers"
	"codeblock/internal/session"
	"codeblock/internal/utils"
)

const (
	shutdownMessage = "Server is shutting down. Please reconnect."
	shutdownTimeout = 15 * time.Second
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit

	errOutput io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	utils.NewLoggerTo(errOutput).Error("codeblock exited", "error", err.Error())
	exit(1)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := utils.NewLogger()
	defer logger.Sync()

	hubOpts := []session.HubOption{session.WithLogger(logger)}
	deps := api.Deps{
		AdminSecret:    cfg.Auth.AdminJWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Session.SendBuffer,
	}

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		mirror := presence.Connect(cfg.Redis.Addr, logger)
		defer mirror.Close()
		mirror.OnRemoteEvent(func(e models.SessionEvent) {
			logger.Info("block event from peer", "type", e.Type, "block", e.BlockID, "peer", e.Instance)
		})
		hubOpts = append(hubOpts, session.WithObserver(mirror))
		deps.Presence = mirror

		cache = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer cache.Close()
	}

	if cfg.Exercises.URL != "" || cache != nil {
		deps.Exercises = exercises.NewStore(exercises.Options{
			BaseURL:       cfg.Exercises.URL,
			ServiceSecret: cfg.Auth.ServiceJWTSecret,
			CacheTTL:      cfg.Exercises.CacheTTL,
			Redis:         cache,
		}, logger)
	}

	switch cfg.Sandbox.Mode {
	case "docker":
		dr, err := exec.NewDockerRunner()
		if err != nil {
			return err
		}
		deps.Runner = dr
	default:
		deps.Runner = exec.NewRunner(cfg.Sandbox.URL)
	}

	manager := session.NewManager(session.NewHub(hubOpts...), logger)
	deps.Manager = manager
	h := api.NewHandlers(logger, deps)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           routers.New(h, cfg.Server),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("codeblock listening", "addr", srv.Addr, "sandbox", cfg.Sandbox.Mode)
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		manager.Close(shutdownMessage)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("codeblock shutting down", "connections", manager.Count())
	// Hijacked websocket connections are not tracked by Shutdown.
	manager.Close(shutdownMessage)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("codeblock exited")
	return nil
}
