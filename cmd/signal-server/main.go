package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/notewire/signal-server/internal/auth"
	"github.com/notewire/signal-server/internal/config"
	"github.com/notewire/signal-server/internal/directory"
	"github.com/notewire/signal-server/internal/httpserver"
	"github.com/notewire/signal-server/internal/metrics"
	"github.com/notewire/signal-server/internal/signaling"
	"github.com/notewire/signal-server/internal/token"
	"github.com/notewire/signal-server/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signal-server",
		"listen_addr", cfg.ListenAddr,
		"tls", cfg.TLSEnabled(),
		"directory", directoryKind(cfg),
		"session_token_ttl", cfg.SessionTokenTTL,
		"auth_token_ttl", cfg.AuthTokenTTL,
	)

	ctx := context.Background()

	dir, closeDir, err := openDirectory(ctx, cfg)
	if err != nil {
		logger.Error("failed to open user directory", "err", err)
		os.Exit(1)
	}
	defer closeDir()

	tokens := token.NewService(cfg.TokenSecret, token.Options{
		SessionTTL: cfg.SessionTokenTTL,
		AuthTTL:    cfg.AuthTokenTTL,
	})
	authenticator := auth.NewAuthenticator(dir, tokens, logger)
	met := metrics.New()

	var turnGen *turnrest.Generator
	if cfg.TURNSharedSecret != "" {
		turnGen, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret: cfg.TURNSharedSecret,
			TTL:          cfg.TURNTTL,
		})
		if err != nil {
			logger.Error("failed to configure TURN credentials", "err", err)
			os.Exit(2)
		}
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(), httpserver.ICEConfig{
		STUNServers: cfg.STUNServers(),
		TURNURL:     cfg.TURNURL,
		TURN:        turnGen,
	})

	api := httpserver.NewAPI(logger, dir, authenticator, met)
	api.RegisterRoutes(srv.Mux())

	sig := signaling.NewServer(signaling.ServerConfig{
		Directory:         dir,
		Tokens:            tokens,
		Logger:            logger,
		Metrics:           met,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendBuffer:        cfg.SessionSendBuffer,
	})
	srv.Mux().Handle("GET /signal", sig)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(met))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func openDirectory(ctx context.Context, cfg config.Config) (directory.Directory, func(), error) {
	if cfg.DatabaseURL == "" {
		return directory.NewMemory(), func() {}, nil
	}
	pg, err := directory.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func directoryKind(cfg config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func resolveBuildInfo() httpserver.BuildInfo {
	commit, built := buildCommit, buildTime
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: built}
}
