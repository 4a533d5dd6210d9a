// Resonance Control Plane, the agent control plane behind the chat gateway.
//
// This is the main entry point. It provides:
//   - Chat gateway webhook ingress (intent routing, dedupe, replies)
//   - Pipeline orchestration with human approval gates
//   - Provider routing with per-workspace budget enforcement
//   - Resonance memory
//   - Admin API with SSE and WebSocket chat streaming
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v3"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/retention"
	"github.com/resonancehq/control-plane/pkg/server"
)

func main() {
	cmd := &cli.Command{
		Name:                  "control-plane",
		Usage:                 "Resonance agent control plane",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (console, json)",
				Value:   "console",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			setupLogging(c.String("log-level"), c.String("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			purgeCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("Control plane exited")
	}
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP server and pipeline workers",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP listen port",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log.Info().Msg("🛰️  Resonance Control Plane starting...")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Port = int(c.Int("port"))

			srv, err := server.NewWithConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(runCtx); err != nil {
				_ = srv.Shutdown(context.Background())
				return err
			}

			// WriteTimeout stays off: SSE and WebSocket chat hold the
			// connection for as long as the answer streams.
			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", srv.Port),
				Handler:           srv.Handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Int("port", srv.Port).Msg("🚀 Control plane ready")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-runCtx.Done():
			case err := <-errCh:
				if err != nil {
					log.Error().Err(err).Msg("HTTP server failed")
				}
			}

			log.Info().Msg("🛑 Shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("HTTP shutdown incomplete")
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Component shutdown incomplete")
			}
			log.Info().Msg("👋 Control plane stopped")
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the store schema and exit",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			s, err := server.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()
			log.Info().Str("driver", cfg.Store.Driver).Msg("✅ Store schema up to date")
			return nil
		},
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Delete finished pipelines older than the retention window and exit",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "older-than",
				Usage:   "Retention window (defaults to PIPELINE_RETENTION)",
				Sources: cli.EnvVars("PIPELINE_RETENTION"),
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			window := cfg.Retention.Window
			if c.IsSet("older-than") {
				window = c.Duration("older-than")
			}
			if window <= 0 {
				return errors.New("retention window must be positive")
			}
			s, err := server.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := retention.NewJanitor(s, window, cfg.Retention.Interval).Sweep(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("purged_pipelines", n).Dur("older_than", window).Msg("🧹 Purge complete")
			return nil
		},
	}
}
