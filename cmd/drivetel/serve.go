package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/drivetel/internal/config"
	"github.com/agentworkforce/drivetel/internal/ingest"
	"github.com/agentworkforce/drivetel/internal/logging"
	"github.com/agentworkforce/drivetel/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept telemetry on /ws and persist it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, levelVar, err := logging.New(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			logger = logger.With("app", "drivetel")
			ctx := cmd.Context()

			if path := configPath(cmd); path != "" {
				err := config.Watch(ctx, path, logger, func(next config.Config) {
					applyLogLevel(logger, levelVar, next.LogLevel)
				})
				if err != nil {
					logger.Warn("config hot reload disabled", "error", err)
				}
			}

			svc, err := newService(cfg, logger)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
			}
			return svc.run(ctx, ln)
		},
	}
	cmd.Flags().String("addr", config.DefaultAddr, "listen address (env DRIVETEL_ADDR)")
	cmd.Flags().String("database-dsn", "", "repository DSN, postgres:// or memory:// (env DRIVETEL_DATABASE_DSN or DATABASE_URL)")
	return cmd
}

func applyLogLevel(logger *slog.Logger, levelVar *slog.LevelVar, raw string) {
	lvl, err := logging.ParseLevel(raw)
	if err != nil {
		logger.Warn("ignoring invalid log level", "log_level", raw, "error", err)
		return
	}
	if levelVar.Level() == lvl {
		return
	}
	levelVar.Set(lvl)
	logger.Info("log level changed", "log_level", lvl.String())
}

type service struct {
	cfg       config.Config
	logger    *slog.Logger
	repo      telemetry.Repository
	processor *telemetry.Processor
	ingest    *ingest.Server
	http      *http.Server
}

func newService(cfg config.Config, logger *slog.Logger) (*service, error) {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return nil, errors.New("database dsn is required (--database-dsn, DRIVETEL_DATABASE_DSN or DATABASE_URL)")
	}
	repo, err := telemetry.BuildRepositoryFromDSN(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	queue, err := telemetry.BuildWorkQueueFromDSN(cfg.QueueDSN, cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("initialize work queue: %w", err)
	}
	metrics := telemetry.NewMetrics()
	processor, err := telemetry.NewProcessor(repo, telemetry.ProcessorOptions{
		Queue:            queue,
		Workers:          cfg.Workers,
		OperationTimeout: cfg.OperationTimeout.Std(),
		Logger:           logger.With("component", "processor"),
		Metrics:          metrics,
	})
	if err != nil {
		return nil, err
	}
	server := ingest.NewServer(processor, ingest.ServerConfig{
		MaxFrameBytes:  cfg.MaxFrameBytes,
		WriteTimeout:   cfg.WriteTimeout.Std(),
		OriginPatterns: cfg.OriginPatterns,
		Logger:         logger.With("component", "ingest"),
		Metrics:        metrics,
	})
	return &service{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		processor: processor,
		ingest:    server,
		http: &http.Server{
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run serves on ln until ctx is done, then stops the listener, disconnects
// clients and stops the processor, draining the queue when configured.
func (s *service) run(ctx context.Context, ln net.Listener) error {
	if err := s.processor.Start(ctx); err != nil {
		_ = ln.Close()
		_ = s.processor.Stop(context.Background(), false)
		return err
	}
	s.logger.Info("drivetel listening",
		"addr", ln.Addr().String(),
		"queue_capacity", humanize.Comma(int64(s.processor.Queue().Capacity())),
		"workers", s.cfg.Workers,
		"max_frame", humanize.IBytes(uint64(s.cfg.MaxFrameBytes)),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.http.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := s.shutdownContext()
	defer cancel()
	started := time.Now()
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop listener: %w", err))
	}
	if err := s.ingest.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}
	if err := s.processor.Stop(shutdownCtx, s.cfg.DrainOnShutdown); err != nil {
		errs = append(errs, fmt.Errorf("stop processor: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "elapsed", time.Since(started).String(), "error", err)
		return err
	}
	s.logger.Info("shutdown complete", "elapsed", time.Since(started).String())
	return nil
}

// shutdownContext bounds shutdown by shutdown_timeout. Zero means no bound.
func (s *service) shutdownContext() (context.Context, context.CancelFunc) {
	if timeout := s.cfg.ShutdownTimeout.Std(); timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
