package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rollcall/internal/api"
	"github.com/roach88/rollcall/internal/config"
	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/snapshot"
)

// shutdownTimeout bounds the HTTP drain and the engine flush on exit.
const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attendance engine and HTTP API",
		Long: `Open the configured ledger, start the attendance engine and serve the
HTTP API until interrupted.

On SIGINT or SIGTERM the server stops accepting requests, queued snapshots
are written and pending history appends are flushed before exit.

Example:
  rollcall serve
  rollcall serve --config rollcall.yaml --addr 0.0.0.0:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	logFile, err := setupLogging(cmd.ErrOrStderr(), cfg.Log.Level, opts.Verbose, cfg.Log.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	defer logFile.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("failed to close ledger", "error", err)
		}
	}()

	eng, err := newEngine(ctx, cfg, b)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	srv := api.NewServer(eng, b.History, cfg.Server.Addr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	slog.Info("rollcall serving",
		"addr", cfg.Server.Addr,
		"backend", cfg.Ledger.Backend,
		"ledger", cfg.Ledger.Path,
		"policy", cfg.Policy.Kind,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serveErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
	}
	closeErr := eng.Close(shutdownCtx)

	if serveErr != nil {
		return WrapExitError(ExitCommandError, "server failed", serveErr)
	}
	if closeErr != nil {
		return WrapExitError(ExitFailure, "engine did not stop cleanly", closeErr)
	}
	return nil
}

// newEngine builds an engine over b from cfg.
func newEngine(ctx context.Context, cfg *config.Config, b *backend) (*engine.Engine, error) {
	pcfg, err := cfg.PolicyConfig()
	if err != nil {
		return nil, err
	}

	archive := snapshot.New(cfg.Snapshots.Dir,
		snapshot.WithSize(cfg.Snapshots.Size),
		snapshot.WithQuality(cfg.Snapshots.Quality),
		snapshot.WithEnrollmentDir(cfg.Snapshots.EnrollmentDir),
	)

	eng, err := engine.New(ctx, b.Ledger, b.History, archive,
		engine.WithPolicy(pcfg),
		engine.WithThreshold(engine.Threshold{
			Value:         cfg.Recognition.Threshold,
			LowerIsBetter: cfg.Recognition.LowerIsBetter,
		}),
		engine.WithWriteTimeout(cfg.Ledger.WriteTimeout),
		engine.WithRetryInterval(cfg.History.RetryInterval),
		engine.WithRecordRejections(cfg.History.RecordRejections),
		engine.WithSnapshotQueue(cfg.Snapshots.QueueSize),
	)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return eng, nil
}
