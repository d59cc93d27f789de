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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/voicecall/internal/config"
)

var (
	verbose bool
	addr    string
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "voicecall",
	Short: "Voice call agent server",
	Long: `voicecall serves a browser voice call with an LLM-backed companion.

Each WebSocket connection on /call hosts one call session. Speech recognition
and synthesis run in the browser or server side, per RECOGNITION_ENGINE and
SYNTHESIS_ENGINE.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDRESS)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, warnings, err := config.Load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddress = addr
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           a.http.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			zap.String("addr", cfg.HTTPAddress),
			zap.String("recognition", cfg.Recognition),
			zap.String("synthesis", cfg.Synthesis),
			zap.String("llm", cfg.LLMModel))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Int("calls", a.calls.Active()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.calls.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			return server.Close()
		}
		return nil
	})
	return g.Wait()
}
