// File: cmd/watch.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/slotwatch/internal/availability"
	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
	"github.com/xkilldash9x/slotwatch/internal/interstitial"
	"github.com/xkilldash9x/slotwatch/internal/notify"
	"github.com/xkilldash9x/slotwatch/internal/observability"
	"github.com/xkilldash9x/slotwatch/internal/scheduler"
	"github.com/xkilldash9x/slotwatch/internal/session"
)

// pageProvider is a browser.PageProvider that must be released exactly once.
type pageProvider interface {
	browser.PageProvider
	Close() error
}

// Replaced in tests.
var (
	newPageProvider = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (pageProvider, error) {
		return browser.NewManager(ctx, cfg, logger)
	}
	newSender = func(cfg *config.Config, logger *zap.Logger) notify.Sender {
		return notify.NewSMTPSender(cfg, logger)
	}
)

const metricsShutdownTimeout = 5 * time.Second

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log in and poll the booking page, sending one alert per slot appearance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if err := cfg.ValidateCredentials(true); err != nil {
				return err
			}
			return runWatch(ctx, cfg, observability.GetLogger())
		},
	}
	cmd.Flags().Duration("interval", 0, "base poll interval (overrides schedule.interval)")
	cmd.Flags().Duration("jitter", 0, "maximum random offset added to each interval")
	cmd.Flags().Bool("rearm", false, "alert again when slots disappear and later reappear")
	cmd.Flags().Bool("day-gating", false, "only count slots whose context names a target day")
	cmd.Flags().Bool("headless", true, "run Chrome without a window")
	cmd.Flags().String("metrics", "", "listen address for the Prometheus endpoint, e.g. :9090")
	return cmd
}

// components is everything one monitoring run needs, built over a single page provider.
type components struct {
	provider  pageProvider
	diag      diagnostics.Sink
	sessions  *session.Manager
	scanner   *availability.Scanner
	scheduler *scheduler.Scheduler
}

func buildComponents(ctx context.Context, cfg *config.Config, sender notify.Sender, logger *zap.Logger) (*components, error) {
	provider, err := newPageProvider(ctx, cfg.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	var diag diagnostics.Sink = diagnostics.Nop{}
	if cfg.Diagnostics.Enabled {
		sink, err := diagnostics.NewFileSink(cfg.Diagnostics, provider, logger)
		if err != nil {
			logger.Warn("Diagnostics disabled.", zap.Error(err))
		} else {
			diag = sink
			logger.Info("Diagnostics enabled.", zap.String("dir", sink.Dir()))
		}
	}

	dismisser := interstitial.New(cfg.Interstitial, cfg.Vocabulary, diag, logger)
	sessions := session.NewManager(cfg, provider, dismisser, diag, logger)
	scanner := availability.NewScanner(cfg, provider, dismisser, sessions, diag, logger)
	return &components{
		provider:  provider,
		diag:      diag,
		sessions:  sessions,
		scanner:   scanner,
		scheduler: scheduler.New(cfg, provider, sessions, scanner, sender, diag, logger),
	}, nil
}

// runWatch runs the poll loop and, when configured, the metrics endpoint. The browser is
// released on every exit path.
func runWatch(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logConfiguration(logger, cfg)

	c, err := buildComponents(ctx, cfg, newSender(cfg, logger), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.provider.Close(); err != nil {
			logger.Warn("Failed to release browser.", zap.Error(err))
		}
		logger.Info("Browser released.")
	}()

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	g.Go(func() error {
		defer stopLoop()
		return c.scheduler.Run(loopCtx)
	})

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", scheduler.MetricsHandler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Serving metrics.", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-loopCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Info("Shutdown requested; monitoring stopped.")
	}
	return nil
}
