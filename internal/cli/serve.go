package cli

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

	"github.com/lcbro/lcbro/internal/api"
	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/internal/discovery"
	"github.com/lcbro/lcbro/internal/launcher"
	"github.com/lcbro/lcbro/internal/metrics"
	"github.com/lcbro/lcbro/internal/profile"
	"github.com/lcbro/lcbro/internal/proxy"
	"github.com/lcbro/lcbro/internal/ratelimit"
	"github.com/lcbro/lcbro/internal/session"
)

const (
	imagePullTimeout = 5 * time.Minute
	limiterIdle      = 10 * time.Minute
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	cdpCfg := cfg.Browser.CDP
	m := metrics.New()

	dir, err := discovery.NewDirectory(cdpCfg, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create browser directory: %w", err)
	}

	profiles, err := profile.NewStore(cdpCfg.Launch.ProfileDir, logger)
	if err != nil {
		return err
	}

	var browsers *launcher.Launcher
	if cdpCfg.Launch.AutoLaunch {
		browsers = startLauncher(ctx, cdpCfg.Launch, profiles, dir, logger)
	}

	sessionOpts := session.Options{
		Config:    cdpCfg,
		Directory: dir,
		Metrics:   m,
		Logger:    logger,
	}
	if browsers != nil {
		sessionOpts.Launcher = browsers
		defer browsers.Close()
	}
	manager := session.NewManager(sessionOpts)
	activeContexts := func() int { return len(manager.ActiveContexts()) }

	// keep a nil *Launcher out of the interface
	var handler *api.Handler
	if browsers != nil {
		handler = api.NewHandler(dir, browsers, activeContexts, logger)
	} else {
		handler = api.NewHandler(dir, nil, activeContexts, logger)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		go sweepLimiter(ctx, limiter)
	}

	contexts := api.NewContextHandler(manager, proxy.NewServer(manager, logger), logger)
	router := handler.SetupRoutes(contexts, api.NewProfileHandler(profiles), limiter, m)
	srv := api.NewServer(cfg.Server, router)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("cdpHost", cdpCfg.Host),
			zap.Int("cdpPort", cdpCfg.Port),
			zap.Bool("remote", cdpCfg.Remote.Enabled),
			zap.Bool("autoLaunch", cdpCfg.Launch.AutoLaunch))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			manager.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
	return nil
}

// startLauncher returns nil when Docker is unavailable; serving continues without launching
func startLauncher(ctx context.Context, cfg config.LaunchConfig, profiles *profile.Store, dir *discovery.Directory, logger *zap.Logger) *launcher.Launcher {
	l, err := launcher.New(cfg, profiles, dir.Scanner(), logger)
	if err != nil {
		logger.Warn("browser launching disabled", zap.Error(err))
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, imagePullTimeout)
	defer cancel()

	logger.Info("ensuring browser image", zap.String("image", cfg.Image))
	if err := l.EnsureImage(pullCtx); err != nil {
		logger.Warn("browser launching disabled", zap.String("image", cfg.Image), zap.Error(err))
		l.Close()
		return nil
	}
	return l
}

func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep(limiterIdle)
		}
	}
}
