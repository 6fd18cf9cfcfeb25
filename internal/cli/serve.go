package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"recording-upload-queue/internal/api"
	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/telemetry"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue with its local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The daemon always logs.
			opts.verbose = true
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return opts.withApp(cmd, serve)
		},
	}
}

func serve(ctx context.Context, app *App) error {
	cfg, logger := app.Config, app.Logger

	var limiter api.Limiter
	if app.Limiter != nil {
		limiter = app.Limiter
	}
	server := api.New(app.Engine, limiter, app.Manual, logger)

	g, ctx := errgroup.WithContext(ctx)
	servers := []*http.Server{{Addr: cfg.HTTPAddr, Handler: server.Router()}}
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()})
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error { return listen(ctx, logger, srv) })
	}
	if app.Prober != nil {
		g.Go(func() error {
			if err := app.Prober.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// Pick up whatever was left pending by the previous run.
	if app.Engine.Settings().AutoRetryEnabled {
		app.Engine.StartPass()
	}
	logger.Info(ctx, "uploadq serving", "http_addr", cfg.HTTPAddr, "metrics_addr", cfg.MetricsAddr,
		"state_backend", cfg.StateBackend, "transport", cfg.Transport)

	return g.Wait()
}

func listen(ctx context.Context, logger logging.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", "addr", srv.Addr, "error", err)
	}
	return nil
}
