package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/labor-events/api"
	"github.com/warp/labor-events/pipeline"
)

func newServeCmd() *cobra.Command {
	var port int
	var schedule bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("scheduler") {
				a.cfg.Scheduler.Enabled = schedule
			}
			return serve(ctx, a)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port (overrides config)")
	cmd.Flags().BoolVar(&schedule, "scheduler", false, "Run the dispatch scheduler in-process (overrides config)")
	return cmd
}

// serve runs the API until ctx is cancelled, then drains requests within
// the configured shutdown budget.
func serve(ctx context.Context, a *app) error {
	handler := api.NewHandler(a.svc, a.rubrics, a.store, a.logger.Named("api"))

	scheduler := api.NewDispatchScheduler(pipeline.NewDispatcher(a.svc), a.cfg.Scheduler.Interval, a.logger)
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, a.cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server_starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server_stopped")
	return nil
}
