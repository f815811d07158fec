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

	"midas/internal/platform/httpserver"
	platformmetrics "midas/internal/platform/metrics"
	dErrors "midas/pkg/domain-errors"
)

// NewServeCommand creates the serve command, which exposes health and
// metrics for the configured backend until interrupted.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /healthz and /metrics for the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to ops.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, addr string) error {
	app, _, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if addr == "" {
		addr = app.Config.Ops.Addr
	}
	checks := map[string]httpserver.Pinger{"store": app.Service}
	handler := httpserver.NewOpsRouter(checks, app.Registry, platformmetrics.New(app.Registry), app.Logger)
	srv := httpserver.New(addr, handler)

	errCh := make(chan error, 1)
	go func() {
		app.Logger.InfoContext(ctx, "ops_server_started", "addr", addr, "backend", describe(app.Config))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "ops server")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "graceful shutdown failed")
	}
	app.Logger.InfoContext(shutdownCtx, "ops_server_stopped")
	return nil
}
