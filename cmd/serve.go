package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/api"
)

// newServeCmd creates and configures the 'serve' subcommand, which hosts the
// read-only operations API over the ledger and quota state.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the read-only operations API",
		Long: `Exposes health, readiness, Prometheus metrics, per-source ledger stats,
and quota state over HTTP. The server is read-only; runs are started with
the run command.`,

		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}

	if a.Cfg.Server.Port == 0 {
		return errors.New("serve requires server.port to be set")
	}

	srv := api.NewServer(a.Store, nil, a.Quota, a.Logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("ops server listening", zap.Int("port", a.Cfg.Server.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down ops server: %w", err)
		}
		a.Logger.Info("ops server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve ops api: %w", err)
	}
}
