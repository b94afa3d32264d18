package cli

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/sync/remote/httpserver"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(root *RootOptions) *cobra.Command {
	var (
		addr   string
		secret string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory reference sync server",
		Long: `Run the reference sync server that the http remote talks to. Records live in
memory and are lost on exit; use it for development and tests.

Example:
  offlinesync serve --addr :8081 --jwt-secret dev-secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = root.cfg.Remote.JWTSecret
			}
			if secret == "" {
				return WrapExitError(ExitConfigError, "serve", errors.Config("a JWT secret is required (--jwt-secret or remote.jwt_secret)"))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logging.Info("Reference sync server listening", map[string]interface{}{"addr": addr})
			return serveHTTP(ctx, addr, httpserver.New(secret).Routes())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8081", "listen address")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HMAC secret for bearer tokens (defaults to remote.jwt_secret)")
	return cmd
}

// serveHTTP serves handler on addr until ctx is done, then shuts down
// gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Network("listen "+addr, err)
	case <-ctx.Done():
	}

	logging.Info("Shutting down HTTP server", map[string]interface{}{"addr": addr})
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP server shutdown error", err)
		return err
	}
	return nil
}
