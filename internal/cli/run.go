package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/api"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/network"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

func newRunCommand(root *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background sync scheduler",
		Long: `Run periodic sync cycles, sync again when the network comes back and purge
old synced entities. With --listen the control API and event stream are
served on the given address.

Example:
  offlinesync run --config offlinesync.yaml --listen 127.0.0.1:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := root.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if p, ok := s.monitor.(*network.Prober); ok {
				p.Start(ctx)
				defer p.Stop()
			}

			sched := scheduler.NewScheduler(s.engine, s.monitor, scheduler.ConfigFrom(s.cfg))
			sched.Start(ctx)
			defer sched.Stop()

			logging.Info("Sync scheduler running", map[string]interface{}{
				"data_dir": s.cfg.DataDir,
				"remote":   s.cfg.Remote.Kind,
				"interval": s.cfg.SyncInterval().String(),
			})

			if listen == "" {
				<-ctx.Done()
				return nil
			}

			hub := api.NewHub()
			go hub.Run(ctx)
			unsubscribe := s.engine.Subscribe(hub.Publish)
			defer unsubscribe()

			handler := api.NewSyncHandler(s.engine, sched, hub)
			logging.Info("Control API listening", map[string]interface{}{"addr": listen})
			return serveHTTP(ctx, listen, handler.Routes())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "serve the control API on this address")
	return cmd
}
