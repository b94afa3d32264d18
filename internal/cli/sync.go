package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/network"
)

func newQueueCommand(root *RootOptions) *cobra.Command {
	var (
		limit int
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the entity ids eligible for the next sync, in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			if stats {
				counts, err := s.engine.Queue().GetStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), counts)
			}

			ids, err := s.engine.Queue().PendingIDs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of ids")
	cmd.Flags().BoolVar(&stats, "stats", false, "print entity counts per sync status instead of ids")
	return cmd
}

func newSyncCommand(root *RootOptions) *cobra.Command {
	var forceOnline bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the configured remote",
		Long: `Run one sync cycle. Connectivity is taken from probe_url when configured;
--force-online skips the check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := root.openSession(ctx, forceOnline)
			if err != nil {
				return err
			}
			defer s.Close()

			if p, ok := s.monitor.(*network.Prober); ok {
				p.Probe(ctx)
			}

			start := time.Now()
			stats, err := s.engine.RunSyncCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"stats":       stats,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		},
	}

	cmd.Flags().BoolVar(&forceOnline, "force-online", false, "treat the device as connected over wifi")
	return cmd
}

func newStatsCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print sync statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.engine.RefreshStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newRetryFailedCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed [id...]",
		Short: "Queue failed entities for another attempt",
		Long:  "Move failed entities back to pending with a fresh retry budget. Without ids every failed entity is requeued.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.engine.ResetFailed(cmd.Context(), args...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", n)
			return nil
		},
	}
}

func newPurgeCommand(root *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove synced entities older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.engine.PurgeSynced(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of purged entities")
	return cmd
}
