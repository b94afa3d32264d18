package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

func newConflictsCommand(root *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.engine.ListConflicts(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if list == nil {
				list = []*models.Conflict{}
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newResolveCommand(root *RootOptions) *cobra.Command {
	var (
		strategy string
		data     string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict",
		Long: `Resolve the conflict recorded for an entity. The resolved entity is queued
for the next sync.

Example:
  offlinesync resolve 6f1c... --strategy remote
  offlinesync resolve 6f1c... --strategy merge --data '{"title":"both"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.Strategy(strategy)
			if !st.Valid() || st == models.StrategyManual {
				return errors.Newf(errors.ErrInvalid, "strategy must be local, remote or merge, got %q", strategy)
			}

			var merged json.RawMessage
			if data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New(errors.ErrInvalid, "--data is not valid JSON")
				}
				merged = json.RawMessage(data)
			}

			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			ent, err := s.engine.ResolveConflict(cmd.Context(), args[0], st, merged)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s with %s\n", ent.ID, st)
			return printJSON(cmd.OutOrStdout(), ent)
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "local, remote or merge (required)")
	cmd.Flags().StringVar(&data, "data", "", "merged JSON payload (merge only)")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}
