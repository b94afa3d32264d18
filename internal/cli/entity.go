package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/models"
)

func newSaveCommand(root *RootOptions) *cobra.Command {
	var (
		id, entityType, priority, data, userID string
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Create or replace an entity",
		Long: `Save an entity to the local store and queue it for sync.

Example:
  offlinesync save --type task --priority high --data '{"title":"buy milk"}'
  offlinesync save --id 6f1c... --type task --data '{"title":"buy oat milk"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			ent, err := s.engine.SaveEntity(cmd.Context(), &models.Entity{
				ID:         id,
				EntityType: entityType,
				Priority:   models.Priority(priority),
				Data:       json.RawMessage(data),
				UserID:     userID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ent)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "entity id (a UUID is generated when empty)")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type (required)")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityMedium), "low, medium, high or critical")
	cmd.Flags().StringVar(&data, "data", "{}", "JSON payload")
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newGetCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			ent, err := s.engine.GetEntity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ent)
		},
	}
}

func newDeleteCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity locally",
		Long:  "Delete an entity from the local store. The deletion is not pushed to the remote.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.engine.DeleteEntity(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newListCommand(root *RootOptions) *cobra.Command {
	var (
		entityType string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities of a type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			out := make([]*models.Entity, 0)
			for ent, err := range s.engine.QueryByType(cmd.Context(), entityType, limit) {
				if err != nil {
					return err
				}
				out = append(out, ent)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&entityType, "type", "", "entity type (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entities, 0 for all")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
