package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onai-academy/platform/cli/pkg/output"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile queue inspection and replay",
	Long:  "Inspect, replay and purge events whose sync failed and were parked for reconciliation",
}

var reconcileListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List parked events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := requestContext(cmd)
		defer cancel()
		list, err := newClient(cmd).Reconcile(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list reconcile queue: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(list)
		}

		output.Info("Backend: %s, pending: %d", list.Stats.Backend, list.Stats.Pending)
		if len(list.Entries) == 0 {
			output.Info("No parked events")
			return nil
		}

		table := output.NewTable([]string{"ID", "ENTITY", "EVENT", "TARGETS", "REASON", "REPLAYS", "PARKED"})
		for _, e := range list.Entries {
			table.AddRow([]string{
				e.ID,
				e.Event.ExternalEntityID,
				e.Event.EventType,
				strings.Join(e.Targets, ","),
				e.Reason,
				fmt.Sprint(e.Replays),
				formatTime(e.CreatedAt),
			})
		}
		table.Render()
		return nil
	},
}

var reconcileReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay parked events now",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := requestContext(cmd)
		defer cancel()
		res, err := newClient(cmd).Replay(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to replay reconcile queue: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(res)
		}
		output.Success("Replayed %d event(s)", res.Replayed)
		if res.Failed > 0 {
			output.Warn("%d event(s) could not be replayed and stay parked", res.Failed)
		}
		return nil
	},
}

var reconcilePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every parked event",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			output.Warn("This drops every parked event; re-run with --yes to confirm")
			return nil
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := newClient(cmd).PurgeReconcile(ctx); err != nil {
			return fmt.Errorf("failed to purge reconcile queue: %w", err)
		}
		output.Success("Reconcile queue purged")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileListCmd)
	reconcileCmd.AddCommand(reconcileReplayCmd)
	reconcileCmd.AddCommand(reconcilePurgeCmd)

	reconcileListCmd.Flags().Int("limit", 50, "maximum entries to list")
	reconcileReplayCmd.Flags().Int("limit", 100, "maximum entries to replay")
	reconcilePurgeCmd.Flags().Bool("yes", false, "confirm purging the queue")
}
