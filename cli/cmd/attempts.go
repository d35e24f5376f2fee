package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onai-academy/platform/cli/pkg/output"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts <dedup-key>",
	Short: "Show the sync attempts recorded for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		res, err := newClient(cmd).Attempts(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get attempts: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(res)
		}

		output.Info("Event %s: %s", res.DedupKey, output.Status(res.Status))
		table := output.NewTable([]string{"TARGET", "STATUS", "ATTEMPTS", "REASON", "ROUTED BY", "STARTED", "LAST ERROR"})
		for _, a := range res.Attempts {
			table.AddRow([]string{
				a.Target,
				output.Status(a.Status),
				fmt.Sprint(a.AttemptCount),
				a.ErrorReason,
				a.RoutingReason,
				formatTime(a.StartedAt),
				a.LastError,
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(attemptsCmd)
}
