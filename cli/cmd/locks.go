package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onai-academy/platform/cli/pkg/output"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Entity lock inspection and recovery",
}

var locksListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List live entity locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		locks, err := newClient(cmd).Locks(ctx)
		if err != nil {
			return fmt.Errorf("failed to list locks: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(locks)
		}
		if len(locks) == 0 {
			output.Info("No entity locks held")
			return nil
		}

		table := output.NewTable([]string{"ENTITY", "OWNER", "EXPIRES IN"})
		for _, l := range locks {
			table.AddRow([]string{l.Key, l.Owner, time.Until(l.ExpiresAt).Round(time.Second).String()})
		}
		table.Render()
		return nil
	},
}

var locksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Force-release every entity lock",
	Long: `Force-release every entity lock.

Workers holding a cleared lock lose mutual exclusion for their entity and may
write concurrently with a new holder. Use only to recover from stuck locks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			output.Warn("This force-releases every entity lock; re-run with --yes to confirm")
			return nil
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		n, err := newClient(cmd).ClearLocks(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear locks: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(map[string]int{"cleared": n})
		}
		output.Success("Cleared %d lock(s)", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksClearCmd)

	locksClearCmd.Flags().Bool("yes", false, "confirm clearing all locks")
}
