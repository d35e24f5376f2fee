package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onai-academy/platform/cli/pkg/output"
)

var useCmd = &cobra.Command{
	Use:   "use <server-url>",
	Short: "Save the crmsync server for a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, _ := cmd.Flags().GetString("profile")
		if profile == "" {
			profile = cfg.CurrentProfile
		}
		if profile == "" {
			profile = "default"
		}
		if err := cfg.SetServer(profile, args[0]); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		output.Success("Profile %s now targets %s", profile, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(useCmd)
}
