package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onai-academy/platform/cli/internal/client"
	"github.com/onai-academy/platform/cli/internal/config"
	"github.com/onai-academy/platform/cli/pkg/output"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "crmsyncctl",
	Short: "CRM sync operator CLI",
	Long: `crmsyncctl is the command-line interface for the CRM sync service.

Inspect throughput and failures, trace an event's sync attempts, recover
stuck entity locks and replay the reconcile queue from your terminal.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.crmsyncctl/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("server", "", "crmsync base URL, overrides the profile")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

// newClient builds an API client from --server or the selected profile.
func newClient(cmd *cobra.Command) *client.SyncClient {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		profile, _ := cmd.Flags().GetString("profile")
		server = cfg.ServerURL(profile)
	}
	return client.NewSyncClient(server)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
