package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/onai-academy/platform/cli/pkg/output"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sync throughput, errors and backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")

		ctx, cancel := requestContext(cmd)
		defer cancel()
		st, err := newClient(cmd).Stats(ctx, window)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		if jsonOutput(cmd) {
			return output.JSON(st)
		}

		output.Info("Window: %s", time.Duration(st.WindowSeconds)*time.Second)
		table := output.NewTable([]string{"METRIC", "VALUE"})
		table.AddRow([]string{"events seen", fmt.Sprint(st.EventsSeen)})
		table.AddRow([]string{"partial events", fmt.Sprint(st.PartialEvents)})
		table.AddRow([]string{"throughput/s", fmt.Sprintf("%.2f", st.Throughput)})
		table.AddRow([]string{"queue depth", fmt.Sprint(st.QueueDepth)})
		table.AddRow([]string{"est. drain", (time.Duration(st.EstimatedDrainSeconds * float64(time.Second))).Round(time.Second).String()})
		table.AddRow([]string{"reconcile pending", fmt.Sprint(st.ReconcilePending)})
		table.AddRow([]string{"active locks", fmt.Sprint(st.ActiveLocks)})
		for _, k := range sortedKeys(st.Attempts) {
			table.AddRow([]string{"attempts " + output.Status(k), fmt.Sprint(st.Attempts[k])})
		}
		for _, k := range sortedKeys(st.Errors) {
			table.AddRow([]string{"errors " + k, fmt.Sprint(st.Errors[k])})
		}
		for _, k := range sortedKeys(st.Breakers) {
			table.AddRow([]string{"breaker " + k, output.Status(st.Breakers[k])})
		}
		table.Render()
		return nil
	},
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Duration("window", time.Hour, "look-back window")
}
