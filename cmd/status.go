package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd launches the stack and prints a one-shot health report. Mainly
// useful for verifying a deployment's browser and selector configuration.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Initialize the stack and report pool, queue, and health state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		components, err := NewComponents(cmd.Context())
		if err != nil {
			return err
		}
		defer components.Shutdown.Shutdown(cmd.Context())

		out := cmd.OutOrStdout()

		pool := components.Pool.Status()
		fmt.Fprintf(out, "pool:    %d total, %d in use, %d available\n",
			pool.Total, pool.InUse, pool.Available)

		qs := components.Queue.GetStats()
		fmt.Fprintf(out, "queue:   depth %d, tokens %d\n", qs.Depth, qs.Tokens)

		fmt.Fprintf(out, "breaker: %s\n", components.Breaker.GetState())

		for _, r := range components.Health.CheckAll(cmd.Context()) {
			fmt.Fprintf(out, "check %-14s %s\n", r.Name+":", r.Status)
		}
		return nil
	},
}
