package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/observability"
	"github.com/wysh3/searchrelay/internal/search"
)

var (
	askPriority int
	askTimeout  time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask \"question\"",
	Short: "Run one query through the relay and print the answer.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		components, err := NewComponents(cmd.Context())
		if err != nil {
			return err
		}
		defer components.Shutdown.Shutdown(cmd.Context())

		answer, err := components.Search.PerformSearch(cmd.Context(), search.Request{
			Query:    args[0],
			Priority: askPriority,
			Timeout:  askTimeout,
		})
		if err != nil {
			logger.Error("Query failed", zap.Error(err))
			fmt.Fprintln(cmd.ErrOrStderr(), search.UserMessage(err))
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), answer)
		return nil
	},
}

func init() {
	askCmd.Flags().IntVarP(&askPriority, "priority", "p", search.DefaultPriority,
		"queue priority; higher runs earlier")
	askCmd.Flags().DurationVarP(&askTimeout, "timeout", "t", 5*time.Minute,
		"overall budget including queueing and retries")
}
