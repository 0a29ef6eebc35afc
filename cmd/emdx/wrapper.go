package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/emdx-dev/emdx/internal/engine"
)

// newWrapperCmd is the hidden `exec-wrapper` subcommand the engine
// re-invokes itself as. It is the direct parent of the AI binary, so the
// log file gets its lifecycle markers even if the launching process dies.
func newWrapperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "exec-wrapper <execution-id> <log-file> -- <command> [args...]",
		Hidden: true,
		Args:   cobra.MinimumNArgs(3),
		// The wrapper must not open the database or load config; it only
		// writes the log file it was handed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			executionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &usageError{fmt.Errorf("execution id %q: %w", args[0], err)}
			}
			logFile := args[1]
			command := args[2:]
			os.Exit(engine.RunWrapper(executionID, logFile, command))
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}
