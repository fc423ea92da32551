package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanmeadows/maestro/internal/breaker"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and manage circuit breakers",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <level> <identifier>",
	Short: "Force a circuit breaker closed and clear its counters",
	Long: `Manually resets a circuit breaker. Level is one of stage, worker, or
system; the identifier is the stage name (e.g. "green"), "worker:<id>", or
"system".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := task.BreakerLevel(args[0])
		switch level {
		case task.BreakerStage, task.BreakerWorker, task.BreakerSystem:
		default:
			return fmt.Errorf("unknown breaker level %q (want stage, worker, or system)", args[0])
		}

		st, err := store.Open(storePath())
		if err != nil {
			return err
		}
		defer st.Close()

		manager := breaker.NewManager(st, appConfig.Breakers)
		if err := manager.Reset(level, args[1]); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "✓ breaker %s/%s reset\n", level, args[1])
		return nil
	},
}

func init() {
	breakerCmd.AddCommand(breakerResetCmd)
}
