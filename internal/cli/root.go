// Package cli wires the maestro commands. Exit codes: 0 run passed, 1 tasks
// blocked, 2 validation failed, 3 system circuit open, 4 configuration or PRD
// parse error.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes for batch callers.
const (
	ExitPassed           = 0
	ExitTasksBlocked     = 1
	ExitValidationFailed = 2
	ExitSystemOpen       = 3
	ExitConfigError      = 4
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var (
	verbose    bool
	configPath string
	projectDir string
	appConfig  *config.Config
	rootCmd    = &cobra.Command{
		Use:   "maestro",
		Short: "Parallel TDD task execution engine",
		Long: `Maestro drives a PRD-derived task DAG through a red-green-refactor state
machine with a pool of parallel LM workers, a three-level circuit breaker
hierarchy, per-phase gates, and end-of-run validation.

Run 'maestro <command> --help' for details on any subcommand.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file override")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project workspace directory")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logging.Setup(verbose)
		cfg, err := config.Load(projectDir, configPath)
		if err != nil {
			return &exitError{code: ExitConfigError, msg: err.Error()}
		}
		appConfig = cfg
		return nil
	}

	rootCmd.AddCommand(decomposeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}
