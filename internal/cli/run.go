package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/alanmeadows/maestro/internal/breaker"
	"github.com/alanmeadows/maestro/internal/llm"
	"github.com/alanmeadows/maestro/internal/metrics"
	"github.com/alanmeadows/maestro/internal/pool"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/tools"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute all pending tasks through the worker pool",
	Long: `Starts an execution run: workers claim tasks phase by phase, drive each
through the TDD pipeline, and the run finishes with end-of-run validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(storePath())
		if err != nil {
			return err
		}
		defer st.Close()

		collector := metrics.NewCollector(prometheus.NewRegistry())

		breakers := breaker.NewManager(st, appConfig.Breakers)
		breakers.OnStateChange(collector.ObserveBreaker)

		toolchain := tools.NewToolchain(filepath.Join(projectDir, appConfig.Tools.Interpreter))

		orch := &pool.Orchestrator{
			Store:     st,
			Transport: llm.NewSubprocessTransport(appConfig.Transport.Binary, appConfig.Transport.Args...),
			Tools:     toolchain,
			Toolchain: toolchain,
			Breakers:  breakers,
			Metrics:   collector,
			Config:    appConfig,
			BaseDir:   projectDir,
		}

		result, err := orch.Run(cmd.Context())
		if err != nil {
			if errors.Is(err, pool.ErrSystemCircuitOpen) {
				printRunSummary(result)
				return &exitError{code: ExitSystemOpen, msg: err.Error()}
			}
			if errors.Is(err, pool.ErrBudgetExhausted) {
				printRunSummary(result)
				return &exitError{code: ExitTasksBlocked, msg: err.Error()}
			}
			return err
		}

		printRunSummary(result)

		switch {
		case result.SystemOpen:
			return &exitError{code: ExitSystemOpen, msg: "system circuit open"}
		case result.GateFailed, result.Validation != nil && result.Validation.Status != "passed":
			return &exitError{code: ExitValidationFailed, msg: "end-of-run validation failed"}
		case result.Blocked > 0:
			return &exitError{code: ExitTasksBlocked, msg: fmt.Sprintf("%d task(s) blocked", result.Blocked)}
		default:
			return nil
		}
	},
}

func printRunSummary(result *pool.Result) {
	if result == nil {
		return
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	fmt.Fprintf(os.Stderr, "\n%s\n", headerStyle.Render(fmt.Sprintf("Run %d", result.RunID)))
	fmt.Fprintln(os.Stderr, okStyle.Render(fmt.Sprintf("  ✓ %d task(s) complete", result.Completed)))
	if result.Blocked > 0 {
		fmt.Fprintln(os.Stderr, failStyle.Render(fmt.Sprintf("  ✗ %d task(s) blocked", result.Blocked)))
	}
	if result.Validation != nil {
		line := fmt.Sprintf("  validation: %s (%d regression(s), %.1fs)",
			result.Validation.Status, len(result.Validation.Regressions),
			result.Validation.ValidationWallClockS)
		if result.Validation.Status == "passed" {
			fmt.Fprintln(os.Stderr, okStyle.Render(line))
		} else {
			fmt.Fprintln(os.Stderr, failStyle.Render(line))
		}
	}
}

func storePath() string {
	if filepath.IsAbs(appConfig.Store.Path) {
		return appConfig.Store.Path
	}
	return filepath.Join(projectDir, appConfig.Store.Path)
}
