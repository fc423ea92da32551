package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/alanmeadows/maestro/internal/store"
)

var statusTaskKey string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run, worker, and circuit breaker health",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(storePath())
		if err != nil {
			return err
		}
		defer st.Close()

		if statusTaskKey != "" {
			return printTaskStatus(st, statusTaskKey)
		}

		header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
		dim := lipgloss.NewStyle().Faint(true)

		health, err := st.Health()
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, header.Render("Tasks"))
		fmt.Fprintf(os.Stderr, "  %d total — %d complete, %d blocked, %d in progress\n",
			health.TotalTasks, health.CompleteTasks, health.BlockedTasks, health.InProgressTasks)

		if run, err := st.LatestRun(); err == nil {
			fmt.Fprintln(os.Stderr, header.Render("Latest run"))
			fmt.Fprintf(os.Stderr, "  #%d %s, %d invocation(s)", run.ID, run.Status, run.TotalInvocations)
			if run.ValidationStatus != "" {
				fmt.Fprintf(os.Stderr, ", validation %s", run.ValidationStatus)
			}
			fmt.Fprintln(os.Stderr)
		}

		workers, err := st.ListWorkers()
		if err != nil {
			return err
		}
		if len(workers) > 0 {
			fmt.Fprintln(os.Stderr, header.Render("Workers"))
			for _, w := range workers {
				fmt.Fprintf(os.Stderr, "  #%d %s — %d claim(s), %d completed, %d failed %s\n",
					w.ID, w.Status, w.TotalClaims, w.CompletedClaims, w.FailedClaims,
					dim.Render(fmt.Sprintf("(last heartbeat %s)", w.LastHeartbeat.Format("15:04:05"))))
			}
		}

		breakers, err := st.ListBreakers()
		if err != nil {
			return err
		}
		if len(breakers) > 0 {
			fmt.Fprintln(os.Stderr, header.Render("Circuit breakers"))
			for _, b := range breakers {
				fmt.Fprintf(os.Stderr, "  %s/%s: %s (failures %d, extensions %d)\n",
					b.Level, b.Identifier, b.State, b.FailureCount, b.ExtensionsCount)
			}
		}
		return nil
	},
}

func printTaskStatus(st *store.Store, key string) error {
	t, err := st.GetTaskByKey(key)
	if err != nil {
		return err
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	fmt.Fprintln(os.Stderr, header.Render(fmt.Sprintf("%s — %s", t.Key, t.Title)))
	fmt.Fprintf(os.Stderr, "  status %s, phase %d, sequence %d, complexity %s\n",
		t.Status, t.Phase, t.Sequence, t.Complexity)
	fmt.Fprintf(os.Stderr, "  test %s\n  impl %s\n", t.TestFile, t.ImplFile)

	attempts, err := st.AttemptsForTask(t.ID)
	if err != nil {
		return err
	}
	if len(attempts) > 0 {
		fmt.Fprintln(os.Stderr, header.Render("Attempts"))
		for _, a := range attempts {
			mark := "✗"
			if a.Success {
				mark = "✓"
			}
			fmt.Fprintf(os.Stderr, "  %s %s #%d", mark, a.Stage, a.AttemptNumber)
			if a.ErrorMessage != "" {
				fmt.Fprintf(os.Stderr, " — %s", a.ErrorMessage)
			}
			fmt.Fprintln(os.Stderr)
		}
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusTaskKey, "task", "", "Show the attempt trail for one task key")
}
