package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/alanmeadows/maestro/internal/decompose"
	"github.com/alanmeadows/maestro/internal/llm"
	"github.com/alanmeadows/maestro/internal/store"
)

var decomposeCmd = &cobra.Command{
	Use:   "decompose <prd-file>",
	Short: "Decompose a PRD into a validated task DAG",
	Long: `Parses the PRD, runs the multi-pass LM decomposition, validates the
resulting task set (cycles, uniqueness, integration boundaries, spec
conformance), and persists it. Validation failures abort before anything is
written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prd, err := decompose.ParsePRDFile(args[0])
		if err != nil {
			return &exitError{code: ExitConfigError, msg: err.Error()}
		}

		st, err := store.Open(storePath())
		if err != nil {
			return err
		}
		defer st.Close()

		transport := llm.NewSubprocessTransport(appConfig.Transport.Binary, appConfig.Transport.Args...)
		pipeline := decompose.NewPipeline(transport, appConfig, projectDir)

		tasks, err := pipeline.Decompose(cmd.Context(), prd)
		if err != nil {
			return &exitError{code: ExitConfigError, msg: err.Error()}
		}

		if err := pipeline.Persist(st, tasks); err != nil {
			return err
		}

		style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
		fmt.Fprintf(os.Stderr, "%s\n", style.Render(
			fmt.Sprintf("✓ Decomposed %q into %d tasks", prd.Meta.Title, len(tasks))))
		return nil
	},
}
