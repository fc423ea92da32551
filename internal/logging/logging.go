// Package logging builds the orchestrator's logger. Construction is explicit:
// callers pass the destination writer and receive the logger back, mirroring
// how the orchestrator threads its other dependencies. Only the CLI entry
// point installs the result as the process default.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// New builds a slog.Logger over charmbracelet/log writing to w. Terminal
// writers get the colored text format; anything else gets JSON so worker and
// stage logs stay machine-readable under CI.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}

	handler := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           level,
		Prefix:          "maestro",
	})

	if !writerIsTerminal(w) {
		handler.SetFormatter(charmlog.JSONFormatter)
	}

	return slog.New(handler)
}

// Setup installs a stderr logger as the process default. Called exactly once,
// from the CLI's persistent pre-run.
func Setup(verbose bool) {
	slog.SetDefault(New(os.Stderr, verbose))
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
