// Package gate holds the cross-task checks: the phase gate run between
// phases, the end-of-run validator, and the heuristic evaluation of done and
// acceptance criteria. Everything here is diagnostic except the phase gate
// verdict, which stops the pool from advancing.
package gate

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/alanmeadows/maestro/internal/prompt"
	"github.com/alanmeadows/maestro/internal/task"
	"github.com/alanmeadows/maestro/internal/tools"
)

// Criterion statuses.
const (
	StatusSatisfied    = "satisfied"
	StatusUnsatisfied  = "unsatisfied"
	StatusUnverifiable = "unverifiable"
)

// CriterionResult is the heuristic verdict for one criterion string.
type CriterionResult struct {
	Criterion string `json:"criterion"`
	Status    string `json:"status"`
	Matcher   string `json:"matcher"`
}

var (
	doneExportsRe    = regexp.MustCompile(`(?i)\bexports?\s+([A-Za-z_][A-Za-z0-9_]*)`)
	doneFileExistsRe = regexp.MustCompile(`(?i)\bfile\s+(\S+)\s+exists`)
	doneImportableRe = regexp.MustCompile(`(?i)\b(?:importable|can import)\b`)
	doneTestsPassRe  = regexp.MustCompile(`(?i)\btests?\s+pass`)
)

// EvaluateDoneCriteria evaluates a task's free-text done criteria line by
// line. Matchers are order-independent; unmatched lines are unverifiable.
// Results are advisory only.
func EvaluateDoneCriteria(ctx context.Context, tc *tools.Toolchain, baseDir string, t *task.Task) []CriterionResult {
	var results []CriterionResult

	for _, line := range strings.Split(t.DoneCriteria, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* "))
		if line == "" {
			continue
		}
		results = append(results, evaluateDoneCriterion(ctx, tc, baseDir, t, line))
	}
	return results
}

func evaluateDoneCriterion(ctx context.Context, tc *tools.Toolchain, baseDir string, t *task.Task, criterion string) CriterionResult {
	switch {
	case doneTestsPassRe.MatchString(criterion):
		// The VERIFY gate already proved this on the path that got us here.
		return CriterionResult{Criterion: criterion, Status: StatusSatisfied, Matcher: "tests_pass"}

	case doneFileExistsRe.MatchString(criterion):
		m := doneFileExistsRe.FindStringSubmatch(criterion)
		status := StatusUnsatisfied
		if fileExists(filepath.Join(baseDir, m[1])) {
			status = StatusSatisfied
		}
		return CriterionResult{Criterion: criterion, Status: status, Matcher: "file_exists"}

	case doneExportsRe.MatchString(criterion), doneImportableRe.MatchString(criterion):
		symbol := ""
		if m := doneExportsRe.FindStringSubmatch(criterion); m != nil {
			symbol = m[1]
		}
		status := StatusUnsatisfied
		if importCheck(ctx, tc, baseDir, t.ImplFile, symbol) {
			status = StatusSatisfied
		}
		return CriterionResult{Criterion: criterion, Status: status, Matcher: "importable"}

	default:
		return CriterionResult{Criterion: criterion, Status: StatusUnverifiable, Matcher: "fallback"}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// importCheck verifies via subprocess that the impl module imports, and that
// the symbol (when given) is an attribute of it.
func importCheck(ctx context.Context, tc *tools.Toolchain, baseDir, implFile, symbol string) bool {
	if tc == nil || implFile == "" {
		return false
	}

	module := prompt.ImportPath(implFile)
	code := "import " + module
	if symbol != "" {
		code += "; getattr(__import__('" + module + "', fromlist=['" + symbol + "']), '" + symbol + "')"
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, tc.Resolve("python"), "-c", code)
	cmd.Dir = baseDir
	if err := cmd.Run(); err != nil {
		slog.Debug("import check failed", "module", module, "symbol", symbol, "error", err)
		return false
	}
	return true
}
