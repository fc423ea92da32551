// Package prompt assembles deterministic, stage-specific LM prompts from task
// metadata, sibling context, and hint blocks. Assembly is a pure function of
// its inputs: same task, same siblings, same prompt.
package prompt

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alanmeadows/maestro/internal/pyast"
	"github.com/alanmeadows/maestro/internal/task"
)

// Context carries the non-task inputs of prompt assembly.
type Context struct {
	// Siblings summarizes completed tasks sharing the task's impl_file.
	Siblings []pyast.FileSummary
	// PreviousFailure is the failing output of the prior attempt, included in
	// GREEN retries and FIX/RE_VERIFY recovery prompts.
	PreviousFailure string
	// ReviewFindings carries static-review violations into RED_FIX.
	ReviewFindings string
	// RefactorReasons carries structural findings into REFACTOR.
	RefactorReasons string
}

// Build renders the prompt for a stage. Unknown stages fall back to the
// verify template, which only asks the LM to reconcile tool output.
func Build(stage task.Stage, t *task.Task, pctx Context) string {
	tmpl := templateFor(stage)

	vars := map[string]string{
		"key":                 t.Key,
		"title":               t.Title,
		"goal":                t.Goal,
		"test_file":           t.TestFile,
		"impl_file":           t.ImplFile,
		"acceptance_criteria": formatCriteria(t.AcceptanceCriteria),
		"module_exports":      formatExports(t.ModuleExports),
		"hints_section":       hintsSection(t),
		"sibling_context":     siblingSection(pctx.Siblings),
		"previous_failure":    failureSection(pctx.PreviousFailure),
		"review_findings":     orNone(pctx.ReviewFindings),
		"refactor_reasons":    orNone(pctx.RefactorReasons),
		"import_convention":   ImportConvention,
		"streaming_section":   streamingSection(t),
	}

	return expand(tmpl, vars)
}

func templateFor(stage task.Stage) string {
	switch stage {
	case task.StageRed:
		return redTemplate
	case task.StageRedFix:
		return redFixTemplate
	case task.StageGreen:
		return greenTemplate
	case task.StageFix:
		return fixTemplate
	case task.StageRefactor:
		return refactorTemplate
	default:
		return verifyTemplate
	}
}

// placeholderRe matches {name} placeholders in templates.
var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// expand substitutes named placeholders in a single pass. Values are inserted
// literally and never re-scanned, so user content containing braces cannot
// smuggle placeholders into the output.
func expand(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

func formatCriteria(criteria []string) string {
	if len(criteria) == 0 {
		return "(none specified)"
	}
	var buf strings.Builder
	for i, c := range criteria {
		fmt.Fprintf(&buf, "%d. %s\n", i+1, c)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func formatExports(exports []string) string {
	if len(exports) == 0 {
		return "(none specified)"
	}
	return strings.Join(exports, ", ")
}

func hintsSection(t *task.Task) string {
	if strings.TrimSpace(t.ImplementationHints) == "" {
		return ""
	}
	return "\n## Implementation Hints\n" + t.ImplementationHints + "\n"
}

func failureSection(failure string) string {
	if strings.TrimSpace(failure) == "" {
		return ""
	}
	return "\n## Previous Attempt Failed\n" + failure + "\n"
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func streamingSection(t *task.Task) string {
	if !DetectStreaming(t) {
		return ""
	}
	return streamingGuidance + "\n"
}

// siblingSection warns the LM about behavior that already exists in the
// shared implementation file: public symbols, imports, and the first
// assertion of each sibling test.
func siblingSection(siblings []pyast.FileSummary) string {
	if len(siblings) == 0 {
		return ""
	}

	var buf strings.Builder
	buf.WriteString("\n## Existing Behavior In Shared Files\n")
	buf.WriteString("Completed tasks already contribute to these files. Do not break them.\n")
	for _, s := range siblings {
		fmt.Fprintf(&buf, "\n### %s\n", s.Path)
		if len(s.Exports) > 0 {
			fmt.Fprintf(&buf, "Public symbols: %s\n", strings.Join(s.Exports, ", "))
		}
		if len(s.Imports) > 0 {
			fmt.Fprintf(&buf, "Imports: %s\n", strings.Join(s.Imports, ", "))
		}
		// Map iteration order is randomized; sort the test names so the
		// prompt stays a pure function of its inputs.
		names := make([]string, 0, len(s.FirstAssertions))
		for name := range s.FirstAssertions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&buf, "Test %s asserts: %s\n", name, s.FirstAssertions[name])
		}
	}
	return buf.String()
}

// streamingKeywords mark tasks that exercise streaming endpoints.
var streamingKeywords = []string{
	"sse", "eventsource", "event-stream", "websocket", "server-sent", "streaming",
}

// DetectStreaming reports whether the task's title, goal, or criteria mention
// streaming-endpoint vocabulary. Such tasks are forced to high complexity and
// receive streaming test guidance.
func DetectStreaming(t *task.Task) bool {
	hay := strings.ToLower(t.Title + " " + t.Goal + " " + strings.Join(t.AcceptanceCriteria, " "))
	for _, kw := range streamingKeywords {
		if strings.Contains(hay, kw) {
			return true
		}
	}
	return false
}

// ImportPath converts a workspace-relative source path to its dotted import
// path, stripping the src/ layout prefix: src/pkg/mod.py → pkg.mod.
func ImportPath(path string) string {
	path = strings.TrimSuffix(path, filepath.Ext(path))
	path = strings.TrimPrefix(path, "src/")
	path = strings.TrimSuffix(path, "/__init__")
	return strings.ReplaceAll(path, "/", ".")
}
