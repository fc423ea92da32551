package gate

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/alanmeadows/maestro/internal/pyast"
	"github.com/alanmeadows/maestro/internal/task"
)

// ACReport aggregates acceptance-criteria heuristics for one task.
type ACReport struct {
	TaskKey    string            `json:"task_key"`
	Satisfied  int               `json:"satisfied"`
	Verifiable int               `json:"verifiable"`
	Total      int               `json:"total"`
	Criteria   []CriterionResult `json:"criteria"`
}

// Acceptance-criteria matchers, in priority order. Real criterion strings
// come from an LM and contain literal newlines, so multi-clause patterns use
// DOTALL.
var (
	acRaisesRe   = regexp.MustCompile(`(?i)\b(?:raises|throws)\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	acExportRe   = regexp.MustCompile(`(?i)\b(?:exports?|exposes?)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	acImportRe   = regexp.MustCompile(`(?i)\b(?:importable|can import)\b`)
	acEndpointRe = regexp.MustCompile(`(?i)responds?\s+to\s+(GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS)\s+(/\S*)`)
	acGWTRe      = regexp.MustCompile(`(?is)\bGIVEN\b(.+?)\bWHEN\b(.+?)\bTHEN\b`)
)

// ValidateAcceptanceCriteria runs the priority-ordered heuristic matchers
// over a task's acceptance criteria. Non-blocking: the report feeds
// validation_details only.
func ValidateAcceptanceCriteria(ctx context.Context, baseDir string, t *task.Task) ACReport {
	report := ACReport{TaskKey: t.Key, Total: len(t.AcceptanceCriteria)}

	implPath := filepath.Join(baseDir, t.ImplFile)
	testPath := filepath.Join(baseDir, t.TestFile)

	for _, criterion := range t.AcceptanceCriteria {
		result := matchCriterion(ctx, implPath, testPath, criterion)
		report.Criteria = append(report.Criteria, result)
		if result.Status != StatusUnverifiable {
			report.Verifiable++
		}
		if result.Status == StatusSatisfied {
			report.Satisfied++
		}
	}
	return report
}

func matchCriterion(ctx context.Context, implPath, testPath, criterion string) CriterionResult {
	// 1. error_handling: require the exception both tested and raised.
	if m := acRaisesRe.FindStringSubmatch(criterion); m != nil {
		exception := lastSegment(m[1])
		ok := pyast.HasPytestRaises(ctx, testPath, exception) && pyast.HasRaise(ctx, implPath, exception)
		return CriterionResult{Criterion: criterion, Status: boolStatus(ok), Matcher: "error_handling"}
	}

	// 2. export: a top-level def/class with that name in the impl AST.
	if m := acExportRe.FindStringSubmatch(criterion); m != nil {
		ok := pyast.HasExport(ctx, implPath, m[1])
		return CriterionResult{Criterion: criterion, Status: boolStatus(ok), Matcher: "export"}
	}

	// 3. import: the impl file exists and parses. No subprocess here.
	if acImportRe.MatchString(criterion) {
		ok := pyast.Parses(ctx, implPath)
		return CriterionResult{Criterion: criterion, Status: boolStatus(ok), Matcher: "import"}
	}

	// 4. endpoint: a route decorator with the method and path.
	if m := acEndpointRe.FindStringSubmatch(criterion); m != nil {
		ok := pyast.HasRouteDecorator(ctx, implPath, m[1], m[2])
		return CriterionResult{Criterion: criterion, Status: boolStatus(ok), Matcher: "endpoint"}
	}

	// 5. given_when_then: WHEN clause keywords appear in a test name or
	// docstring.
	if m := acGWTRe.FindStringSubmatch(criterion); m != nil {
		ok := whenClauseCovered(ctx, testPath, m[2])
		return CriterionResult{Criterion: criterion, Status: boolStatus(ok), Matcher: "given_when_then"}
	}

	// 6. fallback.
	return CriterionResult{Criterion: criterion, Status: StatusUnverifiable, Matcher: "fallback"}
}

// whenClauseCovered checks whether the WHEN clause's significant words show
// up in some test function name or docstring.
func whenClauseCovered(ctx context.Context, testPath, whenClause string) bool {
	keywords := significantWords(whenClause)
	if len(keywords) == 0 {
		return false
	}

	tests, err := pyast.TestFunctions(ctx, testPath)
	if err != nil {
		return false
	}

	for _, test := range tests {
		hay := strings.ToLower(test.Name + " " + test.Docstring)
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(hay, kw) {
				matched++
			}
		}
		if matched*2 >= len(keywords) {
			return true
		}
	}
	return false
}

// stopwords excluded from WHEN-clause keyword matching.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "with": true,
	"and": true, "or": true, "to": true, "of": true, "in": true, "on": true,
	"for": true, "it": true, "this": true, "that": true,
}

func significantWords(s string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:()[]'\"")
		if len(w) < 3 || stopwords[w] {
			continue
		}
		words = append(words, w)
	}
	return words
}

func boolStatus(ok bool) string {
	if ok {
		return StatusSatisfied
	}
	return StatusUnsatisfied
}

func lastSegment(s string) string {
	if idx := strings.LastIndex(s, "."); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
