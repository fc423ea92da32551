package pyast

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// CheckAST runs the AST quality detectors over a file. Stub detection reports
// errors (blocking); the mock-only-test detector runs in shadow mode and only
// ever reports warnings.
func CheckAST(ctx context.Context, path string) ([]Violation, error) {
	src, err := parse(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.close()

	var violations []Violation
	violations = append(violations, detectStubs(src)...)
	violations = append(violations, detectMockOnlyTests(src)...)
	return violations, nil
}

// detectStubs flags functions whose body does nothing: pass, ellipsis, or a
// bare raise NotImplementedError, optionally behind a docstring.
func detectStubs(src *source) []Violation {
	var violations []Violation

	walk(src.root(), func(n *sitter.Node) bool {
		if n.Type() != "function_definition" {
			return true
		}
		body := n.ChildByFieldName("body")
		if body == nil {
			return true
		}
		if isStubBody(body, src) {
			violations = append(violations, Violation{
				Severity: SeverityError,
				Rule:     RuleStubDetected,
				File:     src.path,
				Line:     src.line(n),
				Message:  fmt.Sprintf("function %s is a stub", definitionName(n, src)),
			})
		}
		return true
	})

	return violations
}

func isStubBody(body *sitter.Node, src *source) bool {
	meaningful := 0
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		switch stmt.Type() {
		case "pass_statement":
			continue
		case "expression_statement":
			if stmt.NamedChildCount() == 1 {
				expr := stmt.NamedChild(0)
				// Docstrings and `...` bodies do not count as implementation.
				if expr.Type() == "string" || expr.Type() == "ellipsis" {
					continue
				}
			}
			meaningful++
		case "raise_statement":
			if strings.Contains(src.text(stmt), "NotImplementedError") {
				continue
			}
			meaningful++
		default:
			meaningful++
		}
	}
	return meaningful == 0
}

// mockAssertMethods are the unittest.mock assertion entry points.
var mockAssertMethods = []string{
	"assert_called", "assert_called_once", "assert_called_with",
	"assert_called_once_with", "assert_any_call", "assert_has_calls",
	"assert_not_called", "assert_awaited",
}

// detectMockOnlyTests flags test functions whose only verification goes
// through mock assertions, plus test functions with no assertions at all.
func detectMockOnlyTests(src *source) []Violation {
	var violations []Violation

	walk(src.root(), func(n *sitter.Node) bool {
		if n.Type() != "function_definition" {
			return true
		}
		name := definitionName(n, src)
		if !strings.HasPrefix(name, "test_") {
			return true
		}

		plainAsserts := 0
		mockAsserts := 0
		walk(n, func(inner *sitter.Node) bool {
			switch inner.Type() {
			case "assert_statement":
				plainAsserts++
			case "call":
				text := src.text(inner)
				for _, m := range mockAssertMethods {
					if strings.Contains(text, "."+m) {
						mockAsserts++
						break
					}
				}
				// pytest.raises blocks count as real verification.
				if strings.Contains(text, "pytest.raises") {
					plainAsserts++
				}
			}
			return true
		})

		switch {
		case plainAsserts == 0 && mockAsserts > 0:
			violations = append(violations, Violation{
				Severity: SeverityWarning,
				Rule:     RuleMockOnlyTest,
				File:     src.path,
				Line:     src.line(n),
				Message:  fmt.Sprintf("test %s only asserts through mocks", name),
			})
		case plainAsserts == 0 && mockAsserts == 0:
			violations = append(violations, Violation{
				Severity: SeverityWarning,
				Rule:     RuleEmptyTest,
				File:     src.path,
				Line:     src.line(n),
				Message:  fmt.Sprintf("test %s has no assertions", name),
			})
		}
		return true
	})

	return violations
}
