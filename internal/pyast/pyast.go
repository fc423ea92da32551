// Package pyast analyzes Python source with tree-sitter: structural refactor
// checks, stub and mock-only-test detection, and the symbol extraction that
// feeds prompts and acceptance-criteria heuristics.
package pyast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Severity classifies a violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one finding from an AST check.
type Violation struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Message  string   `json:"message"`
}

// Rule identifiers surfaced to callers.
const (
	RuleStubDetected = "stub-detected"
	RuleMockOnlyTest = "mock-only-test"
	RuleEmptyTest    = "empty-test"
)

// IsPythonFile reports whether the path has a Python extension.
func IsPythonFile(path string) bool {
	return filepath.Ext(path) == ".py"
}

// source is a parsed Python file.
type source struct {
	path    string
	content []byte
	tree    *sitter.Tree
}

func (s *source) close() {
	if s.tree != nil {
		s.tree.Close()
	}
}

func (s *source) root() *sitter.Node {
	return s.tree.RootNode()
}

func (s *source) text(n *sitter.Node) string {
	return n.Content(s.content)
}

func (s *source) line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// parse reads and parses a Python file.
func parse(ctx context.Context, path string) (*source, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return parseBytes(ctx, path, content)
}

func parseBytes(ctx context.Context, path string, content []byte) (*source, error) {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())

	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &source{path: path, content: content, tree: tree}, nil
}

// Parses reports whether the file exists and parses as Python without syntax
// errors. Used by the importability heuristic; it never spawns a subprocess.
func Parses(ctx context.Context, path string) bool {
	src, err := parse(ctx, path)
	if err != nil {
		return false
	}
	defer src.close()
	return !src.root().HasError()
}

// walk visits node and all descendants depth-first until fn returns false.
func walk(node *sitter.Node, fn func(n *sitter.Node) bool) {
	if node == nil || !fn(node) {
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		walk(node.NamedChild(i), fn)
	}
}

// definitionName returns the identifier of a function/class definition node.
func definitionName(n *sitter.Node, src *source) string {
	name := n.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return src.text(name)
}

// unwrapDecorated returns the inner definition of a decorated_definition,
// or the node itself.
func unwrapDecorated(n *sitter.Node) *sitter.Node {
	if n.Type() != "decorated_definition" {
		return n
	}
	if def := n.ChildByFieldName("definition"); def != nil {
		return def
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "function_definition" || child.Type() == "class_definition" {
			return child
		}
	}
	return n
}

// docstring returns the leading string literal of a definition body, if any.
func docstring(def *sitter.Node, src *source) string {
	body := def.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	expr := first.NamedChild(0)
	if expr.Type() != "string" {
		return ""
	}
	return strings.Trim(src.text(expr), "\"' \n")
}
