package pyast

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// FileSummary captures the public surface of a Python file for sibling
// prompt context.
type FileSummary struct {
	Path    string
	Exports []string
	Imports []string
	// FirstAssertions maps test function name to the text of its first
	// assert statement.
	FirstAssertions map[string]string
}

// Summarize extracts exports, imports, and first test assertions from a file.
func Summarize(ctx context.Context, path string) (*FileSummary, error) {
	src, err := parse(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.close()

	summary := &FileSummary{
		Path:            path,
		Exports:         topLevelExports(src),
		Imports:         importedModules(src),
		FirstAssertions: firstAssertions(src),
	}
	return summary, nil
}

// Exports returns the top-level def/class/constant names of a file.
func Exports(ctx context.Context, path string) ([]string, error) {
	src, err := parse(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.close()
	return topLevelExports(src), nil
}

// HasExport reports whether the file defines a top-level def/class/constant
// with the given name.
func HasExport(ctx context.Context, path, name string) bool {
	exports, err := Exports(ctx, path)
	if err != nil {
		return false
	}
	for _, e := range exports {
		if e == name {
			return true
		}
	}
	return false
}

func topLevelExports(src *source) []string {
	var exports []string
	root := src.root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := unwrapDecorated(root.NamedChild(i))
		switch node.Type() {
		case "function_definition", "class_definition":
			if name := definitionName(node, src); name != "" && !strings.HasPrefix(name, "_") {
				exports = append(exports, name)
			}
		case "expression_statement":
			if node.NamedChildCount() == 1 && node.NamedChild(0).Type() == "assignment" {
				left := node.NamedChild(0).ChildByFieldName("left")
				if left != nil && left.Type() == "identifier" {
					if name := src.text(left); !strings.HasPrefix(name, "_") {
						exports = append(exports, name)
					}
				}
			}
		}
	}
	return exports
}

func importedModules(src *source) []string {
	var imports []string
	root := src.root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "import_statement":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				child := node.NamedChild(j)
				if child.Type() == "dotted_name" || child.Type() == "aliased_import" {
					imports = append(imports, strings.Fields(src.text(child))[0])
				}
			}
		case "import_from_statement":
			if module := node.ChildByFieldName("module_name"); module != nil {
				imports = append(imports, src.text(module))
			}
		}
	}
	return imports
}

func firstAssertions(src *source) map[string]string {
	assertions := make(map[string]string)
	walk(src.root(), func(n *sitter.Node) bool {
		if n.Type() != "function_definition" {
			return true
		}
		name := definitionName(n, src)
		if !strings.HasPrefix(name, "test_") {
			return true
		}
		walk(n, func(inner *sitter.Node) bool {
			if _, seen := assertions[name]; seen {
				return false
			}
			if inner.Type() == "assert_statement" {
				assertions[name] = strings.TrimSpace(src.text(inner))
				return false
			}
			return true
		})
		return true
	})
	return assertions
}

// HasRaise reports whether the impl file contains a `raise X` node for the
// given exception name.
func HasRaise(ctx context.Context, path, exception string) bool {
	src, err := parse(ctx, path)
	if err != nil {
		return false
	}
	defer src.close()

	found := false
	walk(src.root(), func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() == "raise_statement" {
			text := src.text(n)
			if strings.Contains(text, exception) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// HasPytestRaises reports whether any test in the file wraps the given
// exception in pytest.raises.
func HasPytestRaises(ctx context.Context, path, exception string) bool {
	src, err := parse(ctx, path)
	if err != nil {
		return false
	}
	defer src.close()

	needle := "pytest.raises(" + exception
	found := false
	walk(src.root(), func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() == "call" && strings.HasPrefix(src.text(n), "pytest.raises") {
			if strings.Contains(src.text(n), needle) || strings.Contains(src.text(n), exception) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

var routeDecoratorRe = regexp.MustCompile(`@\w+\.(get|post|put|delete|patch|head|options|route)\s*\(`)

// HasRouteDecorator reports whether the impl file declares a route decorator
// for the given HTTP method and path, covering both `@app.get("/p")` and
// `@app.route("/p", methods=["GET"])` shapes.
func HasRouteDecorator(ctx context.Context, path, method, route string) bool {
	src, err := parse(ctx, path)
	if err != nil {
		return false
	}
	defer src.close()

	method = strings.ToLower(method)
	found := false
	walk(src.root(), func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() != "decorator" {
			return true
		}
		text := src.text(n)
		m := routeDecoratorRe.FindStringSubmatch(text)
		if m == nil || !strings.Contains(text, `"`+route+`"`) && !strings.Contains(text, `'`+route+`'`) {
			return true
		}
		verb := m[1]
		if verb == method {
			found = true
			return false
		}
		if verb == "route" && strings.Contains(strings.ToLower(text), method) {
			found = true
			return false
		}
		return true
	})
	return found
}

// TestFunction describes one test function for heuristic matching.
type TestFunction struct {
	Name      string
	Docstring string
}

// TestFunctions lists the test functions of a file with their docstrings.
func TestFunctions(ctx context.Context, path string) ([]TestFunction, error) {
	src, err := parse(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.close()

	var tests []TestFunction
	walk(src.root(), func(n *sitter.Node) bool {
		if n.Type() != "function_definition" {
			return true
		}
		name := definitionName(n, src)
		if !strings.HasPrefix(name, "test_") {
			return true
		}
		tests = append(tests, TestFunction{Name: name, Docstring: docstring(n, src)})
		return true
	})
	return tests, nil
}
