package pyast

import (
	"bytes"
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Structural thresholds for the refactor gate.
const (
	fileWarnLines     = 400
	fileMustSplit     = 800
	functionMaxLines  = 50
	classMaxMethods   = 15
)

// CheckNeedsRefactor runs the pure structural analysis behind the REFACTOR
// gate and returns human-readable reasons. An empty slice means the file is
// structurally fine. The analysis is deterministic for unchanged input.
func CheckNeedsRefactor(ctx context.Context, path string) ([]string, error) {
	src, err := parse(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.close()

	var reasons []string

	lines := bytes.Count(src.content, []byte("\n")) + 1
	switch {
	case lines > fileMustSplit:
		reasons = append(reasons, fmt.Sprintf("file has %d lines (> %d): must split", lines, fileMustSplit))
	case lines > fileWarnLines:
		reasons = append(reasons, fmt.Sprintf("file has %d lines (> %d)", lines, fileWarnLines))
	}

	walk(src.root(), func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_definition":
			span := int(n.EndPoint().Row-n.StartPoint().Row) + 1
			if span > functionMaxLines {
				reasons = append(reasons, fmt.Sprintf(
					"function %s is %d lines (> %d)", definitionName(n, src), span, functionMaxLines))
			}
		case "class_definition":
			methods := countMethods(n)
			if methods > classMaxMethods {
				reasons = append(reasons, fmt.Sprintf(
					"class %s has %d methods (> %d)", definitionName(n, src), methods, classMaxMethods))
			}
		}
		return true
	})

	return reasons, nil
}

func countMethods(class *sitter.Node) int {
	body := class.ChildByFieldName("body")
	if body == nil {
		return 0
	}
	count := 0
	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := unwrapDecorated(body.NamedChild(i))
		if child.Type() == "function_definition" {
			count++
		}
	}
	return count
}
