// Package decompose turns a parsed PRD into a validated task DAG through a
// multi-pass structured-output LM pipeline followed by deterministic
// post-passes. Validation is all-or-nothing: a broken task set never reaches
// the store.
package decompose

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/adrg/frontmatter"
)

// Meta is the optional YAML frontmatter ahead of the PRD sections.
type Meta struct {
	Title    string `yaml:"title"`
	Version  string `yaml:"version"`
	Language string `yaml:"language"`
}

// Cycle is one TDD cycle declared in the PRD.
type Cycle struct {
	Goal       string   `json:"goal"`
	Components []string `json:"components"`
}

// PRD is the parsed product-requirements document.
type PRD struct {
	Meta              Meta
	DependencyChanges []string
	// ModulePrefixes are the implementation path prefixes declared in the
	// MODULE STRUCTURE section. They are extracted from the document, never
	// hardcoded.
	ModulePrefixes []string
	APISpec        string
	Cycles         []Cycle
	// CyclesText is the raw TDD CYCLES section, fed to the extraction pass.
	CyclesText string
}

// Fixed section headers of the PRD format.
const (
	sectionDependencies = "DEPENDENCY CHANGES"
	sectionStructure    = "MODULE STRUCTURE"
	sectionAPI          = "MODULE API SPECIFICATION"
	sectionCycles       = "TDD CYCLES"
)

var (
	sectionHeaderRe = regexp.MustCompile(`(?m)^(DEPENDENCY CHANGES|MODULE STRUCTURE|MODULE API SPECIFICATION|TDD CYCLES)\s*$`)
	cycleGoalRe     = regexp.MustCompile(`(?im)^(?:cycle\s+\d+\s*[:—-]\s*|goal\s*:\s*)(.+)$`)
	componentRe     = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)$`)
)

// ParsePRDFile reads and parses a PRD document from disk.
func ParsePRDFile(path string) (*PRD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PRD %s: %w", path, err)
	}
	return ParsePRD(string(data))
}

// ParsePRD parses a PRD document: optional YAML frontmatter followed by
// line-oriented sections under fixed headers.
func ParsePRD(content string) (*PRD, error) {
	prd := &PRD{}

	body, err := frontmatter.Parse(strings.NewReader(content), &prd.Meta)
	if err != nil {
		// No frontmatter is fine; the whole document is the body.
		body = []byte(content)
	}

	sections := splitSections(string(body))

	if text, ok := sections[sectionDependencies]; ok {
		for _, m := range componentRe.FindAllStringSubmatch(text, -1) {
			prd.DependencyChanges = append(prd.DependencyChanges, strings.TrimSpace(m[1]))
		}
	}

	structureText, ok := sections[sectionStructure]
	if !ok {
		return nil, fmt.Errorf("PRD is missing the %s section", sectionStructure)
	}
	for _, m := range componentRe.FindAllStringSubmatch(structureText, -1) {
		prefix := strings.TrimSpace(m[1])
		prefix = strings.TrimSuffix(prefix, "/") + "/"
		prd.ModulePrefixes = append(prd.ModulePrefixes, prefix)
	}
	if len(prd.ModulePrefixes) == 0 {
		return nil, fmt.Errorf("PRD %s section declares no path prefixes", sectionStructure)
	}

	prd.APISpec = strings.TrimSpace(sections[sectionAPI])

	cyclesText, ok := sections[sectionCycles]
	if !ok || strings.TrimSpace(cyclesText) == "" {
		return nil, fmt.Errorf("PRD is missing the %s section", sectionCycles)
	}
	prd.CyclesText = strings.TrimSpace(cyclesText)
	prd.Cycles = parseCycles(cyclesText)

	return prd, nil
}

func splitSections(body string) map[string]string {
	sections := make(map[string]string)

	indexes := sectionHeaderRe.FindAllStringSubmatchIndex(body, -1)
	for i, idx := range indexes {
		name := body[idx[2]:idx[3]]
		start := idx[1]
		end := len(body)
		if i+1 < len(indexes) {
			end = indexes[i+1][0]
		}
		sections[name] = strings.TrimSpace(body[start:end])
	}
	return sections
}

// parseCycles extracts the deterministic view of the cycles section: goal
// lines followed by component bullets. The LM extraction pass works from the
// raw text; this parse seeds validation and fallbacks.
func parseCycles(text string) []Cycle {
	var cycles []Cycle
	var current *Cycle

	for _, line := range strings.Split(text, "\n") {
		if m := cycleGoalRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				cycles = append(cycles, *current)
			}
			current = &Cycle{Goal: strings.TrimSpace(m[1])}
			continue
		}
		if current == nil {
			continue
		}
		if m := componentRe.FindStringSubmatch(line); m != nil {
			current.Components = append(current.Components, strings.TrimSpace(m[1]))
		}
	}
	if current != nil {
		cycles = append(cycles, *current)
	}
	return cycles
}
