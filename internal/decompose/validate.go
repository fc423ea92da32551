package decompose

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/task"
)

// Validation errors. Each aborts decomposition before anything is written.
var (
	ErrCyclicDependencies = errors.New("cyclic dependencies")
	ErrBoundaryViolation  = errors.New("integration boundary violation")
	ErrSpecConformance    = errors.New("path does not conform to module structure")
	ErrDuplicateTask      = errors.New("duplicate task")
)

// injectPrerequisites synthesizes Phase 0 tasks from the PRD's dependency
// changes: one install task per package entry, one scaffold task per scaffold
// entry. They are prepended so every later phase depends on them.
func injectPrerequisites(prd *PRD) []task.Task {
	var tasks []task.Task

	for i, entry := range prd.DependencyChanges {
		seq := i + 1
		t := task.Task{
			Phase:      0,
			Sequence:   seq,
			Status:     task.StatusPending,
			Complexity: task.ComplexityLow,
			TaskType:   task.TypeVerifyOnly,
		}

		if pkg, ok := strings.CutPrefix(entry, "install "); ok {
			t.Key = fmt.Sprintf("SETUP-TDD-00-%02d", seq)
			t.Title = "Install " + pkg
			t.Goal = "Install the " + pkg + " package into the project environment."
			t.VerifyCommand = "pip install " + pkg
			t.DoneCriteria = "tests pass"
		} else {
			t.Key = fmt.Sprintf("SETUP-TDD-00-%02d", seq)
			t.Title = "Scaffold: " + entry
			t.Goal = "Apply scaffold operation: " + entry
			t.DoneCriteria = scaffoldDoneCriteria(entry)
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func scaffoldDoneCriteria(entry string) string {
	if path, ok := strings.CutPrefix(entry, "scaffold "); ok {
		return "file " + strings.TrimSpace(path) + " exists"
	}
	return ""
}

// splitOversized recursively splits tasks whose criteria count exceeds the
// atomicity bound, then resequences each phase to keep (phase, sequence)
// contiguous and unique.
func splitOversized(tasks []task.Task, maxCriteria int) []task.Task {
	if maxCriteria <= 0 {
		return tasks
	}

	var out []task.Task
	for _, t := range tasks {
		out = append(out, splitTask(t, maxCriteria)...)
	}

	resequence(out)
	return out
}

func splitTask(t task.Task, maxCriteria int) []task.Task {
	if len(t.AcceptanceCriteria) <= maxCriteria {
		return []task.Task{t}
	}

	slog.Info("splitting oversized task", "task", t.Key, "criteria", len(t.AcceptanceCriteria))

	mid := len(t.AcceptanceCriteria) / 2
	first, second := t, t

	first.AcceptanceCriteria = t.AcceptanceCriteria[:mid]
	second.AcceptanceCriteria = t.AcceptanceCriteria[mid:]
	second.Key = t.Key + "B"
	second.Title = t.Title + " (continued)"
	// The continuation verifies against the same files without re-authoring
	// the base behavior.
	second.TaskType = task.TypeVerifyOnly

	return append(splitTask(first, maxCriteria), splitTask(second, maxCriteria)...)
}

// resequence renumbers sequences within each phase in stable order.
func resequence(tasks []task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Phase != tasks[j].Phase {
			return tasks[i].Phase < tasks[j].Phase
		}
		return tasks[i].Sequence < tasks[j].Sequence
	})

	seq := 0
	phase := -1
	for i := range tasks {
		if tasks[i].Phase != phase {
			phase = tasks[i].Phase
			seq = 0
		}
		seq++
		tasks[i].Sequence = seq
	}
}

// demoteOverlaps groups tasks by impl_file; when a later task's declared
// exports intersect an earlier task's, the later one becomes verify-only. Two
// overlapping tasks at the same (phase, sequence) additionally draw a warning
// because ordering between them is undefined.
func demoteOverlaps(tasks []task.Task) {
	byImpl := make(map[string][]int)
	for i, t := range tasks {
		if t.ImplFile != "" {
			byImpl[t.ImplFile] = append(byImpl[t.ImplFile], i)
		}
	}

	for _, indexes := range byImpl {
		for a := 0; a < len(indexes); a++ {
			for b := a + 1; b < len(indexes); b++ {
				earlier, later := &tasks[indexes[a]], &tasks[indexes[b]]
				if later.TaskType == task.TypeVerifyOnly {
					continue
				}
				if !exportsOverlap(earlier.ModuleExports, later.ModuleExports) {
					continue
				}
				slog.Info("demoting overlapping task to verify-only",
					"task", later.Key, "overlaps", earlier.Key, "impl_file", later.ImplFile)
				later.TaskType = task.TypeVerifyOnly
				if earlier.Phase == later.Phase && earlier.Sequence == later.Sequence {
					slog.Warn("overlapping tasks share phase and sequence",
						"first", earlier.Key, "second", later.Key)
				}
			}
		}
	}
}

func exportsOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

// calculateDependencies wires the deterministic phase DAG: every task in
// phase N depends on every task in phase N−1.
func calculateDependencies(tasks []task.Task) {
	byPhase := make(map[int][]string)
	for _, t := range tasks {
		byPhase[t.Phase] = append(byPhase[t.Phase], t.Key)
	}

	var phases []int
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Ints(phases)

	prev := make(map[int]int) // phase -> previous existing phase
	for i := 1; i < len(phases); i++ {
		prev[phases[i]] = phases[i-1]
	}

	for i := range tasks {
		p, ok := prev[tasks[i].Phase]
		if !ok {
			continue
		}
		deps := make([]string, len(byPhase[p]))
		copy(deps, byPhase[p])
		sort.Strings(deps)
		tasks[i].DependsOn = deps
	}
}

// detectCycles runs Kahn's algorithm over the depends_on graph. Nodes left
// with non-zero in-degree form the cycles and are reported by key.
func detectCycles(tasks []task.Task) error {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)

	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.Key] = true
	}

	for _, t := range tasks {
		if _, ok := inDegree[t.Key]; !ok {
			inDegree[t.Key] = 0
		}
		for _, dep := range t.DependsOn {
			if !known[dep] {
				return fmt.Errorf("task %s depends on unknown task %s", t.Key, dep)
			}
			inDegree[t.Key]++
			dependents[dep] = append(dependents[dep], t.Key)
		}
	}

	var queue []string
	for key, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}

	processed := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		processed++
		for _, dependent := range dependents[key] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(inDegree) {
		return nil
	}

	var cyclic []string
	for key, deg := range inDegree {
		if deg > 0 {
			cyclic = append(cyclic, key)
		}
	}
	sort.Strings(cyclic)
	return fmt.Errorf("%w: %s", ErrCyclicDependencies, strings.Join(cyclic, ", "))
}

// validateUniqueness enforces globally unique keys and a unique
// (impl_file, test_file) pair across implementing tasks.
func validateUniqueness(tasks []task.Task) error {
	keys := make(map[string]bool, len(tasks))
	pairs := make(map[string]string)

	for _, t := range tasks {
		if keys[t.Key] {
			return fmt.Errorf("%w: key %s", ErrDuplicateTask, t.Key)
		}
		keys[t.Key] = true

		if t.TaskType != task.TypeImplement || t.ImplFile == "" {
			continue
		}
		pair := t.ImplFile + "|" + t.TestFile
		if owner, ok := pairs[pair]; ok {
			return fmt.Errorf("%w: tasks %s and %s share impl/test pair %s",
				ErrDuplicateTask, owner, t.Key, pair)
		}
		pairs[pair] = t.Key
	}
	return nil
}

// validateBoundaries rejects unit tests for integration-shaped code.
func validateBoundaries(tasks []task.Task, cfg config.DecomposeConfig) error {
	if !cfg.IsBoundaryEnforcementEnabled() {
		return nil
	}
	keywords := cfg.IntegrationKeywords
	if len(keywords) == 0 {
		keywords = config.DefaultIntegrationKeywords
	}

	for _, t := range tasks {
		if t.ImplFile == "" || !strings.HasPrefix(t.TestFile, "tests/unit/") {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(t.ImplFile, kw) {
				return fmt.Errorf("%w: task %s implements %s (matches %q) but tests at %s",
					ErrBoundaryViolation, t.Key, t.ImplFile, kw, t.TestFile)
			}
		}
	}
	return nil
}

// validateConformance enforces the PRD's declared path prefixes with a
// generic src/ fallback, and rejects src/integration/ test paths.
func validateConformance(tasks []task.Task, prd *PRD) error {
	prefixes := append([]string{}, prd.ModulePrefixes...)
	prefixes = append(prefixes, "src/")

	for _, t := range tasks {
		if strings.HasPrefix(t.TestFile, "src/integration/") {
			return fmt.Errorf("%w: task %s places tests at %s", ErrSpecConformance, t.Key, t.TestFile)
		}
		if t.ImplFile == "" {
			continue
		}
		ok := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(t.ImplFile, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: task %s impl path %s matches no declared prefix",
				ErrSpecConformance, t.Key, t.ImplFile)
		}
	}
	return nil
}
