package decompose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/task"
)

func implTask(key string, phase, seq int, implFile, testFile string, exports ...string) task.Task {
	return task.Task{
		Key:           key,
		Title:         key,
		Goal:          "goal",
		Phase:         phase,
		Sequence:      seq,
		TaskType:      task.TypeImplement,
		ImplFile:      implFile,
		TestFile:      testFile,
		ModuleExports: exports,
	}
}

// --- prerequisite injection ---

func TestInjectPrerequisites(t *testing.T) {
	prd := &PRD{DependencyChanges: []string{"install fastapi", "scaffold src/api/__init__.py"}}

	tasks := injectPrerequisites(prd)
	require.Len(t, tasks, 2)

	install := tasks[0]
	assert.Equal(t, "SETUP-TDD-00-01", install.Key)
	assert.Zero(t, install.Phase)
	assert.Equal(t, task.TypeVerifyOnly, install.TaskType)
	assert.Equal(t, "pip install fastapi", install.VerifyCommand)

	scaffold := tasks[1]
	assert.Equal(t, "SETUP-TDD-00-02", scaffold.Key)
	assert.Equal(t, "file src/api/__init__.py exists", scaffold.DoneCriteria)
}

// --- atomicity split ---

func TestSplitOversizedTasks(t *testing.T) {
	big := implTask("A-TDD-01-01", 1, 1, "src/core/a.py", "tests/unit/test_a.py")
	big.AcceptanceCriteria = []string{"c1", "c2", "c3", "c4", "c5", "c6"}

	out := splitOversized([]task.Task{big}, 4)
	require.Len(t, out, 2)

	assert.Equal(t, []string{"c1", "c2", "c3"}, out[0].AcceptanceCriteria)
	assert.Equal(t, []string{"c4", "c5", "c6"}, out[1].AcceptanceCriteria)
	assert.Equal(t, task.TypeVerifyOnly, out[1].TaskType)
	assert.NotEqual(t, out[0].Key, out[1].Key)

	// Sequences stay contiguous within the phase.
	assert.Equal(t, 1, out[0].Sequence)
	assert.Equal(t, 2, out[1].Sequence)
}

func TestSplitLeavesSmallTasksAlone(t *testing.T) {
	small := implTask("A-TDD-01-01", 1, 1, "src/core/a.py", "tests/unit/test_a.py")
	small.AcceptanceCriteria = []string{"c1", "c2"}

	out := splitOversized([]task.Task{small}, 4)
	require.Len(t, out, 1)
	assert.Equal(t, small.Key, out[0].Key)
}

// --- dependency calculation ---

func TestCalculateDependenciesLinksAdjacentPhases(t *testing.T) {
	tasks := []task.Task{
		implTask("S-TDD-00-01", 0, 1, "", ""),
		implTask("A-TDD-01-01", 1, 1, "src/core/a.py", "tests/unit/test_a.py"),
		implTask("B-TDD-01-02", 1, 2, "src/core/b.py", "tests/unit/test_b.py"),
		implTask("C-TDD-02-01", 2, 1, "src/core/c.py", "tests/unit/test_c.py"),
	}

	calculateDependencies(tasks)

	assert.Empty(t, tasks[0].DependsOn)
	assert.Equal(t, []string{"S-TDD-00-01"}, tasks[1].DependsOn)
	assert.Equal(t, []string{"S-TDD-00-01"}, tasks[2].DependsOn)
	assert.ElementsMatch(t, []string{"A-TDD-01-01", "B-TDD-01-02"}, tasks[3].DependsOn)
}

// --- cycle detection ---

func TestDetectCyclesAcceptsDAG(t *testing.T) {
	tasks := []task.Task{
		implTask("A-TDD-01-01", 1, 1, "src/a.py", "tests/unit/test_a.py"),
		implTask("B-TDD-02-01", 2, 1, "src/b.py", "tests/unit/test_b.py"),
	}
	tasks[1].DependsOn = []string{"A-TDD-01-01"}

	assert.NoError(t, detectCycles(tasks))
}

func TestDetectCyclesReportsAllMembers(t *testing.T) {
	tasks := []task.Task{
		implTask("A-TDD-01-01", 1, 1, "src/a.py", "tests/unit/test_a.py"),
		implTask("B-TDD-01-02", 1, 2, "src/b.py", "tests/unit/test_b.py"),
		implTask("C-TDD-01-03", 1, 3, "src/c.py", "tests/unit/test_c.py"),
	}
	tasks[0].DependsOn = []string{"B-TDD-01-02"}
	tasks[1].DependsOn = []string{"C-TDD-01-03"}
	tasks[2].DependsOn = []string{"A-TDD-01-01"}

	err := detectCycles(tasks)
	require.ErrorIs(t, err, ErrCyclicDependencies)
	assert.ErrorContains(t, err, "A-TDD-01-01")
	assert.ErrorContains(t, err, "B-TDD-01-02")
	assert.ErrorContains(t, err, "C-TDD-01-03")
}

func TestDetectCyclesRejectsUnknownDependency(t *testing.T) {
	tasks := []task.Task{implTask("A-TDD-01-01", 1, 1, "src/a.py", "tests/unit/test_a.py")}
	tasks[0].DependsOn = []string{"GHOST-TDD-09-09"}

	assert.ErrorContains(t, detectCycles(tasks), "unknown task")
}

// --- uniqueness ---

func TestValidateUniquenessKeys(t *testing.T) {
	tasks := []task.Task{
		implTask("A-TDD-01-01", 1, 1, "src/a.py", "tests/unit/test_a.py"),
		implTask("A-TDD-01-01", 1, 2, "src/b.py", "tests/unit/test_b.py"),
	}
	assert.ErrorIs(t, validateUniqueness(tasks), ErrDuplicateTask)
}

func TestValidateUniquenessImplTestPairs(t *testing.T) {
	tasks := []task.Task{
		implTask("A-TDD-01-01", 1, 1, "src/a.py", "tests/unit/test_a.py"),
		implTask("B-TDD-01-02", 1, 2, "src/a.py", "tests/unit/test_a.py"),
	}
	assert.ErrorIs(t, validateUniqueness(tasks), ErrDuplicateTask)

	// A verify-only task may share the pair.
	tasks[1].TaskType = task.TypeVerifyOnly
	assert.NoError(t, validateUniqueness(tasks))
}

// --- overlap demotion ---

func TestDemoteOverlapsMarksLaterVerifyOnly(t *testing.T) {
	tasks := []task.Task{
		implTask("A-TDD-01-01", 1, 1, "src/core/users.py", "tests/unit/test_users_a.py", "create_user"),
		implTask("B-TDD-02-01", 2, 1, "src/core/users.py", "tests/unit/test_users_b.py", "create_user", "list_users"),
	}

	demoteOverlaps(tasks)

	assert.Equal(t, task.TypeImplement, tasks[0].TaskType)
	assert.Equal(t, task.TypeVerifyOnly, tasks[1].TaskType)
}

func TestDemoteOverlapsIgnoresDisjointExports(t *testing.T) {
	tasks := []task.Task{
		implTask("A-TDD-01-01", 1, 1, "src/core/users.py", "tests/unit/test_users_a.py", "create_user"),
		implTask("B-TDD-02-01", 2, 1, "src/core/users.py", "tests/unit/test_users_b.py", "list_users"),
	}

	demoteOverlaps(tasks)

	assert.Equal(t, task.TypeImplement, tasks[0].TaskType)
	assert.Equal(t, task.TypeImplement, tasks[1].TaskType)
}

// --- integration boundaries ---

func TestValidateBoundariesRejectsUnitTestForIntegrationCode(t *testing.T) {
	cfg := config.DefaultConfig().Decompose

	tasks := []task.Task{
		implTask("API-TDD-01-01", 1, 1, "src/api/routes/users.py", "tests/unit/api/test_users.py"),
	}
	assert.ErrorIs(t, validateBoundaries(tasks, cfg), ErrBoundaryViolation)

	// The same code with an integration test passes.
	tasks[0].TestFile = "tests/integration/api/test_users.py"
	assert.NoError(t, validateBoundaries(tasks, cfg))
}

func TestValidateBoundariesConfigurable(t *testing.T) {
	cfg := config.DefaultConfig().Decompose
	off := false
	cfg.EnforceIntegrationBoundaries = &off

	tasks := []task.Task{
		implTask("API-TDD-01-01", 1, 1, "src/api/routes/users.py", "tests/unit/api/test_users.py"),
	}
	assert.NoError(t, validateBoundaries(tasks, cfg))
}

// --- spec conformance ---

func TestValidateConformance(t *testing.T) {
	prd := &PRD{ModulePrefixes: []string{"src/api/", "src/core/"}}

	good := []task.Task{
		implTask("A-TDD-01-01", 1, 1, "src/core/users.py", "tests/unit/test_users.py"),
		implTask("B-TDD-01-02", 1, 2, "src/shared/util.py", "tests/unit/test_util.py"), // src/ fallback
	}
	assert.NoError(t, validateConformance(good, prd))

	bad := []task.Task{
		implTask("C-TDD-01-03", 1, 3, "lib/other.py", "tests/unit/test_other.py"),
	}
	assert.ErrorIs(t, validateConformance(bad, prd), ErrSpecConformance)

	badTest := []task.Task{
		implTask("D-TDD-01-04", 1, 4, "src/core/x.py", "src/integration/test_x.py"),
	}
	assert.ErrorIs(t, validateConformance(badTest, prd), ErrSpecConformance)
}
