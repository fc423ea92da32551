package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/llm"
	"github.com/alanmeadows/maestro/internal/prompt"
	"github.com/alanmeadows/maestro/internal/store"
	"github.com/alanmeadows/maestro/internal/task"
)

// Pipeline runs the multi-pass decomposition.
type Pipeline struct {
	Transport llm.Transport
	Config    *config.Config
	Model     llm.ModelRef
	Cwd       string
}

// NewPipeline builds a decomposition pipeline using the high-class model;
// decomposition quality dominates everything downstream.
func NewPipeline(transport llm.Transport, cfg *config.Config, cwd string) *Pipeline {
	return &Pipeline{
		Transport: transport,
		Config:    cfg,
		Model:     llm.ParseModelRef(cfg.Models.High),
		Cwd:       cwd,
	}
}

// Decompose runs the LM passes and deterministic post-passes, returning a
// validated task set ready to persist. Any validation failure aborts with no
// partial result.
func (d *Pipeline) Decompose(ctx context.Context, prd *PRD) ([]task.Task, error) {
	cycles, err := d.extractCycles(ctx, prd)
	if err != nil {
		return nil, err
	}
	slog.Info("extracted TDD cycles", "cycles", len(cycles))

	var tasks []task.Task
	for i, cycle := range cycles {
		phase := i + 1 // phase 0 is reserved for prerequisites

		records, err := d.tasksForCycle(ctx, prd, cycle)
		if err != nil {
			return nil, fmt.Errorf("cycle %d: %w", phase, err)
		}

		for seq, rec := range records {
			t := task.Task{
				Key:           taskKey(rec.ImplFile, phase, seq+1),
				Title:         rec.Title,
				Goal:          rec.Goal,
				Phase:         phase,
				Sequence:      seq + 1,
				Status:        task.StatusPending,
				Complexity:    task.Complexity(rec.Complexity),
				TaskType:      task.TypeImplement,
				TestFile:      rec.TestFile,
				ImplFile:      rec.ImplFile,
				ModuleExports: rec.ModuleExports,
			}

			criteria, err := d.criteriaForTask(ctx, &t)
			if err != nil {
				return nil, fmt.Errorf("criteria for %s: %w", t.Key, err)
			}
			t.AcceptanceCriteria = criteria

			hints, err := d.hintsForTask(ctx, &t)
			if err != nil {
				// Hints enrich prompts but are not load-bearing.
				slog.Warn("hints pass failed", "task", t.Key, "error", err)
			}
			t.ImplementationHints = hints

			tasks = append(tasks, t)
		}
	}

	tasks = append(injectPrerequisites(prd), tasks...)
	tasks = splitOversized(tasks, d.Config.Decompose.MaxCriteriaPerTask)
	enrichStreaming(tasks)
	demoteOverlaps(tasks)
	calculateDependencies(tasks)

	if err := validateConformance(tasks, prd); err != nil {
		return nil, err
	}
	if err := validateBoundaries(tasks, d.Config.Decompose); err != nil {
		return nil, err
	}
	if err := detectCycles(tasks); err != nil {
		return nil, err
	}
	if err := validateUniqueness(tasks); err != nil {
		return nil, err
	}

	return tasks, nil
}

// Persist writes the task set to the store in one transaction.
func (d *Pipeline) Persist(st *store.Store, tasks []task.Task) error {
	return st.CreateTasks(tasks)
}

// --- LM passes ---

const extractCyclesPrompt = `Extract the TDD cycles from the following PRD section.
Return a JSON array of objects, one per cycle, each with:
- "goal": one-sentence goal of the cycle
- "components": array of component descriptions belonging to the cycle

Return ONLY the JSON array.

PRD TDD CYCLES section:
---
%s
---`

func (d *Pipeline) extractCycles(ctx context.Context, prd *PRD) ([]CycleRecord, error) {
	records, err := llm.CompleteJSON[[]CycleRecord](ctx, d.Transport, llm.Options{
		Prompt: fmt.Sprintf(extractCyclesPrompt, prd.CyclesText),
		Model:  d.Model,
		Cwd:    d.Cwd,
	})
	if err != nil {
		return nil, fmt.Errorf("cycle extraction: %w", err)
	}
	if err := validateRecords(records); err != nil {
		return nil, fmt.Errorf("cycle extraction: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("cycle extraction returned no cycles")
	}
	return records, nil
}

const tasksPrompt = `Decompose the following TDD cycle into atomic tasks. Each task must be small
enough for one red-green-refactor round: one test file, one implementation file.

Allowed implementation path prefixes: %s
Unit tests go under tests/unit/, integration tests under tests/integration/.
Code touching APIs, routes, databases, repositories, or handlers must use
integration tests.

Cycle goal: %s
Components:
%s
%s
Return a JSON array of objects with fields:
- "title": short imperative title
- "goal": what the task delivers
- "test_file": workspace-relative test path
- "impl_file": workspace-relative implementation path
- "test_type": "unit" or "integration"
- "complexity": "low", "medium", or "high"
- "module_exports": array of public symbol names the implementation will expose

Return ONLY the JSON array.`

func (d *Pipeline) tasksForCycle(ctx context.Context, prd *PRD, cycle CycleRecord) ([]TaskRecord, error) {
	apiSection := ""
	if prd.APISpec != "" {
		apiSection = "\nModule API specification:\n" + prd.APISpec + "\n"
	}

	records, err := llm.CompleteJSON[[]TaskRecord](ctx, d.Transport, llm.Options{
		Prompt: fmt.Sprintf(tasksPrompt,
			strings.Join(prd.ModulePrefixes, ", "),
			cycle.Goal,
			"- "+strings.Join(cycle.Components, "\n- "),
			apiSection),
		Model: d.Model,
		Cwd:   d.Cwd,
	})
	if err != nil {
		return nil, err
	}
	if err := validateRecords(records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("task pass returned no tasks")
	}
	return records, nil
}

const criteriaPrompt = `Write ordered acceptance criteria for this TDD task.

Title: %s
Goal: %s
Implementation file: %s
Expected exports: %s

Each criterion must be independently checkable. Use forms like
"exports X", "raises ValueError on bad input", "responds to GET /path", or
GIVEN/WHEN/THEN sentences.

Return ONLY a JSON object: {"criteria": ["...", "..."]}`

func (d *Pipeline) criteriaForTask(ctx context.Context, t *task.Task) ([]string, error) {
	record, err := llm.CompleteJSON[CriteriaRecord](ctx, d.Transport, llm.Options{
		Prompt: fmt.Sprintf(criteriaPrompt, t.Title, t.Goal, t.ImplFile,
			strings.Join(t.ModuleExports, ", ")),
		Model: d.Model,
		Cwd:   d.Cwd,
	})
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(record); err != nil {
		return nil, err
	}
	return record.Criteria, nil
}

const hintsPrompt = `Write brief implementation hints for this TDD task: key design decisions,
pitfalls, and library choices. Two to five sentences.

Title: %s
Goal: %s
Implementation file: %s
Acceptance criteria:
%s

Return ONLY a JSON object: {"hints": "..."}`

func (d *Pipeline) hintsForTask(ctx context.Context, t *task.Task) (string, error) {
	record, err := llm.CompleteJSON[HintsRecord](ctx, d.Transport, llm.Options{
		Prompt: fmt.Sprintf(hintsPrompt, t.Title, t.Goal, t.ImplFile,
			"- "+strings.Join(t.AcceptanceCriteria, "\n- ")),
		Model: d.Model,
		Cwd:   d.Cwd,
	})
	if err != nil {
		return "", err
	}
	return record.Hints, nil
}

// taskKey derives the stable task key from the impl path's leading module
// segment: src/api/routes/users.py in phase 7, sequence 3 → API-TDD-07-03.
func taskKey(implFile string, phase, sequence int) string {
	segment := strings.TrimPrefix(implFile, "src/")
	if idx := strings.IndexByte(segment, '/'); idx > 0 {
		segment = segment[:idx]
	}
	segment = strings.TrimSuffix(segment, ".py")
	segment = strings.ToUpper(strings.Map(keepAlnum, segment))
	if segment == "" {
		segment = "CORE"
	}
	return fmt.Sprintf("%s-TDD-%02d-%02d", segment, phase, sequence)
}

func keepAlnum(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return r
	default:
		return -1
	}
}

// streaming enrichment shares the detector with the prompt builder.
func enrichStreaming(tasks []task.Task) {
	for i := range tasks {
		if prompt.DetectStreaming(&tasks[i]) {
			if tasks[i].Complexity != task.ComplexityHigh {
				slog.Info("streaming task forced to high complexity", "task", tasks[i].Key)
				tasks[i].Complexity = task.ComplexityHigh
			}
			if !strings.Contains(tasks[i].ImplementationHints, "sentinel") {
				tasks[i].ImplementationHints = strings.TrimSpace(tasks[i].ImplementationHints +
					"\nTest streaming endpoints with sentinel events, client.stream() context managers, and asyncio.wait_for timeouts.")
			}
		}
	}
}
