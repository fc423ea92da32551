package llm

import (
	"github.com/alanmeadows/maestro/internal/config"
	"github.com/alanmeadows/maestro/internal/task"
)

// ModelFor returns the model for a task complexity class after applying
// escalation. Escalation 0 is the task's own class; each further level steps
// up one class, saturating at high. A third GREEN attempt therefore always
// runs on the high-class model regardless of where the task started.
func ModelFor(models config.ModelsConfig, c task.Complexity, escalation int) ModelRef {
	rank := complexityRank(c) + escalation
	if rank > 2 {
		rank = 2
	}

	switch rank {
	case 0:
		return ParseModelRef(models.Low)
	case 1:
		return ParseModelRef(models.Medium)
	default:
		return ParseModelRef(models.High)
	}
}

func complexityRank(c task.Complexity) int {
	switch c {
	case task.ComplexityLow:
		return 0
	case task.ComplexityMedium:
		return 1
	case task.ComplexityHigh:
		return 2
	default:
		return 1
	}
}
