package decompose

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// CycleRecord is the structured output of the cycle-extraction pass.
type CycleRecord struct {
	Goal       string   `json:"goal" validate:"required"`
	Components []string `json:"components" validate:"required,min=1"`
}

// TaskRecord is the structured output of the per-cycle task pass.
type TaskRecord struct {
	Title      string `json:"title" validate:"required"`
	Goal       string `json:"goal" validate:"required"`
	TestFile   string `json:"test_file" validate:"required"`
	ImplFile   string `json:"impl_file" validate:"required"`
	TestType   string `json:"test_type" validate:"required,oneof=unit integration"`
	Complexity string `json:"complexity" validate:"required,oneof=low medium high"`
	// ModuleExports lists the public symbols the task is expected to add.
	ModuleExports []string `json:"module_exports"`
}

// CriteriaRecord is the structured output of the acceptance-criteria pass.
type CriteriaRecord struct {
	Criteria []string `json:"criteria" validate:"required,min=1,dive,required"`
}

// HintsRecord is the structured output of the implementation-hints pass.
type HintsRecord struct {
	Hints string `json:"hints"`
}

var validate = validator.New()

func validateRecords[T any](records []T) error {
	for i, r := range records {
		if err := validate.Struct(r); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}
