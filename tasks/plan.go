package tasks

import (
	"errors"
	"fmt"
)

// ErrNoJobs is returned when a chain is requested with no jobs
var ErrNoJobs = errors.New("no jobs to run")

// DiagnosticsJobs is the full pipeline run by the "run diagnostics" action.
// Each step consumes what the previous one produced.
var DiagnosticsJobs = []string{"parser", "matching", "alerts", "reports"}

// Plan is the preview of a chained run: nothing is submitted
type Plan struct {
	Steps    []PlannedStep `json:"steps"`
	Warnings []string      `json:"warnings,omitempty"`
}

// PlannedStep describes one job of a chain
type PlannedStep struct {
	Step        int    `json:"step"`
	JobName     string `json:"job"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DependsOn   string `json:"depends_on,omitempty"`
}

// BuildPlan validates jobNames against catalog and lays out the steps
func BuildPlan(catalog *Catalog, jobNames []string) (*Plan, error) {
	if len(jobNames) == 0 {
		return nil, ErrNoJobs
	}

	plan := &Plan{Steps: make([]PlannedStep, 0, len(jobNames))}
	seen := make(map[string]bool, len(jobNames))
	lastOrder := 0

	for i, name := range jobNames {
		def, err := catalog.Get(name)
		if err != nil {
			return nil, err
		}

		step := PlannedStep{
			Step:        i + 1,
			JobName:     def.Name,
			Title:       def.Title,
			Description: def.Description,
		}
		if i > 0 {
			step.DependsOn = jobNames[i-1]
		}
		plan.Steps = append(plan.Steps, step)

		if seen[name] {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("%s runs more than once", name))
		}
		seen[name] = true

		if def.Order < lastOrder {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("%s is scheduled after a job that normally depends on it", name))
		}
		lastOrder = def.Order
	}

	return plan, nil
}
