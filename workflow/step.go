package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/songzhibin97/process-map/types"
)

// Step and lifecycle errors.
var (
	ErrStepNotFound      = errors.New("step not found")
	ErrDuplicateStep     = errors.New("duplicate step id")
	ErrLastStep          = errors.New("unit must keep at least one step")
	ErrInvalidStepStatus = errors.New("invalid step status")
	ErrInvalidTransition = errors.New("invalid process status transition")
	ErrStepPosition      = errors.New("step position out of range")
)

// AllComplete reports whether steps is non-empty and every step is complete.
func AllComplete(steps []types.WorkflowStep) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if !s.Completed {
			return false
		}
	}
	return true
}

// CompletedSteps counts the completed steps.
func CompletedSteps(steps []types.WorkflowStep) int {
	n := 0
	for _, s := range steps {
		if s.Completed {
			n++
		}
	}
	return n
}

// recomputeCompletion keeps CompletedAt present iff every step is complete.
// An existing timestamp is never moved.
func recomputeCompletion(u *types.Unit, now time.Time) {
	all := AllComplete(u.Workflow)
	switch {
	case all && u.CompletedAt == nil:
		t := now
		u.CompletedAt = &t
	case !all:
		u.CompletedAt = nil
	}
}

func findStep(u *types.Unit, stepID string) int {
	for i := range u.Workflow {
		if u.Workflow[i].ID == stepID {
			return i
		}
	}
	return -1
}

// ToggleStep flips the completion flag of one step and re-evaluates the
// unit's completion timestamp. No other field is touched. A timestamp
// cleared by one toggle is re-stamped with now by the next.
func ToggleStep(u *types.Unit, stepID string, now time.Time) error {
	i := findStep(u, stepID)
	if i < 0 {
		return fmt.Errorf("%w: id=%s", ErrStepNotFound, stepID)
	}
	u.Workflow[i].Completed = !u.Workflow[i].Completed
	recomputeCompletion(u, now)
	return nil
}

// SetStepStatus sets a step's status. Completed and approved mark the step
// complete, every other status clears the flag.
func SetStepStatus(u *types.Unit, stepID string, status types.StepStatus, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStepStatus, status)
	}
	i := findStep(u, stepID)
	if i < 0 {
		return fmt.Errorf("%w: id=%s", ErrStepNotFound, stepID)
	}
	u.Workflow[i].Status = status
	u.Workflow[i].Completed = status.Done()
	recomputeCompletion(u, now)
	return nil
}

// AddStep appends a step at the end of the workflow.
func AddStep(u *types.Unit, step types.WorkflowStep, now time.Time) error {
	if findStep(u, step.ID) >= 0 {
		return fmt.Errorf("%w: id=%s", ErrDuplicateStep, step.ID)
	}
	if step.Status == "" {
		step.Status = types.StepNotStarted
	}
	step.Order = len(u.Workflow)
	u.Workflow = append(u.Workflow, step)
	recomputeCompletion(u, now)
	return nil
}

// RemoveStep deletes a step and closes the gap in the ordering.
func RemoveStep(u *types.Unit, stepID string, now time.Time) error {
	i := findStep(u, stepID)
	if i < 0 {
		return fmt.Errorf("%w: id=%s", ErrStepNotFound, stepID)
	}
	if len(u.Workflow) == 1 {
		return ErrLastStep
	}
	u.Workflow = append(u.Workflow[:i], u.Workflow[i+1:]...)
	Reindex(u.Workflow)
	recomputeCompletion(u, now)
	return nil
}

// MoveStep moves a step to the zero-based position pos.
func MoveStep(u *types.Unit, stepID string, pos int) error {
	Reindex(u.Workflow)
	i := findStep(u, stepID)
	if i < 0 {
		return fmt.Errorf("%w: id=%s", ErrStepNotFound, stepID)
	}
	if pos < 0 || pos >= len(u.Workflow) {
		return fmt.Errorf("%w: %d", ErrStepPosition, pos)
	}
	step := u.Workflow[i]
	steps := append(u.Workflow[:i:i], u.Workflow[i+1:]...)
	steps = append(steps[:pos], append([]types.WorkflowStep{step}, steps[pos:]...)...)
	u.Workflow = steps
	for j := range u.Workflow {
		u.Workflow[j].Order = j
	}
	return nil
}

// Reindex sorts steps by their current order and rewrites it as a dense
// zero-based index.
func Reindex(steps []types.WorkflowStep) {
	sort.SliceStable(steps, func(a, b int) bool { return steps[a].Order < steps[b].Order })
	for i := range steps {
		steps[i].Order = i
	}
}

var processTransitions = map[types.ProcessStatus]types.ProcessStatus{
	types.ProcessDraft:  types.ProcessActive,
	types.ProcessActive: types.ProcessArchived,
}

// SetProcessStatus moves a process along draft -> active -> archived.
// Setting the current status is a no-op.
func SetProcessStatus(p *types.BusinessProcess, to types.ProcessStatus, now time.Time) error {
	if p.Status == to {
		return nil
	}
	if next, ok := processTransitions[p.Status]; !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.LastModified = now
	return nil
}
