// Package analytics derives progress, status and aggregate statistics from
// task and process collections. Every function is a pure reduction.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/songzhibin97/process-map/types"
)

// Percent returns round(100*part/total), or 0 when total is 0.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(total)))
}

func completedSteps(steps []types.WorkflowStep) int {
	n := 0
	for _, s := range steps {
		if s.Completed {
			n++
		}
	}
	return n
}

// Progress is the share of completed steps as a rounded percentage.
func Progress(u *types.Unit) int {
	return Percent(completedSteps(u.Workflow), len(u.Workflow))
}

// IsOverdue reports a due date in the past with no completion recorded.
func IsOverdue(u *types.Unit, now time.Time) bool {
	return u.DueDate != nil && u.DueDate.Before(now) && u.CompletedAt == nil
}

// IsBlocked reports whether an incomplete step is marked blocked.
func IsBlocked(u *types.Unit) bool {
	for _, s := range u.Workflow {
		if s.Status == types.StepBlocked && !s.Completed {
			return true
		}
	}
	return false
}

// Classify derives a unit's status. Completed wins over overdue, which wins
// over blocked.
func Classify(u *types.Unit, now time.Time) types.Classification {
	switch {
	case u.CompletedAt != nil:
		return types.ClassCompleted
	case IsOverdue(u, now):
		return types.ClassOverdue
	case IsBlocked(u):
		return types.ClassBlocked
	default:
		return types.ClassActive
	}
}

// Tasks aggregates a task collection. See types.TaskStats for how
// ActiveTasks relates to ClassActive.
func Tasks(tasks []*types.Task, now time.Time) types.TaskStats {
	stats := types.TaskStats{TotalTasks: len(tasks)}
	var totalHours float64
	for _, t := range tasks {
		if t.CompletedAt != nil {
			stats.CompletedTasks++
			totalHours += t.CompletedAt.Sub(t.CreatedAt).Hours()
			continue
		}
		stats.ActiveTasks++
		if IsOverdue(&t.Unit, now) {
			stats.OverdueTasks++
		}
	}
	if stats.CompletedTasks > 0 {
		stats.AverageCompletionTime = math.Round(totalHours/float64(stats.CompletedTasks)*10) / 10
	}
	stats.ProductivityScore = Percent(stats.CompletedTasks, stats.TotalTasks)
	return stats
}

// Processes aggregates a process collection.
func Processes(processes []*types.BusinessProcess) types.ProcessStats {
	stats := types.ProcessStats{
		TotalProcesses:      len(processes),
		DepartmentBreakdown: make(map[string]int),
	}
	var steps, durationSum, durationCount int
	for _, p := range processes {
		if p.Status == types.ProcessActive {
			stats.ActiveProcesses++
		}
		if p.Department != "" {
			stats.DepartmentBreakdown[p.Department]++
		}
		steps += len(p.Workflow)
		for _, s := range p.Workflow {
			if s.Completed {
				stats.CompletedTasks++
			} else if s.Status == types.StepBlocked {
				stats.BlockedTasks++
			}
		}
		if d := ProcessDuration(p); d > 0 {
			durationSum += d
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AverageProcessTime = int(math.Round(float64(durationSum) / float64(durationCount)))
	}
	stats.EfficiencyScore = Percent(stats.CompletedTasks, steps)
	return stats
}

// ProcessDuration is the declared duration in minutes, falling back to the
// sum of step estimates.
func ProcessDuration(p *types.BusinessProcess) int {
	if p.EstimatedDuration > 0 {
		return p.EstimatedDuration
	}
	total := 0
	for _, s := range p.Workflow {
		total += s.EstimatedTime
	}
	return total
}

// ByPriority counts items per priority.
func ByPriority[T types.Item](items []T) map[types.Priority]int {
	out := make(map[types.Priority]int)
	for _, it := range items {
		out[it.Base().Priority]++
	}
	return out
}

// ByCategory counts items per non-empty category.
func ByCategory[T types.Item](items []T) map[string]int {
	out := make(map[string]int)
	for _, it := range items {
		if c := it.Base().Category; c != "" {
			out[c]++
		}
	}
	return out
}

// ByStatus counts items per classification.
func ByStatus[T types.Item](items []T, now time.Time) map[types.Classification]int {
	out := make(map[types.Classification]int)
	for _, it := range items {
		out[Classify(it.Base(), now)]++
	}
	return out
}

// Categories returns the sorted distinct non-empty categories.
func Categories[T types.Item](items []T) []string {
	seen := make(map[string]struct{})
	for _, it := range items {
		if c := it.Base().Category; c != "" {
			seen[c] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Tags returns the sorted distinct tags.
func Tags[T types.Item](items []T) []string {
	seen := make(map[string]struct{})
	for _, it := range items {
		for _, tag := range it.Base().Tags {
			seen[tag] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
