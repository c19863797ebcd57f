package types

import (
	"strings"
	"time"
)

// Priority is the urgency level shared by units and steps.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// StepStatus is the fine-grained state of a single workflow step.
type StepStatus string

const (
	StepNotStarted StepStatus = "not-started"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepBlocked    StepStatus = "blocked"
	StepApproved   StepStatus = "approved"
)

// Valid reports whether s is one of the known step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepNotStarted, StepInProgress, StepCompleted, StepBlocked, StepApproved:
		return true
	}
	return false
}

// Done reports whether the status counts as a completed step.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepApproved
}

// ProcessStatus is the lifecycle state of a business process.
type ProcessStatus string

const (
	ProcessDraft    ProcessStatus = "draft"
	ProcessActive   ProcessStatus = "active"
	ProcessArchived ProcessStatus = "archived"
)

// Classification is the derived status of a unit.
type Classification string

const (
	ClassActive    Classification = "active"
	ClassCompleted Classification = "completed"
	ClassOverdue   Classification = "overdue"
	ClassBlocked   Classification = "blocked"
)

// WorkflowStep is an atomic unit of work owned by exactly one Task or BusinessProcess.
type WorkflowStep struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Completed        bool       `json:"completed"`
	Order            int        `json:"order"`
	EstimatedTime    int        `json:"estimatedTime,omitempty"` // minutes
	Priority         Priority   `json:"priority,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	AssignedTo       string     `json:"assignedTo,omitempty"`
	Department       string     `json:"department,omitempty"`
	Role             string     `json:"role,omitempty"`
	Dependencies     []string   `json:"dependencies,omitempty"`
	Deliverables     []string   `json:"deliverables,omitempty"`
	ApprovalRequired bool       `json:"approvalRequired,omitempty"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	StartDate        *time.Time `json:"startDate,omitempty"`
	EndDate          *time.Time `json:"endDate,omitempty"`
	Status           StepStatus `json:"status,omitempty"`
}

// Unit holds the fields shared by tasks and processes. It is embedded so
// its fields are flattened into both JSON objects.
type Unit struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Workflow    []WorkflowStep `json:"workflow"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DueDate     *time.Time     `json:"dueDate,omitempty"`
	Priority    Priority       `json:"priority"`
	Category    string         `json:"category,omitempty"`
	Tags        []string       `json:"tags"`
}

// Base returns the shared unit fields.
func (u *Unit) Base() *Unit { return u }

// Item is implemented by *Task and *BusinessProcess.
type Item interface {
	Base() *Unit
	DisplayName() string
	Dept() string
}

// Task is a personal unit of work.
type Task struct {
	Unit
	Title              string `json:"title"`
	EstimatedTotalTime int    `json:"estimatedTotalTime,omitempty"`
	ActualTimeSpent    int    `json:"actualTimeSpent,omitempty"`
	ProcessID          string `json:"processId,omitempty"`
	AssignedTo         string `json:"assignedTo,omitempty"`
	Department         string `json:"department,omitempty"`
}

func (t *Task) DisplayName() string { return t.Title }
func (t *Task) Dept() string        { return t.Department }

// BusinessProcess is a departmental process owned by a person.
type BusinessProcess struct {
	Unit
	Name              string        `json:"name"`
	Department        string        `json:"department"`
	Owner             string        `json:"owner"`
	LastModified      time.Time     `json:"lastModified"`
	Version           string        `json:"version"`
	Status            ProcessStatus `json:"status"`
	EstimatedDuration int           `json:"estimatedDuration,omitempty"` // minutes
	Stakeholders      []string      `json:"stakeholders"`
	Objectives        []string      `json:"objectives"`
	KPIs              []string      `json:"kpis,omitempty"`
}

func (p *BusinessProcess) DisplayName() string { return p.Name }
func (p *BusinessProcess) Dept() string        { return p.Department }

// StepTemplate is a step blueprint without identity or completion state.
type StepTemplate struct {
	Title            string   `json:"title" yaml:"title"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	EstimatedTime    int      `json:"estimatedTime,omitempty" yaml:"estimated_time,omitempty"`
	Priority         Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags             []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	AssignedTo       string   `json:"assignedTo,omitempty" yaml:"assigned_to,omitempty"`
	Department       string   `json:"department,omitempty" yaml:"department,omitempty"`
	Role             string   `json:"role,omitempty" yaml:"role,omitempty"`
	Deliverables     []string `json:"deliverables,omitempty" yaml:"deliverables,omitempty"`
	ApprovalRequired bool     `json:"approvalRequired,omitempty" yaml:"approval_required,omitempty"`
}

// TaskTemplate describes a reusable task.
type TaskTemplate struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Workflow    []StepTemplate `json:"workflow" yaml:"workflow"`
	Category    string         `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string       `json:"tags" yaml:"tags"`
}

// ProcessTemplate describes a reusable business process.
type ProcessTemplate struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Department   string         `json:"department" yaml:"department"`
	Workflow     []StepTemplate `json:"workflow" yaml:"workflow"`
	Category     string         `json:"category" yaml:"category"`
	Tags         []string       `json:"tags" yaml:"tags"`
	Stakeholders []string       `json:"stakeholders" yaml:"stakeholders"`
	Objectives   []string       `json:"objectives" yaml:"objectives"`
}

// TaskStats aggregates a task collection. ActiveTasks counts every
// incomplete task, overdue ones included, so OverdueTasks is a subset of it.
// This differs from the exclusive classification used by status breakdowns
// and filters, where an overdue task is not active.
type TaskStats struct {
	TotalTasks            int     `json:"totalTasks"`
	CompletedTasks        int     `json:"completedTasks"`
	ActiveTasks           int     `json:"activeTasks"`
	OverdueTasks          int     `json:"overdueTasks"`
	AverageCompletionTime float64 `json:"averageCompletionTime"` // hours
	ProductivityScore     int     `json:"productivityScore"`
}

// ProcessStats aggregates a process collection. CompletedTasks and
// BlockedTasks count steps across all processes.
type ProcessStats struct {
	TotalProcesses      int            `json:"totalProcesses"`
	ActiveProcesses     int            `json:"activeProcesses"`
	CompletedTasks      int            `json:"completedTasks"`
	BlockedTasks        int            `json:"blockedTasks"`
	DepartmentBreakdown map[string]int `json:"departmentBreakdown"`
	AverageProcessTime  int            `json:"averageProcessTime"` // minutes
	EfficiencyScore     int            `json:"efficiencyScore"`
}

// NormalizeTags trims tags, drops blanks and removes duplicates while
// keeping the first occurrence. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
