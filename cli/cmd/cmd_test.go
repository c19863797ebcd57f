package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-map/backup"
	"github.com/songzhibin97/process-map/types"
	"github.com/songzhibin97/process-map/workflow"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

// testConfig writes a config pointing at a fresh SQLite file.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "processmap.yaml")
	body := fmt.Sprintf("storage:\n  backend: sqlite\n  sqlite:\n    path: %s\nlog:\n  level: error\n", filepath.Join(dir, "pm.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, string, error) {
	t.Helper()
	root, a := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(bytes.NewReader(nil))
	root.SetArgs(append([]string{"--config", cfg}, args...))
	err := root.ExecuteContext(context.Background())
	a.close()
	return stdout.String(), stderr.String(), err
}

func runJSON(t *testing.T, cfg string, out interface{}, args ...string) {
	t.Helper()
	stdout, stderr, err := run(t, cfg, append(args, "--json")...)
	require.NoError(t, err, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), out), stdout)
}

func TestTaskLifecycle(t *testing.T) {
	cfg := testConfig(t)

	var task types.Task
	runJSON(t, cfg, &task, "task", "add", "--title", "Ship release", "--step", "Tag build", "--step", "Announce", "--tag", "release")
	require.Len(t, task.Workflow, 2)
	assert.Equal(t, types.PriorityMedium, task.Priority)

	stdout, _, err := run(t, cfg, "task", "toggle", task.ID, "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "50%")

	var got types.Task
	runJSON(t, cfg, &got, "task", "toggle", task.ID, task.Workflow[1].ID)
	assert.NotNil(t, got.CompletedAt)

	runJSON(t, cfg, &got, "task", "toggle", task.ID, "2")
	assert.Nil(t, got.CompletedAt)
	assert.True(t, got.Workflow[0].Completed)

	stdout, _, err = run(t, cfg, "task", "show", task.ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Ship release")
	assert.Contains(t, stdout, "[x] Tag build")
	assert.Contains(t, stdout, "[ ] Announce")

	_, _, err = run(t, cfg, "task", "toggle", task.ID, "9")
	assert.ErrorIs(t, err, workflow.ErrStepNotFound)

	require.NoError(t, func() error { _, _, err := run(t, cfg, "task", "delete", task.ID); return err }())
	_, _, err = run(t, cfg, "task", "show", task.ID)
	assert.ErrorIs(t, err, workflow.ErrTaskNotFound)
}

func TestTaskAddValidation(t *testing.T) {
	cfg := testConfig(t)

	_, stderr, err := run(t, cfg, "task", "add", "--title", "No steps")
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)
	assert.Contains(t, stderr, "create failed")

	_, _, err = run(t, cfg, "task", "add", "--title", "x", "--step", "a", "--due", "tomorrow")
	assert.Error(t, err)
}

func TestTaskListFilters(t *testing.T) {
	cfg := testConfig(t)
	_, _, err := run(t, cfg, "task", "add", "--title", "Quarterly report", "--step", "Draft", "--priority", "high", "--category", "work")
	require.NoError(t, err)
	_, _, err = run(t, cfg, "task", "add", "--title", "Groceries", "--step", "Buy", "--category", "home", "--due", "2000-01-01")
	require.NoError(t, err)

	var tasks []types.Task
	runJSON(t, cfg, &tasks, "task", "list")
	require.Len(t, tasks, 2)
	assert.Equal(t, "Groceries", tasks[0].Title, "newest first")

	runJSON(t, cfg, &tasks, "task", "list", "--priority", "high")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Quarterly report", tasks[0].Title)

	runJSON(t, cfg, &tasks, "task", "list", "--status", "overdue")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Groceries", tasks[0].Title)

	runJSON(t, cfg, &tasks, "task", "list", "--where", `category == "work" && progress == 0`)
	require.Len(t, tasks, 1)

	stdout, _, err := run(t, cfg, "task", "list", "--query", "nothing-matches")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No tasks found")

	stdout, _, err = run(t, cfg, "task", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "TITLE")
	assert.Contains(t, stdout, "overdue")

	_, _, err = run(t, cfg, "task", "list", "--where", "progress >")
	assert.Error(t, err)
}

func TestProcessCommands(t *testing.T) {
	cfg := testConfig(t)

	_, _, err := run(t, cfg, "process", "add", "--name", "Onboarding", "--step", "Contract")
	require.Error(t, err, "department and owner are required flags")

	var p types.BusinessProcess
	runJSON(t, cfg, &p, "process", "add", "--name", "Onboarding", "--department", "HR", "--owner", "dana",
		"--step", "Contract", "--step", "Laptop", "--stakeholder", "IT", "--objective", "Fast start")
	assert.Equal(t, types.ProcessDraft, p.Status)
	assert.Equal(t, "1.0", p.Version)

	runJSON(t, cfg, &p, "process", "status", p.ID, "active")
	assert.Equal(t, types.ProcessActive, p.Status)

	_, _, err = run(t, cfg, "process", "status", p.ID, "draft")
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	var step types.WorkflowStep
	runJSON(t, cfg, &step, "process", "step", "add", p.ID, "--title", "Sign-off", "--approval", "--estimate", "15")
	assert.Equal(t, 2, step.Order)
	assert.True(t, step.ApprovalRequired)

	runJSON(t, cfg, &p, "process", "step", "move", p.ID, step.ID, "1")
	assert.Equal(t, "Sign-off", p.Workflow[0].Title)

	runJSON(t, cfg, &p, "process", "step", "status", p.ID, "1", "blocked")
	assert.Equal(t, types.StepBlocked, p.Workflow[0].Status)

	runJSON(t, cfg, &p, "process", "step", "remove", p.ID, "1")
	assert.Len(t, p.Workflow, 2)

	var list []types.BusinessProcess
	runJSON(t, cfg, &list, "process", "list", "--department", "HR")
	assert.Len(t, list, 1)
	runJSON(t, cfg, &list, "process", "list", "--department", "Finance")
	assert.Empty(t, list)
}

func TestStats(t *testing.T) {
	cfg := testConfig(t)
	var task types.Task
	runJSON(t, cfg, &task, "task", "add", "--title", "a", "--step", "s")
	_, _, err := run(t, cfg, "task", "add", "--title", "b", "--step", "s", "--tag", "x")
	require.NoError(t, err)
	_, _, err = run(t, cfg, "task", "toggle", task.ID, "1")
	require.NoError(t, err)
	_, _, err = run(t, cfg, "process", "add", "--name", "p", "--department", "Finance", "--owner", "o", "--step", "s", "--duration", "90")
	require.NoError(t, err)

	var r statsReport
	runJSON(t, cfg, &r, "stats")
	assert.Equal(t, 2, r.Tasks.TotalTasks)
	assert.Equal(t, 1, r.Tasks.CompletedTasks)
	assert.Equal(t, 50, r.Tasks.ProductivityScore)
	assert.Equal(t, 1, r.Processes.TotalProcesses)
	assert.Equal(t, 90, r.Processes.AverageProcessTime)
	assert.Equal(t, map[string]int{"Finance": 1}, r.Processes.DepartmentBreakdown)
	assert.Equal(t, []string{"x"}, r.Tags)

	stdout, _, err := run(t, cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, stdout, "productivity")
	assert.Contains(t, stdout, "Finance")
}

func TestExportImport(t *testing.T) {
	cfg := testConfig(t)
	_, _, err := run(t, cfg, "task", "add", "--title", "Keep me", "--step", "s")
	require.NoError(t, err)
	_, _, err = run(t, cfg, "process", "add", "--name", "p", "--department", "HR", "--owner", "o", "--step", "s")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "backup.json")
	stdout, _, err := run(t, cfg, "export", "--output", file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Exported 1 processes and 1 tasks")

	f, err := os.Open(file)
	require.NoError(t, err)
	doc, err := backup.Import(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, backup.Version, doc.Version)

	_, _, err = run(t, cfg, "clear", "all")
	assert.Error(t, err, "clear needs --yes")
	_, _, err = run(t, cfg, "clear", "all", "--yes")
	require.NoError(t, err)

	var tasks []types.Task
	runJSON(t, cfg, &tasks, "task", "list")
	assert.Empty(t, tasks)

	_, _, err = run(t, cfg, "import", file)
	require.NoError(t, err)
	runJSON(t, cfg, &tasks, "task", "list")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Keep me", tasks[0].Title)
	assert.Equal(t, doc.Tasks[0].ID, tasks[0].ID)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"tasks": []}`), 0o644))
	_, _, err = run(t, cfg, "import", bad)
	assert.ErrorIs(t, err, backup.ErrInvalidBackup)
	runJSON(t, cfg, &tasks, "task", "list")
	assert.Len(t, tasks, 1, "failed import leaves data alone")
}

func TestBackupRestore(t *testing.T) {
	cfg := testConfig(t)

	_, _, err := run(t, cfg, "restore")
	assert.ErrorIs(t, err, backup.ErrNoBackup)

	var task types.Task
	runJSON(t, cfg, &task, "task", "add", "--title", "Precious", "--step", "s")
	_, _, err = run(t, cfg, "backup")
	require.NoError(t, err)

	_, _, err = run(t, cfg, "task", "delete", task.ID)
	require.NoError(t, err)

	stdout, _, err := run(t, cfg, "restore")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Restored backup")

	var got types.Task
	runJSON(t, cfg, &got, "task", "show", task.ID)
	assert.Equal(t, "Precious", got.Title)
}

func TestTemplates(t *testing.T) {
	cfg := testConfig(t)

	stdout, _, err := run(t, cfg, "template", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "employee-onboarding")

	var task types.Task
	runJSON(t, cfg, &task, "template", "apply", "weekly-review", "--title", "Week 12")
	assert.Equal(t, "Week 12", task.Title)
	assert.Len(t, task.Workflow, 3)

	_, _, err = run(t, cfg, "template", "apply", "month-end-close")
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)

	var p types.BusinessProcess
	runJSON(t, cfg, &p, "template", "apply", "month-end-close", "--owner", "kim")
	assert.Equal(t, "Finance", p.Department)

	_, _, err = run(t, cfg, "template", "apply", "nope")
	assert.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: floppy\n"), 0o644))

	_, stderr, err := run(t, path, "task", "list")
	assert.Error(t, err)
	assert.Contains(t, stderr, "floppy")
}

func TestResolveStep(t *testing.T) {
	u := &types.Unit{Workflow: []types.WorkflowStep{{ID: "a"}, {ID: "2"}, {ID: "c"}}}
	tests := []struct {
		ref, want string
		ok        bool
	}{
		{"a", "a", true},
		{"2", "2", true}, // ids win over positions
		{"3", "c", true},
		{"0", "", false},
		{"x", "", false},
	}
	for _, tt := range tests {
		got, err := resolveStep(u, tt.ref)
		if !tt.ok {
			assert.ErrorIs(t, err, workflow.ErrStepNotFound, tt.ref)
			continue
		}
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got)
	}
}
