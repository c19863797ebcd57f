package workflow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-map/events"
	"github.com/songzhibin97/process-map/storage"
	"github.com/songzhibin97/process-map/types"
)

// MockGenerator is a simple counting ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return "id-" + strconv.FormatUint(g.id, 10), nil
}

// FailingGenerator always returns an error.
type FailingGenerator struct{}

func (FailingGenerator) NextID() (string, error) {
	return "", errors.New("generator exhausted")
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(t *testing.T, store storage.Storage) (*Tracker, *testClock) {
	t.Helper()
	clock := newTestClock()
	tr, err := NewTracker(&MockGenerator{}, store, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr, clock
}

// collect subscribes to eventType and returns the channel events arrive on.
func collect(tr *Tracker, eventType events.Type) <-chan events.Event {
	ch := make(chan events.Event, 32)
	tr.Subscribe(eventType, events.HandlerFunc(func(ctx context.Context, e events.Event) error {
		ch <- e
		return nil
	}))
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return events.Event{}
	}
}

func twoStepTask() TaskInput {
	return TaskInput{
		Title: "Ship release",
		Steps: []types.StepTemplate{{Title: "A"}, {Title: "B"}},
	}
}

func TestNewTracker(t *testing.T) {
	_, err := NewTracker(nil, nil)
	assert.Error(t, err)

	tr, err := NewTracker(&MockGenerator{}, nil)
	require.NoError(t, err)
	defer tr.Stop(context.Background())

	id, err := tr.GenerateID()
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Empty(t, tr.Tasks())
	assert.Empty(t, tr.Processes())
}

func TestAddTask(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		input   TaskInput
		wantErr error
	}{
		{"valid", twoStepTask(), nil},
		{"blank title", TaskInput{Title: "  ", Steps: []types.StepTemplate{{Title: "A"}}}, ErrInvalidInput},
		{"no steps", TaskInput{Title: "x"}, ErrInvalidInput},
		{"only blank steps", TaskInput{Title: "x", Steps: []types.StepTemplate{{Title: " "}}}, ErrInvalidInput},
		{"bad priority", TaskInput{Title: "x", Priority: "urgent", Steps: []types.StepTemplate{{Title: "A"}}}, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTracker(t, storage.NewMemoryStorage())
			task, err := tr.AddTask(ctx, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, tr.Tasks())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.PriorityMedium, task.Priority)
			assert.Len(t, task.Workflow, 2)
			for i, s := range task.Workflow {
				assert.Equal(t, i, s.Order)
				assert.False(t, s.Completed)
				assert.Equal(t, types.StepNotStarted, s.Status)
			}
			assert.Nil(t, task.CompletedAt)
		})
	}
}

func TestAddTaskPrepends(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, nil)

	first, err := tr.AddTask(ctx, twoStepTask())
	require.NoError(t, err)
	in := twoStepTask()
	in.Title = "Second"
	in.Tags = []string{" a ", "b", "a", ""}
	second, err := tr.AddTask(ctx, in)
	require.NoError(t, err)

	tasks := tr.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[1].ID)
	assert.Equal(t, []string{"a", "b"}, tasks[0].Tags)
}

func TestAddTaskGeneratorFailure(t *testing.T) {
	tr, err := NewTracker(FailingGenerator{}, nil)
	require.NoError(t, err)
	defer tr.Stop(context.Background())

	_, err = tr.AddTask(context.Background(), twoStepTask())
	assert.Error(t, err)
	assert.Empty(t, tr.Tasks())
}

func TestToggleWalkthrough(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTracker(t, storage.NewMemoryStorage())
	completed := collect(tr, events.TypeUnitCompleted)
	reopened := collect(tr, events.TypeUnitReopened)

	task, err := tr.AddTask(ctx, twoStepTask())
	require.NoError(t, err)
	a, b := task.Workflow[0].ID, task.Workflow[1].ID

	require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, a))
	got, err := tr.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, CompletedSteps(got.Workflow))
	assert.Nil(t, got.CompletedAt)

	clock.Advance(time.Hour)
	require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, b))
	got, _ = tr.Task(task.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, clock.Now(), *got.CompletedAt)
	assert.Equal(t, task.ID, waitEvent(t, completed).UnitID)

	require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, a))
	got, _ = tr.Task(task.ID)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 1, CompletedSteps(got.Workflow))
	assert.Equal(t, task.ID, waitEvent(t, reopened).UnitID)
}

func TestDoubleToggleRestoresSteps(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, nil)

	task, err := tr.AddTask(ctx, twoStepTask())
	require.NoError(t, err)
	before, _ := tr.Task(task.ID)

	for _, step := range before.Workflow {
		require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, step.ID))
		require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, step.ID))
	}
	after, _ := tr.Task(task.ID)
	assert.Equal(t, before.Workflow, after.Workflow)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
}

func TestDoubleToggleOnCompletedUnitRestamps(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTracker(t, nil)

	task, err := tr.AddTask(ctx, twoStepTask())
	require.NoError(t, err)
	for _, step := range task.Workflow {
		require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, step.ID))
	}
	before, _ := tr.Task(task.ID)
	require.NotNil(t, before.CompletedAt)
	firstStamp := *before.CompletedAt

	clock.Advance(2 * time.Hour)
	last := task.Workflow[1].ID
	require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, last))
	require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, last))

	after, _ := tr.Task(task.ID)
	assert.Equal(t, before.Workflow, after.Workflow)
	require.NotNil(t, after.CompletedAt)
	assert.Equal(t, clock.Now(), *after.CompletedAt)
	assert.True(t, after.CompletedAt.After(firstStamp))
}

func TestToggleErrors(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, nil)
	task, err := tr.AddTask(ctx, twoStepTask())
	require.NoError(t, err)

	assert.ErrorIs(t, tr.ToggleStep(ctx, KindTask, "missing", "x"), ErrTaskNotFound)
	assert.ErrorIs(t, tr.ToggleStep(ctx, KindProcess, task.ID, "x"), ErrProcessNotFound)
	assert.ErrorIs(t, tr.ToggleStep(ctx, KindTask, task.ID, "x"), ErrStepNotFound)
	assert.ErrorIs(t, tr.ToggleStep(ctx, Kind("other"), task.ID, "x"), ErrUnknownKind)
}

func TestCompletionInvariantAcrossEdits(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, nil)
	task, err := tr.AddTask(ctx, twoStepTask())
	require.NoError(t, err)

	check := func() {
		t.Helper()
		got, err := tr.Task(task.ID)
		require.NoError(t, err)
		assert.Equal(t, AllComplete(got.Workflow), got.CompletedAt != nil)
	}

	require.NoError(t, tr.SetStepStatus(ctx, KindTask, task.ID, task.Workflow[0].ID, types.StepApproved))
	check()
	require.NoError(t, tr.SetStepStatus(ctx, KindTask, task.ID, task.Workflow[1].ID, types.StepCompleted))
	check()

	added, err := tr.AddStep(ctx, KindTask, task.ID, types.StepTemplate{Title: "C"})
	require.NoError(t, err)
	assert.Equal(t, 2, added.Order)
	check()

	require.NoError(t, tr.RemoveStep(ctx, KindTask, task.ID, added.ID))
	check()

	require.NoError(t, tr.SetStepStatus(ctx, KindTask, task.ID, task.Workflow[0].ID, types.StepBlocked))
	check()

	assert.ErrorIs(t, tr.SetStepStatus(ctx, KindTask, task.ID, task.Workflow[0].ID, "done"), ErrInvalidStepStatus)
}

func TestStepEditing(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, nil)
	task, err := tr.AddTask(ctx, TaskInput{Title: "x", Steps: []types.StepTemplate{{Title: "A"}, {Title: "B"}, {Title: "C"}}})
	require.NoError(t, err)
	ids := []string{task.Workflow[0].ID, task.Workflow[1].ID, task.Workflow[2].ID}

	require.NoError(t, tr.MoveStep(ctx, KindTask, task.ID, ids[2], 0))
	got, _ := tr.Task(task.ID)
	assert.Equal(t, []string{"C", "A", "B"}, []string{got.Workflow[0].Title, got.Workflow[1].Title, got.Workflow[2].Title})
	assert.ErrorIs(t, tr.MoveStep(ctx, KindTask, task.ID, ids[0], 3), ErrStepPosition)

	require.NoError(t, tr.RemoveStep(ctx, KindTask, task.ID, ids[0]))
	require.NoError(t, tr.RemoveStep(ctx, KindTask, task.ID, ids[1]))
	assert.ErrorIs(t, tr.RemoveStep(ctx, KindTask, task.ID, ids[2]), ErrLastStep)

	got, _ = tr.Task(task.ID)
	require.Len(t, got.Workflow, 1)
	assert.Equal(t, 0, got.Workflow[0].Order)
}

func TestProcessLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTracker(t, storage.NewMemoryStorage())

	_, err := tr.AddProcess(ctx, ProcessInput{Name: "Onboarding", Steps: []types.StepTemplate{{Title: "A"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	p, err := tr.AddProcess(ctx, ProcessInput{
		Name:         "Onboarding",
		Department:   "HR",
		Owner:        "dana",
		Stakeholders: []string{"IT", "IT", " "},
		Objectives:   []string{"Fast start", ""},
		Steps:        []types.StepTemplate{{Title: "Paperwork", EstimatedTime: 30}, {Title: "Laptop"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ProcessDraft, p.Status)
	assert.Equal(t, DefaultVersion, p.Version)
	assert.Equal(t, []string{"IT"}, p.Stakeholders)
	assert.Equal(t, []string{"Fast start"}, p.Objectives)
	assert.Equal(t, p.CreatedAt, p.LastModified)

	clock.Advance(time.Minute)
	require.NoError(t, tr.ToggleStep(ctx, KindProcess, p.ID, p.Workflow[0].ID))
	got, _ := tr.Process(p.ID)
	assert.Equal(t, p.LastModified, got.LastModified, "toggle leaves lastModified alone")

	clock.Advance(time.Minute)
	require.NoError(t, tr.SetStepStatus(ctx, KindProcess, p.ID, p.Workflow[1].ID, types.StepInProgress))
	got, _ = tr.Process(p.ID)
	assert.Equal(t, clock.Now(), got.LastModified)

	require.NoError(t, tr.SetProcessStatus(ctx, p.ID, types.ProcessActive))
	require.NoError(t, tr.SetProcessStatus(ctx, p.ID, types.ProcessActive))
	assert.ErrorIs(t, tr.SetProcessStatus(ctx, p.ID, types.ProcessDraft), ErrInvalidTransition)
	require.NoError(t, tr.SetProcessStatus(ctx, p.ID, types.ProcessArchived))
	got, _ = tr.Process(p.ID)
	assert.Equal(t, types.ProcessArchived, got.Status)
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	tr, _ := newTracker(t, store)
	deleted := collect(tr, events.TypeUnitDeleted)

	a, _ := tr.AddTask(ctx, twoStepTask())
	b, _ := tr.AddTask(ctx, twoStepTask())

	require.NoError(t, tr.Delete(ctx, KindTask, a.ID))
	assert.Equal(t, a.ID, waitEvent(t, deleted).UnitID)
	assert.ErrorIs(t, tr.Delete(ctx, KindTask, a.ID), ErrTaskNotFound)
	require.Len(t, tr.Tasks(), 1)
	assert.Equal(t, b.ID, tr.Tasks()[0].ID)

	require.NoError(t, tr.Clear(ctx, KindTask))
	assert.Empty(t, tr.Tasks())
	data, err := store.Get(ctx, TasksKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	assert.ErrorIs(t, tr.Clear(ctx, "nope"), ErrUnknownKind)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, nil)

	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	task, err := tr.AddTask(ctx, TaskInput{
		Title:   "Ship release",
		DueDate: &due,
		Steps: []types.StepTemplate{
			{Title: "A", Tags: []string{"build"}, Deliverables: []string{"notes"}},
			{Title: "B"},
		},
	})
	require.NoError(t, err)

	task.Workflow[0].Completed = true
	task.Title = "changed"
	got, _ := tr.Task(task.ID)
	assert.False(t, got.Workflow[0].Completed)
	assert.Equal(t, "Ship release", got.Title)

	cp, err := tr.Task(task.ID)
	require.NoError(t, err)
	*cp.DueDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	cp.Workflow[0].Tags[0] = "mutated"
	cp.Workflow[0].Deliverables[0] = "mutated"
	cp.Tags = append(cp.Tags, "extra")

	got, _ = tr.Task(task.ID)
	assert.Equal(t, due, *got.DueDate)
	assert.Equal(t, []string{"build"}, got.Workflow[0].Tags)
	assert.Equal(t, []string{"notes"}, got.Workflow[0].Deliverables)
	assert.Empty(t, got.Tags)

	p, err := tr.AddProcess(ctx, ProcessInput{
		Name: "Close books", Department: "Finance", Owner: "lee",
		Stakeholders: []string{"cfo"},
		Steps:        []types.StepTemplate{{Title: "Reconcile"}},
	})
	require.NoError(t, err)
	list := tr.Processes()
	list[0].Stakeholders[0] = "mutated"
	gotP, _ := tr.Process(p.ID)
	assert.Equal(t, []string{"cfo"}, gotP.Stakeholders)
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	tr, _ := newTracker(t, store)

	due := time.Date(2026, 4, 2, 17, 30, 0, 0, time.FixedZone("CET", 3600))
	task, err := tr.AddTask(ctx, TaskInput{
		Title:    "Report",
		Priority: types.PriorityHigh,
		DueDate:  &due,
		Tags:     []string{"finance"},
		Steps:    []types.StepTemplate{{Title: "Draft", Tags: []string{"writing"}}, {Title: "Review"}},
	})
	require.NoError(t, err)
	require.NoError(t, tr.ToggleStep(ctx, KindTask, task.ID, task.Workflow[0].ID))
	_, err = tr.AddProcess(ctx, ProcessInput{
		Name: "Close books", Department: "Finance", Owner: "lee",
		KPIs:  []string{"days to close"},
		Steps: []types.StepTemplate{{Title: "Reconcile", ApprovalRequired: true}},
	})
	require.NoError(t, err)

	reloaded, _ := newTracker(t, store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, tr.Tasks(), reloaded.Tasks())
	assert.Equal(t, tr.Processes(), reloaded.Processes())
}

func TestLoadEmptyStorage(t *testing.T) {
	tr, _ := newTracker(t, storage.NewMemoryStorage())
	require.NoError(t, tr.Load(context.Background()))
	assert.NotNil(t, tr.Tasks())
	assert.Empty(t, tr.Tasks())
}

func TestLoadDiscardsMalformedData(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Set(ctx, TasksKey, []byte("{not json")))
	require.NoError(t, store.Set(ctx, ProcessesKey, []byte(`[{"id":"p1","name":"Kept","department":"HR","owner":"x","workflow":[{"id":"s","title":"S","order":4,"completed":true}]}]`)))

	tr, _ := newTracker(t, store)
	alerts := collect(tr, events.TypeAlert)
	require.NoError(t, tr.Load(ctx))

	assert.Empty(t, tr.Tasks())
	_, err := store.Get(ctx, TasksKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, waitEvent(t, alerts).Message(), TasksKey)

	ps := tr.Processes()
	require.Len(t, ps, 1)
	assert.Equal(t, 0, ps[0].Workflow[0].Order)
	assert.Equal(t, types.StepCompleted, ps[0].Workflow[0].Status)
	assert.NotNil(t, ps[0].CompletedAt)
	assert.Equal(t, types.ProcessDraft, ps[0].Status)
}

func TestSaveFailureKeepsChange(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t, storage.NewMemoryStorage(storage.WithQuota(16)))
	alerts := collect(tr, events.TypeAlert)

	task, err := tr.AddTask(ctx, twoStepTask())
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	require.NotNil(t, task)
	assert.Len(t, tr.Tasks(), 1)
	assert.Contains(t, waitEvent(t, alerts).Message(), "Could not save")

	err = tr.ToggleStep(ctx, KindTask, task.ID, task.Workflow[0].ID)
	assert.ErrorIs(t, err, ErrSaveFailed)
	got, _ := tr.Task(task.ID)
	assert.True(t, got.Workflow[0].Completed)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	tr, _ := newTracker(t, store)
	restored := collect(tr, events.TypeDataRestored)

	_, err := tr.AddTask(ctx, twoStepTask())
	require.NoError(t, err)

	tasks := []*types.Task{
		{Title: "Imported", Unit: types.Unit{ID: "t9", Workflow: []types.WorkflowStep{{ID: "s", Title: "S", Completed: false}}}},
		nil,
	}
	require.NoError(t, tr.Restore(ctx, nil, tasks))
	waitEvent(t, restored)

	got := tr.Tasks()
	require.Len(t, got, 1)
	assert.Equal(t, "t9", got[0].ID)
	assert.Equal(t, types.PriorityMedium, got[0].Priority)
	assert.Empty(t, tr.Processes())

	reloaded, _ := newTracker(t, store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, got, reloaded.Tasks())
}

func TestRestoreFailureKeepsStoredDataIntact(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(storage.WithQuota(4000))
	tr, _ := newTracker(t, store)

	_, err := tr.AddTask(ctx, TaskInput{Title: "Old task", Steps: []types.StepTemplate{{Title: "x"}}})
	require.NoError(t, err)
	_, err = tr.AddProcess(ctx, ProcessInput{
		Name: "Old proc", Department: "Ops", Owner: "kim",
		Steps: []types.StepTemplate{{Title: "y"}},
	})
	require.NoError(t, err)

	processes := []*types.BusinessProcess{{
		Name: "New proc", Department: "Ops", Owner: "kim",
		Unit: types.Unit{ID: "p9", Description: strings.Repeat("x", 5000), Workflow: []types.WorkflowStep{{ID: "s1", Title: "S"}}},
	}}
	tasks := []*types.Task{{
		Title: "New task",
		Unit:  types.Unit{ID: "t9", Workflow: []types.WorkflowStep{{ID: "s2", Title: "S"}}},
	}}
	err = tr.Restore(ctx, processes, tasks)
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)

	reloaded, _ := newTracker(t, store)
	require.NoError(t, reloaded.Load(ctx))
	require.Len(t, reloaded.Tasks(), 1)
	require.Len(t, reloaded.Processes(), 1)
	assert.Equal(t, "Old task", reloaded.Tasks()[0].Title)
	assert.Equal(t, "Old proc", reloaded.Processes()[0].Name)
}

func TestStopWithCancelledContext(t *testing.T) {
	tr, err := NewTracker(&MockGenerator{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Stop(ctx), context.Canceled)
	assert.NoError(t, tr.Stop(context.Background()))
}
