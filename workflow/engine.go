package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/process-map/events"
	"github.com/songzhibin97/process-map/storage"
	"github.com/songzhibin97/process-map/types"
)

// Storage keys holding the two collections.
const (
	TasksKey     = "workflow-tasks"
	ProcessesKey = "business-processes"

	DefaultVersion = "1.0"
)

// Standard error definitions
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrProcessNotFound = errors.New("process not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownKind     = errors.New("unknown unit kind")
	ErrSaveFailed      = errors.New("failed to save")
)

// Kind selects one of the two collections.
type Kind string

const (
	KindTask    Kind = "task"
	KindProcess Kind = "process"
)

func (k Kind) key() string {
	if k == KindProcess {
		return ProcessesKey
	}
	return TasksKey
}

// Tracker is the in-memory store of tasks and processes. Every mutation is
// mirrored to storage as a JSON array under a fixed key. A failed write is
// logged, published as an alert and returned wrapped in ErrSaveFailed; the
// in-memory change is kept.
type Tracker struct {
	tasks     []*types.Task
	processes []*types.BusinessProcess
	storage   storage.Storage
	eventBus  *events.Bus
	generate  IDGenerator
	now       func() time.Time
	logger    *slog.Logger
	mu        sync.RWMutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock sets the time source. Returned times should be UTC.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithEventBus replaces the tracker's event bus.
func WithEventBus(bus *events.Bus) Option {
	return func(t *Tracker) {
		t.eventBus = bus
	}
}

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewTracker creates an empty Tracker. Call Load to read persisted state.
func NewTracker(generate IDGenerator, store storage.Storage, opts ...Option) (*Tracker, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	t := &Tracker{
		storage:  store,
		generate: generate,
		now:      defaultClock,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.eventBus == nil {
		t.eventBus = events.NewBus(events.WithLogger(t.logger))
	}
	return t, nil
}

// Subscribe registers a handler for an event type (or events.Wildcard).
func (t *Tracker) Subscribe(eventType events.Type, handler events.Handler) events.SubscriptionID {
	return t.eventBus.Subscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (t *Tracker) GenerateID() (string, error) {
	return t.generate.NextID()
}

// Stop delivers pending events and shuts the event bus down.
func (t *Tracker) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		t.eventBus.Stop()
		return nil
	}
}

// publishEvent publishes an event when anyone listens. Delivery is asynchronous.
func (t *Tracker) publishEvent(ctx context.Context, eventType events.Type, unitID string, data map[string]interface{}) {
	if !t.eventBus.HasSubscribers(eventType) {
		return
	}
	err := t.eventBus.Publish(ctx, events.Event{Type: eventType, UnitID: unitID, At: t.now(), Data: data})
	if err != nil {
		t.logger.Warn("event dropped", "type", eventType, "unit", unitID, "error", err)
	}
}

func (t *Tracker) alert(ctx context.Context, message string) {
	t.publishEvent(ctx, events.TypeAlert, "", map[string]interface{}{"message": message})
}

// Load replaces the in-memory collections with the persisted ones. A
// missing key yields an empty collection. A malformed blob is discarded and
// its key cleared; Load then continues with the other collection.
func (t *Tracker) Load(ctx context.Context) error {
	tasks, err := loadCollection[*types.Task](ctx, t, TasksKey)
	if err != nil {
		return err
	}
	processes, err := loadCollection[*types.BusinessProcess](ctx, t, ProcessesKey)
	if err != nil {
		return err
	}

	now := t.now()
	ts := make([]*types.Task, 0, len(tasks))
	for _, task := range tasks {
		if task != nil {
			normalizeTask(task, now)
			ts = append(ts, task)
		}
	}
	ps := make([]*types.BusinessProcess, 0, len(processes))
	for _, p := range processes {
		if p != nil {
			normalizeProcess(p, now)
			ps = append(ps, p)
		}
	}

	t.mu.Lock()
	t.tasks = ts
	t.processes = ps
	t.mu.Unlock()

	t.logger.Debug("state loaded", "tasks", len(ts), "processes", len(ps))
	return nil
}

func loadCollection[T any](ctx context.Context, t *Tracker, key string) ([]T, error) {
	data, err := t.storage.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		t.logger.Warn("discarding malformed data", "key", key, "error", err)
		if delErr := t.storage.Delete(ctx, key); delErr != nil {
			t.logger.Error("failed to clear malformed data", "key", key, "error", delErr)
		}
		t.alert(ctx, fmt.Sprintf("Stored data under %q was corrupted and has been reset", key))
		return []T{}, nil
	}
	return items, nil
}

// saveLocked writes the given collections with a single SetMany, so either
// all of them are stored or none is. The caller holds t.mu.
func (t *Tracker) saveLocked(ctx context.Context, kinds ...Kind) error {
	values := make(map[string][]byte, len(kinds))
	keys := make([]string, 0, len(kinds))
	var err error
	for _, kind := range kinds {
		var data []byte
		if kind == KindProcess {
			data, err = json.Marshal(t.processes)
		} else {
			data, err = json.Marshal(t.tasks)
		}
		if err != nil {
			break
		}
		values[kind.key()] = data
		keys = append(keys, kind.key())
	}
	if err == nil {
		err = t.storage.SetMany(ctx, values)
	}
	if err != nil {
		key := strings.Join(keys, ", ")
		t.logger.Error("save failed", "keys", key, "error", err)
		t.alert(ctx, "Could not save your changes: "+err.Error())
		return fmt.Errorf("%w %s: %w", ErrSaveFailed, key, err)
	}
	return nil
}

// Tasks returns copies of all tasks, newest first.
func (t *Tracker) Tasks() []*types.Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.Task, len(t.tasks))
	for i, task := range t.tasks {
		out[i] = cloneTask(task)
	}
	return out
}

// Processes returns copies of all processes, newest first.
func (t *Tracker) Processes() []*types.BusinessProcess {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.BusinessProcess, len(t.processes))
	for i, p := range t.processes {
		out[i] = cloneProcess(p)
	}
	return out
}

// Task returns a copy of one task.
func (t *Tracker) Task(id string) (*types.Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, task := range t.tasks {
		if task.ID == id {
			return cloneTask(task), nil
		}
	}
	return nil, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
}

// Process returns a copy of one process.
func (t *Tracker) Process(id string) (*types.BusinessProcess, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.processes {
		if p.ID == id {
			return cloneProcess(p), nil
		}
	}
	return nil, fmt.Errorf("%w: id=%s", ErrProcessNotFound, id)
}

func (t *Tracker) findLocked(kind Kind, id string) (types.Item, int, error) {
	switch kind {
	case KindTask:
		for i, task := range t.tasks {
			if task.ID == id {
				return task, i, nil
			}
		}
		return nil, -1, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
	case KindProcess:
		for i, p := range t.processes {
			if p.ID == id {
				return p, i, nil
			}
		}
		return nil, -1, fmt.Errorf("%w: id=%s", ErrProcessNotFound, id)
	}
	return nil, -1, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// TaskInput is the data needed to create a task.
type TaskInput struct {
	Title              string
	Description        string
	Steps              []types.StepTemplate
	DueDate            *time.Time
	Priority           types.Priority
	Category           string
	Tags               []string
	EstimatedTotalTime int
	ProcessID          string
	AssignedTo         string
	Department         string
}

// ProcessInput is the data needed to create a business process.
type ProcessInput struct {
	Name              string
	Description       string
	Department        string
	Owner             string
	Category          string
	Priority          types.Priority
	Steps             []types.StepTemplate
	DueDate           *time.Time
	Tags              []string
	Stakeholders      []string
	Objectives        []string
	KPIs              []string
	EstimatedDuration int
	Version           string
}

func (t *Tracker) buildSteps(in []types.StepTemplate) ([]types.WorkflowStep, error) {
	steps := make([]types.WorkflowStep, 0, len(in))
	for _, st := range in {
		title := strings.TrimSpace(st.Title)
		if title == "" {
			continue
		}
		if st.Priority != "" && !st.Priority.Valid() {
			return nil, fmt.Errorf("%w: step priority %q", ErrInvalidInput, st.Priority)
		}
		id, err := t.generate.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate ID: %w", err)
		}
		steps = append(steps, types.WorkflowStep{
			ID:               id,
			Title:            title,
			Description:      strings.TrimSpace(st.Description),
			Order:            len(steps),
			EstimatedTime:    st.EstimatedTime,
			Priority:         st.Priority,
			Tags:             emptyToNil(types.NormalizeTags(st.Tags)),
			AssignedTo:       st.AssignedTo,
			Department:       st.Department,
			Role:             st.Role,
			Deliverables:     emptyToNil(nonBlank(st.Deliverables)),
			ApprovalRequired: st.ApprovalRequired,
			Status:           types.StepNotStarted,
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidInput)
	}
	return steps, nil
}

func resolvePriority(p types.Priority) (types.Priority, error) {
	if p == "" {
		return types.PriorityMedium, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("%w: priority %q", ErrInvalidInput, p)
	}
	return p, nil
}

func utcMillis(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Millisecond)
	return &v
}

// AddTask validates in, creates a task and puts it at the front of the list.
func (t *Tracker) AddTask(ctx context.Context, in TaskInput) (*types.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	priority, err := resolvePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	steps, err := t.buildSteps(in.Steps)
	if err != nil {
		return nil, err
	}
	id, err := t.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	task := &types.Task{
		Unit: types.Unit{
			ID:          id,
			Description: strings.TrimSpace(in.Description),
			Workflow:    steps,
			CreatedAt:   t.now(),
			DueDate:     utcMillis(in.DueDate),
			Priority:    priority,
			Category:    strings.TrimSpace(in.Category),
			Tags:        types.NormalizeTags(in.Tags),
		},
		Title:              title,
		EstimatedTotalTime: in.EstimatedTotalTime,
		ProcessID:          in.ProcessID,
		AssignedTo:         in.AssignedTo,
		Department:         in.Department,
	}

	t.mu.Lock()
	t.tasks = append([]*types.Task{task}, t.tasks...)
	saveErr := t.saveLocked(ctx, KindTask)
	out := cloneTask(task)
	t.mu.Unlock()

	t.publishEvent(ctx, events.TypeUnitCreated, id, map[string]interface{}{"kind": string(KindTask), "title": title})
	return out, saveErr
}

// AddProcess validates in and creates a draft process.
func (t *Tracker) AddProcess(ctx context.Context, in ProcessInput) (*types.BusinessProcess, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.Department) == "" || strings.TrimSpace(in.Owner) == "" {
		return nil, fmt.Errorf("%w: name, department and owner are required", ErrInvalidInput)
	}
	priority, err := resolvePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	steps, err := t.buildSteps(in.Steps)
	if err != nil {
		return nil, err
	}
	id, err := t.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	version := strings.TrimSpace(in.Version)
	if version == "" {
		version = DefaultVersion
	}

	now := t.now()
	p := &types.BusinessProcess{
		Unit: types.Unit{
			ID:          id,
			Description: strings.TrimSpace(in.Description),
			Workflow:    steps,
			CreatedAt:   now,
			DueDate:     utcMillis(in.DueDate),
			Priority:    priority,
			Category:    strings.TrimSpace(in.Category),
			Tags:        types.NormalizeTags(in.Tags),
		},
		Name:              name,
		Department:        strings.TrimSpace(in.Department),
		Owner:             strings.TrimSpace(in.Owner),
		LastModified:      now,
		Version:           version,
		Status:            types.ProcessDraft,
		EstimatedDuration: in.EstimatedDuration,
		Stakeholders:      types.NormalizeTags(in.Stakeholders),
		Objectives:        nonBlank(in.Objectives),
		KPIs:              emptyToNil(nonBlank(in.KPIs)),
	}

	t.mu.Lock()
	t.processes = append([]*types.BusinessProcess{p}, t.processes...)
	saveErr := t.saveLocked(ctx, KindProcess)
	out := cloneProcess(p)
	t.mu.Unlock()

	t.publishEvent(ctx, events.TypeUnitCreated, id, map[string]interface{}{"kind": string(KindProcess), "name": name})
	return out, saveErr
}

// nonBlank trims values and drops empty ones, keeping duplicates.
func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// emptyToNil matches the shape of an omitempty field after a JSON round trip.
func emptyToNil(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return in
}

// mutate runs fn on one unit under the lock, saves the collection and
// publishes eventType plus any completion change. touch updates a process's
// LastModified.
func (t *Tracker) mutate(ctx context.Context, kind Kind, id string, eventType events.Type, touch bool, data map[string]interface{}, fn func(types.Item, time.Time) error) error {
	t.mu.Lock()
	it, _, err := t.findLocked(kind, id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	u := it.Base()
	wasComplete := u.CompletedAt != nil
	now := t.now()
	if err := fn(it, now); err != nil {
		t.mu.Unlock()
		return err
	}
	if p, ok := it.(*types.BusinessProcess); ok && touch {
		p.LastModified = now
	}
	isComplete := u.CompletedAt != nil
	progress := CompletedSteps(u.Workflow)
	total := len(u.Workflow)
	saveErr := t.saveLocked(ctx, kind)
	t.mu.Unlock()

	if data == nil {
		data = map[string]interface{}{}
	}
	data["kind"] = string(kind)
	data["completedSteps"] = progress
	data["totalSteps"] = total
	t.publishEvent(ctx, eventType, id, data)
	switch {
	case isComplete && !wasComplete:
		t.publishEvent(ctx, events.TypeUnitCompleted, id, map[string]interface{}{"kind": string(kind)})
	case !isComplete && wasComplete:
		t.publishEvent(ctx, events.TypeUnitReopened, id, map[string]interface{}{"kind": string(kind)})
	}
	return saveErr
}

// ToggleStep flips one step of a task or process.
func (t *Tracker) ToggleStep(ctx context.Context, kind Kind, unitID, stepID string) error {
	return t.mutate(ctx, kind, unitID, events.TypeStepToggled, false, map[string]interface{}{"step": stepID},
		func(it types.Item, now time.Time) error {
			return ToggleStep(it.Base(), stepID, now)
		})
}

// SetStepStatus sets the status of one step.
func (t *Tracker) SetStepStatus(ctx context.Context, kind Kind, unitID, stepID string, status types.StepStatus) error {
	return t.mutate(ctx, kind, unitID, events.TypeUnitUpdated, true, map[string]interface{}{"step": stepID, "status": string(status)},
		func(it types.Item, now time.Time) error {
			return SetStepStatus(it.Base(), stepID, status, now)
		})
}

// AddStep appends a new step built from tmpl and returns it.
func (t *Tracker) AddStep(ctx context.Context, kind Kind, unitID string, tmpl types.StepTemplate) (types.WorkflowStep, error) {
	built, err := t.buildSteps([]types.StepTemplate{tmpl})
	if err != nil {
		return types.WorkflowStep{}, err
	}
	var added types.WorkflowStep
	err = t.mutate(ctx, kind, unitID, events.TypeUnitUpdated, true, map[string]interface{}{"step": built[0].ID, "action": "add"},
		func(it types.Item, now time.Time) error {
			if err := AddStep(it.Base(), built[0], now); err != nil {
				return err
			}
			steps := it.Base().Workflow
			added = steps[len(steps)-1]
			return nil
		})
	return added, err
}

// RemoveStep deletes a step.
func (t *Tracker) RemoveStep(ctx context.Context, kind Kind, unitID, stepID string) error {
	return t.mutate(ctx, kind, unitID, events.TypeUnitUpdated, true, map[string]interface{}{"step": stepID, "action": "remove"},
		func(it types.Item, now time.Time) error {
			return RemoveStep(it.Base(), stepID, now)
		})
}

// MoveStep moves a step to a new zero-based position.
func (t *Tracker) MoveStep(ctx context.Context, kind Kind, unitID, stepID string, pos int) error {
	return t.mutate(ctx, kind, unitID, events.TypeUnitUpdated, true, map[string]interface{}{"step": stepID, "action": "move", "position": pos},
		func(it types.Item, now time.Time) error {
			return MoveStep(it.Base(), stepID, pos)
		})
}

// SetProcessStatus moves a process along draft -> active -> archived.
func (t *Tracker) SetProcessStatus(ctx context.Context, processID string, status types.ProcessStatus) error {
	return t.mutate(ctx, KindProcess, processID, events.TypeUnitUpdated, false, map[string]interface{}{"status": string(status)},
		func(it types.Item, now time.Time) error {
			return SetProcessStatus(it.(*types.BusinessProcess), status, now)
		})
}

// Delete removes one task or process.
func (t *Tracker) Delete(ctx context.Context, kind Kind, unitID string) error {
	t.mu.Lock()
	_, idx, err := t.findLocked(kind, unitID)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if kind == KindProcess {
		t.processes = append(t.processes[:idx], t.processes[idx+1:]...)
	} else {
		t.tasks = append(t.tasks[:idx], t.tasks[idx+1:]...)
	}
	saveErr := t.saveLocked(ctx, kind)
	t.mu.Unlock()

	t.publishEvent(ctx, events.TypeUnitDeleted, unitID, map[string]interface{}{"kind": string(kind)})
	return saveErr
}

// Clear empties one collection.
func (t *Tracker) Clear(ctx context.Context, kind Kind) error {
	if kind != KindTask && kind != KindProcess {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	t.mu.Lock()
	if kind == KindProcess {
		t.processes = []*types.BusinessProcess{}
	} else {
		t.tasks = []*types.Task{}
	}
	saveErr := t.saveLocked(ctx, kind)
	t.mu.Unlock()

	t.publishEvent(ctx, events.TypeCollectionCleared, "", map[string]interface{}{"kind": string(kind)})
	return saveErr
}

// Restore replaces both collections wholesale, as done by an import.
func (t *Tracker) Restore(ctx context.Context, processes []*types.BusinessProcess, tasks []*types.Task) error {
	now := t.now()
	ps := make([]*types.BusinessProcess, 0, len(processes))
	for _, p := range processes {
		if p == nil {
			continue
		}
		c := cloneProcess(p)
		normalizeProcess(c, now)
		ps = append(ps, c)
	}
	ts := make([]*types.Task, 0, len(tasks))
	for _, task := range tasks {
		if task == nil {
			continue
		}
		c := cloneTask(task)
		normalizeTask(c, now)
		ts = append(ts, c)
	}

	t.mu.Lock()
	t.processes = ps
	t.tasks = ts
	err := t.saveLocked(ctx, KindProcess, KindTask)
	t.mu.Unlock()

	t.publishEvent(ctx, events.TypeDataRestored, "", map[string]interface{}{"processes": len(ps), "tasks": len(ts)})
	return err
}

func normalizeUnit(u *types.Unit, now time.Time) {
	if u.Workflow == nil {
		u.Workflow = []types.WorkflowStep{}
	}
	for i := range u.Workflow {
		s := &u.Workflow[i]
		if !s.Status.Valid() {
			if s.Completed {
				s.Status = types.StepCompleted
			} else {
				s.Status = types.StepNotStarted
			}
		}
	}
	Reindex(u.Workflow)
	u.Tags = types.NormalizeTags(u.Tags)
	if !u.Priority.Valid() {
		u.Priority = types.PriorityMedium
	}
	recomputeCompletion(u, now)
}

func normalizeTask(task *types.Task, now time.Time) {
	normalizeUnit(&task.Unit, now)
}

func normalizeProcess(p *types.BusinessProcess, now time.Time) {
	normalizeUnit(&p.Unit, now)
	if p.Status == "" {
		p.Status = types.ProcessDraft
	}
	if p.Version == "" {
		p.Version = DefaultVersion
	}
	if p.Stakeholders == nil {
		p.Stakeholders = []string{}
	}
	if p.Objectives == nil {
		p.Objectives = []string{}
	}
}

func cloneUnit(u types.Unit) types.Unit {
	c := u
	c.Workflow = make([]types.WorkflowStep, len(u.Workflow))
	for i, step := range u.Workflow {
		c.Workflow[i] = cloneStep(step)
	}
	c.Tags = cloneStrings(u.Tags)
	c.CompletedAt = cloneTime(u.CompletedAt)
	c.DueDate = cloneTime(u.DueDate)
	return c
}

func cloneStep(s types.WorkflowStep) types.WorkflowStep {
	s.Tags = cloneStrings(s.Tags)
	s.Dependencies = cloneStrings(s.Dependencies)
	s.Deliverables = cloneStrings(s.Deliverables)
	s.StartDate = cloneTime(s.StartDate)
	s.EndDate = cloneTime(s.EndDate)
	return s
}

// cloneStrings keeps nil as nil and empty as empty.
func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneTask(task *types.Task) *types.Task {
	c := *task
	c.Unit = cloneUnit(task.Unit)
	return &c
}

func cloneProcess(p *types.BusinessProcess) *types.BusinessProcess {
	c := *p
	c.Unit = cloneUnit(p.Unit)
	c.Stakeholders = cloneStrings(p.Stakeholders)
	c.Objectives = cloneStrings(p.Objectives)
	c.KPIs = cloneStrings(p.KPIs)
	return &c
}
