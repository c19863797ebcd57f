// Package templates loads reusable task and process blueprints from YAML
// and turns them into creation input for the tracker.
package templates

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-map/types"
	"github.com/songzhibin97/process-map/workflow"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrInvalidTemplate  = errors.New("invalid template")
)

//go:embed default.yaml
var defaultTemplates []byte

// Library is a set of templates keyed by ID.
type Library struct {
	Tasks     []types.TaskTemplate    `json:"tasks" yaml:"tasks"`
	Processes []types.ProcessTemplate `json:"processes" yaml:"processes"`
}

// Default returns the built-in templates.
func Default() *Library {
	lib, err := Parse(defaultTemplates)
	if err != nil {
		panic(fmt.Sprintf("templates: built-in library: %v", err))
	}
	return lib
}

// Parse decodes and validates one YAML document.
func Parse(data []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if err := lib.validate(); err != nil {
		return nil, err
	}
	return &lib, nil
}

// LoadFile reads a single template file.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lib, nil
}

// LoadDir merges every *.yaml and *.yml file in dir, in name order.
func LoadDir(dir string) (*Library, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	out := &Library{}
	for _, f := range files {
		lib, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		if err := out.Merge(lib); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
	}
	return out, nil
}

// Merge adds other's templates. IDs must stay unique.
func (l *Library) Merge(other *Library) error {
	merged := Library{
		Tasks:     append(append([]types.TaskTemplate{}, l.Tasks...), other.Tasks...),
		Processes: append(append([]types.ProcessTemplate{}, l.Processes...), other.Processes...),
	}
	if err := merged.validate(); err != nil {
		return err
	}
	*l = merged
	return nil
}

func (l *Library) validate() error {
	seen := make(map[string]struct{})
	check := func(id, name string, steps []types.StepTemplate) error {
		if strings.TrimSpace(id) == "" || strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: id and name are required", ErrInvalidTemplate)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidTemplate, id)
		}
		seen[id] = struct{}{}
		if len(steps) == 0 {
			return fmt.Errorf("%w: %s has no steps", ErrInvalidTemplate, id)
		}
		for _, s := range steps {
			if strings.TrimSpace(s.Title) == "" {
				return fmt.Errorf("%w: %s has a step without title", ErrInvalidTemplate, id)
			}
			if s.Priority != "" && !s.Priority.Valid() {
				return fmt.Errorf("%w: %s: priority %q", ErrInvalidTemplate, id, s.Priority)
			}
		}
		return nil
	}
	for _, t := range l.Tasks {
		if err := check(t.ID, t.Name, t.Workflow); err != nil {
			return err
		}
	}
	for _, p := range l.Processes {
		if err := check(p.ID, p.Name, p.Workflow); err != nil {
			return err
		}
		if strings.TrimSpace(p.Department) == "" {
			return fmt.Errorf("%w: %s has no department", ErrInvalidTemplate, p.ID)
		}
	}
	return nil
}

// Task looks a task template up by ID.
func (l *Library) Task(id string) (types.TaskTemplate, error) {
	for _, t := range l.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return types.TaskTemplate{}, fmt.Errorf("%w: task %q", ErrTemplateNotFound, id)
}

// Process looks a process template up by ID.
func (l *Library) Process(id string) (types.ProcessTemplate, error) {
	for _, p := range l.Processes {
		if p.ID == id {
			return p, nil
		}
	}
	return types.ProcessTemplate{}, fmt.Errorf("%w: process %q", ErrTemplateNotFound, id)
}

// TaskInput fills a task creation request from a template. A non-empty
// title replaces the template name.
func TaskInput(tmpl types.TaskTemplate, title string) workflow.TaskInput {
	if strings.TrimSpace(title) == "" {
		title = tmpl.Name
	}
	return workflow.TaskInput{
		Title:              title,
		Description:        tmpl.Description,
		Steps:              append([]types.StepTemplate{}, tmpl.Workflow...),
		Category:           tmpl.Category,
		Tags:               append([]string{}, tmpl.Tags...),
		EstimatedTotalTime: estimate(tmpl.Workflow),
	}
}

// ProcessInput fills a process creation request from a template.
func ProcessInput(tmpl types.ProcessTemplate, owner string) workflow.ProcessInput {
	return workflow.ProcessInput{
		Name:              tmpl.Name,
		Description:       tmpl.Description,
		Department:        tmpl.Department,
		Owner:             owner,
		Category:          tmpl.Category,
		Steps:             append([]types.StepTemplate{}, tmpl.Workflow...),
		Tags:              append([]string{}, tmpl.Tags...),
		Stakeholders:      append([]string{}, tmpl.Stakeholders...),
		Objectives:        append([]string{}, tmpl.Objectives...),
		EstimatedDuration: estimate(tmpl.Workflow),
	}
}

func estimate(steps []types.StepTemplate) int {
	total := 0
	for _, s := range steps {
		total += s.EstimatedTime
	}
	return total
}
