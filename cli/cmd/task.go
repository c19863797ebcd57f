package cmd

import (
	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-map/cli/output"
	"github.com/songzhibin97/process-map/types"
	"github.com/songzhibin97/process-map/workflow"
)

func titlesToSteps(titles []string) []types.StepTemplate {
	steps := make([]types.StepTemplate, 0, len(titles))
	for _, t := range titles {
		steps = append(steps, types.StepTemplate{Title: t})
	}
	return steps
}

func newTaskAddCommand(a *app) *cobra.Command {
	var (
		in       workflow.TaskInput
		steps    []string
		priority string
		due      string
	)
	c := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDate(due)
			if err != nil {
				return a.fail(err, "invalid --due")
			}
			in.DueDate = dueDate
			in.Priority = types.Priority(priority)
			in.Steps = titlesToSteps(steps)

			task, err := a.tracker.AddTask(cmd.Context(), in)
			if err != nil {
				return a.fail(err, "create failed")
			}
			if a.outputJSON {
				return output.PrintJSON(a.out, task)
			}
			output.Success(a.out, "Created task %s with %d steps", task.ID, len(task.Workflow))
			return nil
		},
	}
	c.Flags().StringVarP(&in.Title, "title", "t", "", "task title")
	c.Flags().StringVarP(&in.Description, "description", "d", "", "description")
	c.Flags().StringArrayVarP(&steps, "step", "s", nil, "step title (repeatable, in order)")
	c.Flags().StringVarP(&priority, "priority", "p", "", "low, medium (default) or high")
	c.Flags().StringVar(&in.Category, "category", "", "category")
	c.Flags().StringSliceVar(&in.Tags, "tag", nil, "tag (repeatable)")
	c.Flags().StringVar(&due, "due", "", "due date, YYYY-MM-DD or RFC 3339")
	c.Flags().IntVar(&in.EstimatedTotalTime, "estimate", 0, "estimated total minutes")
	c.Flags().StringVar(&in.AssignedTo, "assignee", "", "assignee")
	c.Flags().StringVar(&in.Department, "department", "", "department")
	c.Flags().StringVar(&in.ProcessID, "process", "", "related process id")
	_ = c.MarkFlagRequired("title")
	return c
}
