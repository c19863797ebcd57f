package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-map/cli/output"
	"github.com/songzhibin97/process-map/templates"
)

func newTemplateCommand(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "template",
		Short: "List and apply task and process templates",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List available templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.outputJSON {
				return output.PrintJSON(a.out, a.library)
			}
			table := output.NewTable("ID", "KIND", "NAME", "DEPARTMENT", "STEPS")
			for _, t := range a.library.Tasks {
				table.AddRow(t.ID, "task", t.Name, "-", fmt.Sprint(len(t.Workflow)))
			}
			for _, p := range a.library.Processes {
				table.AddRow(p.ID, "process", p.Name, p.Department, fmt.Sprint(len(p.Workflow)))
			}
			table.Render(a.out)
			return nil
		},
	}

	var title, owner string
	apply := &cobra.Command{
		Use:   "apply <template-id>",
		Short: "Create a task or process from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tt, err := a.library.Task(args[0]); err == nil {
				task, err := a.tracker.AddTask(cmd.Context(), templates.TaskInput(tt, title))
				if err != nil {
					return a.fail(err, "apply failed")
				}
				if a.outputJSON {
					return output.PrintJSON(a.out, task)
				}
				output.Success(a.out, "Created task %s from %s", task.ID, tt.ID)
				return nil
			}

			pt, err := a.library.Process(args[0])
			if err != nil {
				return a.fail(err, "apply failed")
			}
			p, err := a.tracker.AddProcess(cmd.Context(), templates.ProcessInput(pt, owner))
			if err != nil {
				return a.fail(err, "apply failed")
			}
			if a.outputJSON {
				return output.PrintJSON(a.out, p)
			}
			output.Success(a.out, "Created process %s from %s", p.ID, pt.ID)
			return nil
		},
	}
	apply.Flags().StringVar(&title, "title", "", "task title (default template name)")
	apply.Flags().StringVar(&owner, "owner", "", "process owner (required for process templates)")

	c.AddCommand(list, apply)
	return c
}
