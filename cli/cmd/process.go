package cmd

import (
	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-map/cli/output"
	"github.com/songzhibin97/process-map/types"
	"github.com/songzhibin97/process-map/workflow"
)

func newProcessAddCommand(a *app) *cobra.Command {
	var (
		in       workflow.ProcessInput
		steps    []string
		priority string
		due      string
	)
	c := &cobra.Command{
		Use:   "add",
		Short: "Create a business process in draft state",
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDate(due)
			if err != nil {
				return a.fail(err, "invalid --due")
			}
			in.DueDate = dueDate
			in.Priority = types.Priority(priority)
			in.Steps = titlesToSteps(steps)

			p, err := a.tracker.AddProcess(cmd.Context(), in)
			if err != nil {
				return a.fail(err, "create failed")
			}
			if a.outputJSON {
				return output.PrintJSON(a.out, p)
			}
			output.Success(a.out, "Created process %s (v%s, %s)", p.ID, p.Version, p.Status)
			return nil
		},
	}
	c.Flags().StringVarP(&in.Name, "name", "n", "", "process name")
	c.Flags().StringVarP(&in.Description, "description", "d", "", "description")
	c.Flags().StringVar(&in.Department, "department", "", "owning department")
	c.Flags().StringVar(&in.Owner, "owner", "", "process owner")
	c.Flags().StringArrayVarP(&steps, "step", "s", nil, "step title (repeatable, in order)")
	c.Flags().StringVarP(&priority, "priority", "p", "", "low, medium (default) or high")
	c.Flags().StringVar(&in.Category, "category", "", "category")
	c.Flags().StringSliceVar(&in.Tags, "tag", nil, "tag (repeatable)")
	c.Flags().StringSliceVar(&in.Stakeholders, "stakeholder", nil, "stakeholder (repeatable)")
	c.Flags().StringArrayVar(&in.Objectives, "objective", nil, "objective (repeatable)")
	c.Flags().StringArrayVar(&in.KPIs, "kpi", nil, "KPI (repeatable)")
	c.Flags().StringVar(&due, "due", "", "due date, YYYY-MM-DD or RFC 3339")
	c.Flags().IntVar(&in.EstimatedDuration, "duration", 0, "estimated minutes")
	c.Flags().StringVar(&in.Version, "version", "", "version label (default 1.0)")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("department")
	_ = c.MarkFlagRequired("owner")
	return c
}

func newProcessStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <draft|active|archived>",
		Short: "Move a process through draft, active and archived",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.tracker.SetProcessStatus(cmd.Context(), args[0], types.ProcessStatus(args[1]))
			if err != nil {
				return a.fail(err, "status change failed")
			}
			if a.outputJSON {
				p, err := a.tracker.Process(args[0])
				if err != nil {
					return a.fail(err, "lookup failed")
				}
				return output.PrintJSON(a.out, p)
			}
			output.Success(a.out, "Process %s is now %s", args[0], args[1])
			return nil
		},
	}
}
