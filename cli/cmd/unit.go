package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-map/analytics"
	"github.com/songzhibin97/process-map/cli/output"
	"github.com/songzhibin97/process-map/search"
	"github.com/songzhibin97/process-map/types"
	"github.com/songzhibin97/process-map/workflow"
)

const dateLayout = "2006-01-02"

// newUnitCommand builds the "task" or "process" command tree. Everything
// except creation works the same for both kinds.
func newUnitCommand(a *app, kind workflow.Kind) *cobra.Command {
	noun := string(kind)
	c := &cobra.Command{
		Use:   noun,
		Short: fmt.Sprintf("Manage %ss", noun),
	}

	step := &cobra.Command{Use: "step", Short: fmt.Sprintf("Edit the steps of a %s", noun)}
	step.AddCommand(
		newStepAddCommand(a, kind),
		newStepRemoveCommand(a, kind),
		newStepMoveCommand(a, kind),
		newStepStatusCommand(a, kind),
	)

	c.AddCommand(
		newListCommand(a, kind),
		newShowCommand(a, kind),
		newToggleCommand(a, kind),
		step,
		newDeleteCommand(a, kind),
	)
	if kind == workflow.KindProcess {
		c.AddCommand(newProcessAddCommand(a), newProcessStatusCommand(a))
	} else {
		c.AddCommand(newTaskAddCommand(a))
	}
	return c
}

func (a *app) lookup(kind workflow.Kind, id string) (types.Item, error) {
	if kind == workflow.KindProcess {
		return a.tracker.Process(id)
	}
	return a.tracker.Task(id)
}

// resolveStep accepts a step ID or a 1-based step number.
func resolveStep(u *types.Unit, ref string) (string, error) {
	for _, s := range u.Workflow {
		if s.ID == ref {
			return s.ID, nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(u.Workflow) {
		return u.Workflow[n-1].ID, nil
	}
	return "", fmt.Errorf("%w: %s", workflow.ErrStepNotFound, ref)
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC 3339", s)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(dateLayout)
}

func formatClass(c types.Classification) string {
	switch c {
	case types.ClassCompleted:
		return "✅ completed"
	case types.ClassOverdue:
		return "⏰ overdue"
	case types.ClassBlocked:
		return "🛑 blocked"
	default:
		return "🔄 active"
	}
}

func stepIcon(s types.WorkflowStep) string {
	switch {
	case s.Completed:
		return "[x]"
	case s.Status == types.StepBlocked:
		return "[!]"
	case s.Status == types.StepInProgress:
		return "[~]"
	default:
		return "[ ]"
	}
}

func newListCommand(a *app, kind workflow.Kind) *cobra.Command {
	var f search.Filter
	var priority, status string

	c := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %ss matching the given filters", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Priority = types.Priority(priority)
			f.Status = types.Classification(status)
			now := a.now()

			if kind == workflow.KindProcess {
				items, err := search.Apply(a.searcher, a.tracker.Processes(), f)
				if err != nil {
					return a.fail(err, "invalid filter")
				}
				if a.outputJSON {
					return output.PrintJSON(a.out, items)
				}
				if len(items) == 0 {
					output.Info(a.out, "No processes found")
					return nil
				}
				table := output.NewTable("ID", "NAME", "DEPARTMENT", "OWNER", "LIFECYCLE", "STATUS", "PROGRESS")
				for _, p := range items {
					table.AddRow(p.ID, p.Name, p.Department, p.Owner, string(p.Status),
						formatClass(analytics.Classify(&p.Unit, now)), output.ProgressBar(analytics.Progress(&p.Unit), 10))
				}
				table.Render(a.out)
				return nil
			}

			items, err := search.Apply(a.searcher, a.tracker.Tasks(), f)
			if err != nil {
				return a.fail(err, "invalid filter")
			}
			if a.outputJSON {
				return output.PrintJSON(a.out, items)
			}
			if len(items) == 0 {
				output.Info(a.out, "No tasks found")
				return nil
			}
			table := output.NewTable("ID", "TITLE", "PRIORITY", "CATEGORY", "DUE", "STATUS", "PROGRESS")
			for _, t := range items {
				table.AddRow(t.ID, t.Title, string(t.Priority), t.Category, formatDate(t.DueDate),
					formatClass(analytics.Classify(&t.Unit, now)), output.ProgressBar(analytics.Progress(&t.Unit), 10))
			}
			table.Render(a.out)
			return nil
		},
	}
	c.Flags().StringVarP(&f.Query, "query", "q", "", "case-insensitive text search over name, description and tags")
	c.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	c.Flags().StringVar(&f.Category, "category", "", "exact category")
	c.Flags().StringVar(&f.Department, "department", "", "exact department")
	c.Flags().StringVar(&status, "status", "", "active, completed, overdue or blocked")
	c.Flags().StringSliceVar(&f.Tags, "tag", nil, "required tag (repeatable)")
	c.Flags().StringVar(&f.Where, "where", "", `boolean expression, e.g. 'progress >= 50 && priority == "high"'`)
	return c
}

func newShowCommand(a *app, kind workflow.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: fmt.Sprintf("Show a %s and its steps", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			it, err := a.lookup(kind, args[0])
			if err != nil {
				return a.fail(err, "lookup failed")
			}
			if a.outputJSON {
				return output.PrintJSON(a.out, it)
			}

			u := it.Base()
			w := a.out
			fmt.Fprintf(w, "%s\n", it.DisplayName())
			fmt.Fprintf(w, "ID:       %s\n", u.ID)
			if u.Description != "" {
				fmt.Fprintf(w, "About:    %s\n", u.Description)
			}
			fmt.Fprintf(w, "Status:   %s\n", formatClass(analytics.Classify(u, a.now())))
			fmt.Fprintf(w, "Progress: %s (%d/%d)\n", output.ProgressBar(analytics.Progress(u), 20),
				workflow.CompletedSteps(u.Workflow), len(u.Workflow))
			fmt.Fprintf(w, "Priority: %s\n", u.Priority)
			if p, ok := it.(*types.BusinessProcess); ok {
				fmt.Fprintf(w, "Owner:    %s (%s)\n", p.Owner, p.Department)
				fmt.Fprintf(w, "Version:  %s, %s\n", p.Version, p.Status)
				if len(p.Stakeholders) > 0 {
					fmt.Fprintf(w, "Stakeholders: %s\n", strings.Join(p.Stakeholders, ", "))
				}
			}
			if u.DueDate != nil {
				fmt.Fprintf(w, "Due:      %s\n", formatDate(u.DueDate))
			}
			if u.CompletedAt != nil {
				fmt.Fprintf(w, "Finished: %s\n", u.CompletedAt.Format(time.RFC3339))
			}
			if len(u.Tags) > 0 {
				fmt.Fprintf(w, "Tags:     %s\n", strings.Join(u.Tags, ", "))
			}

			fmt.Fprintln(w, "\nSteps:")
			for i, s := range u.Workflow {
				line := fmt.Sprintf("  %d. %s %s  (%s)", i+1, stepIcon(s), s.Title, s.Status)
				if s.EstimatedTime > 0 {
					line += fmt.Sprintf(" ~%dm", s.EstimatedTime)
				}
				fmt.Fprintf(w, "%s  [%s]\n", line, s.ID)
			}
			return nil
		},
	}
}

func newToggleCommand(a *app, kind workflow.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id> <step>",
		Short: "Flip the completion of a step (step id or 1-based number)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			it, err := a.lookup(kind, args[0])
			if err != nil {
				return a.fail(err, "lookup failed")
			}
			stepID, err := resolveStep(it.Base(), args[1])
			if err != nil {
				return a.fail(err, "toggle failed")
			}
			if err := a.tracker.ToggleStep(cmd.Context(), kind, args[0], stepID); err != nil {
				return a.fail(err, "toggle failed")
			}
			return a.report(kind, args[0])
		},
	}
}

// report prints the unit's progress after a change.
func (a *app) report(kind workflow.Kind, id string) error {
	it, err := a.lookup(kind, id)
	if err != nil {
		return a.fail(err, "lookup failed")
	}
	if a.outputJSON {
		return output.PrintJSON(a.out, it)
	}
	u := it.Base()
	if u.CompletedAt != nil {
		output.Success(a.out, "%s is complete", it.DisplayName())
		return nil
	}
	output.Success(a.out, "%s: %s", it.DisplayName(), output.ProgressBar(analytics.Progress(u), 20))
	return nil
}

func newDeleteCommand(a *app, kind workflow.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete a %s", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.tracker.Delete(cmd.Context(), kind, args[0]); err != nil {
				return a.fail(err, "delete failed")
			}
			output.Success(a.out, "Deleted %s %s", kind, args[0])
			return nil
		},
	}
}

func stepFlags(c *cobra.Command, st *types.StepTemplate, priority *string) {
	c.Flags().StringVar(&st.Title, "title", "", "step title")
	c.Flags().StringVar(&st.Description, "description", "", "step description")
	c.Flags().IntVar(&st.EstimatedTime, "estimate", 0, "estimated minutes")
	c.Flags().StringVar(priority, "priority", "", "low, medium or high")
	c.Flags().StringVar(&st.AssignedTo, "assignee", "", "assignee")
	c.Flags().StringVar(&st.Department, "department", "", "department")
	c.Flags().StringVar(&st.Role, "role", "", "role")
	c.Flags().StringSliceVar(&st.Deliverables, "deliverable", nil, "deliverable (repeatable)")
	c.Flags().BoolVar(&st.ApprovalRequired, "approval", false, "step needs approval")
}

func newStepAddCommand(a *app, kind workflow.Kind) *cobra.Command {
	var st types.StepTemplate
	var priority string
	c := &cobra.Command{
		Use:   "add <id>",
		Short: "Append a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st.Priority = types.Priority(priority)
			added, err := a.tracker.AddStep(cmd.Context(), kind, args[0], st)
			if err != nil {
				return a.fail(err, "add step failed")
			}
			if a.outputJSON {
				return output.PrintJSON(a.out, added)
			}
			output.Success(a.out, "Added step %d: %s [%s]", added.Order+1, added.Title, added.ID)
			return nil
		},
	}
	stepFlags(c, &st, &priority)
	_ = c.MarkFlagRequired("title")
	return c
}

func newStepRemoveCommand(a *app, kind workflow.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id> <step>",
		Short: "Remove a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editStep(cmd, kind, args[0], args[1], func(stepID string) error {
				return a.tracker.RemoveStep(cmd.Context(), kind, args[0], stepID)
			})
		},
	}
}

func newStepMoveCommand(a *app, kind workflow.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <step> <position>",
		Short: "Move a step to a 1-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[2])
			if err != nil {
				return a.fail(err, "invalid position")
			}
			return a.editStep(cmd, kind, args[0], args[1], func(stepID string) error {
				return a.tracker.MoveStep(cmd.Context(), kind, args[0], stepID, pos-1)
			})
		},
	}
}

func newStepStatusCommand(a *app, kind workflow.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <step> <status>",
		Short: "Set a step status: not-started, in-progress, completed, blocked or approved",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editStep(cmd, kind, args[0], args[1], func(stepID string) error {
				return a.tracker.SetStepStatus(cmd.Context(), kind, args[0], stepID, types.StepStatus(args[2]))
			})
		},
	}
}

func (a *app) editStep(cmd *cobra.Command, kind workflow.Kind, id, ref string, edit func(stepID string) error) error {
	it, err := a.lookup(kind, id)
	if err != nil {
		return a.fail(err, "lookup failed")
	}
	stepID, err := resolveStep(it.Base(), ref)
	if err != nil {
		return a.fail(err, "%s failed", cmd.Name())
	}
	if err := edit(stepID); err != nil {
		return a.fail(err, "%s failed", cmd.Name())
	}
	return a.report(kind, id)
}
