package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-map/analytics"
	"github.com/songzhibin97/process-map/backup"
	"github.com/songzhibin97/process-map/cli/output"
	"github.com/songzhibin97/process-map/types"
	"github.com/songzhibin97/process-map/workflow"
)

// statsReport is the JSON shape of "stats".
type statsReport struct {
	Tasks             types.TaskStats              `json:"tasks"`
	Processes         types.ProcessStats           `json:"processes"`
	TasksByPriority   map[types.Priority]int       `json:"tasksByPriority"`
	TasksByStatus     map[types.Classification]int `json:"tasksByStatus"`
	ProcessesByStatus map[types.Classification]int `json:"processesByStatus"`
	Categories        []string                     `json:"categories"`
	Tags              []string                     `json:"tags"`
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show progress analytics",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := a.now()
			tasks, processes := a.tracker.Tasks(), a.tracker.Processes()
			r := statsReport{
				Tasks:             analytics.Tasks(tasks, now),
				Processes:         analytics.Processes(processes),
				TasksByPriority:   analytics.ByPriority(tasks),
				TasksByStatus:     analytics.ByStatus(tasks, now),
				ProcessesByStatus: analytics.ByStatus(processes, now),
				Categories:        union(analytics.Categories(tasks), analytics.Categories(processes)),
				Tags:              union(analytics.Tags(tasks), analytics.Tags(processes)),
			}
			if a.outputJSON {
				return output.PrintJSON(a.out, r)
			}

			table := output.NewTable("TASKS", "VALUE")
			table.AddRow("total", fmt.Sprint(r.Tasks.TotalTasks))
			table.AddRow("completed", fmt.Sprint(r.Tasks.CompletedTasks))
			table.AddRow("active", fmt.Sprint(r.Tasks.ActiveTasks))
			table.AddRow("overdue", fmt.Sprint(r.Tasks.OverdueTasks))
			table.AddRow("avg completion", fmt.Sprintf("%.1fh", r.Tasks.AverageCompletionTime))
			table.AddRow("productivity", output.ProgressBar(r.Tasks.ProductivityScore, 20))
			table.Render(a.out)
			fmt.Fprintln(a.out)

			table = output.NewTable("PROCESSES", "VALUE")
			table.AddRow("total", fmt.Sprint(r.Processes.TotalProcesses))
			table.AddRow("active", fmt.Sprint(r.Processes.ActiveProcesses))
			table.AddRow("completed steps", fmt.Sprint(r.Processes.CompletedTasks))
			table.AddRow("blocked steps", fmt.Sprint(r.Processes.BlockedTasks))
			table.AddRow("avg duration", fmt.Sprintf("%dm", r.Processes.AverageProcessTime))
			table.AddRow("efficiency", output.ProgressBar(r.Processes.EfficiencyScore, 20))
			table.Render(a.out)

			if len(r.Processes.DepartmentBreakdown) > 0 {
				fmt.Fprintln(a.out)
				table = output.NewTable("DEPARTMENT", "PROCESSES")
				for _, dept := range sortedDepartments(r.Processes.DepartmentBreakdown) {
					table.AddRow(dept, fmt.Sprint(r.Processes.DepartmentBreakdown[dept]))
				}
				table.Render(a.out)
			}
			return nil
		},
	}
}

func sortedDepartments(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for dept := range m {
		out = append(out, dept)
	}
	sort.Strings(out)
	return out
}

// union returns the sorted distinct values of a and b.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func newExportCommand(a *app) *cobra.Command {
	var path string
	c := &cobra.Command{
		Use:   "export",
		Short: "Write all tasks and processes to a JSON backup file",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := a.now()
			doc := backup.NewDocument(a.tracker.Processes(), a.tracker.Tasks(), now)
			if path == "-" {
				return backup.Export(a.out, doc)
			}
			if path == "" {
				path = backup.FileName(now)
			}
			f, err := os.Create(path)
			if err != nil {
				return a.fail(err, "export failed")
			}
			if err := backup.Export(f, doc); err != nil {
				f.Close()
				return a.fail(err, "export failed")
			}
			if err := f.Close(); err != nil {
				return a.fail(err, "export failed")
			}
			output.Success(a.out, "Exported %d processes and %d tasks to %s", len(doc.Processes), len(doc.Tasks), path)
			return nil
		},
	}
	c.Flags().StringVarP(&path, "output", "o", "", "output file, - for stdout (default process-map-backup-<date>.json)")
	return c
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace all data with the contents of a backup file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return a.fail(err, "import failed")
				}
				defer f.Close()
				r = f
			}
			doc, err := backup.Import(r)
			if err != nil {
				return a.fail(err, "import failed")
			}
			if err := a.tracker.Restore(cmd.Context(), doc.Processes, doc.Tasks); err != nil {
				return a.fail(err, "import failed")
			}
			output.Success(a.out, "Imported %d processes and %d tasks", len(a.tracker.Processes()), len(a.tracker.Tasks()))
			return nil
		},
	}
}

func newBackupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Save a snapshot of all data next to the live data",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := backup.Snapshot(cmd.Context(), a.store, a.tracker.Processes(), a.tracker.Tasks(), a.now())
			if err != nil {
				return a.fail(err, "backup failed, storage might be full")
			}
			output.Success(a.out, "Backup created")
			return nil
		},
	}
}

func newRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Replace all data with the last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := backup.Restore(cmd.Context(), a.store)
			if errors.Is(err, backup.ErrNoBackup) {
				output.Warning(a.out, "No backup found")
				return err
			}
			if err != nil {
				return a.fail(err, "restore failed")
			}
			if err := a.tracker.Restore(cmd.Context(), doc.Processes, doc.Tasks); err != nil {
				return a.fail(err, "restore failed")
			}
			output.Success(a.out, "Restored backup from %s", doc.ExportDate.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newClearCommand(a *app) *cobra.Command {
	var yes bool
	c := &cobra.Command{
		Use:       "clear <tasks|processes|all>",
		Short:     "Delete every task, every process, or both",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"tasks", "processes", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				err := errors.New("refusing to clear without --yes")
				output.Error(a.errOut, "%v", err)
				return err
			}
			var kinds []workflow.Kind
			switch args[0] {
			case "tasks":
				kinds = []workflow.Kind{workflow.KindTask}
			case "processes":
				kinds = []workflow.Kind{workflow.KindProcess}
			default:
				kinds = []workflow.Kind{workflow.KindTask, workflow.KindProcess}
			}
			for _, k := range kinds {
				if err := a.tracker.Clear(cmd.Context(), k); err != nil {
					return a.fail(err, "clear failed")
				}
			}
			output.Success(a.out, "Cleared %s", args[0])
			return nil
		},
	}
	c.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return c
}
