package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-map/cli/output"
	"github.com/songzhibin97/process-map/config"
	"github.com/songzhibin97/process-map/events"
	"github.com/songzhibin97/process-map/search"
	"github.com/songzhibin97/process-map/storage"
	"github.com/songzhibin97/process-map/templates"
	"github.com/songzhibin97/process-map/workflow"
)

// app holds what a single command invocation needs.
type app struct {
	cfgPath    string
	outputJSON bool

	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Storage
	tracker  *workflow.Tracker
	searcher *search.Searcher
	library  *templates.Library
	now      func() time.Time

	out    io.Writer
	errOut io.Writer
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root, a := newRootCommand()
	err := root.ExecuteContext(context.Background())
	a.close()
	if err != nil {
		return 1
	}
	return 0
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }}

	root := &cobra.Command{
		Use:   "processmap",
		Short: "Track tasks and business processes as ordered workflow steps",
		Long: `processmap keeps personal tasks and departmental business processes,
each made of ordered workflow steps, and reports progress and analytics.

Examples:
  # Create a task with two steps
  processmap task add --title "Ship release" --step "Tag build" --step "Announce"

  # Complete the first step (by number or id)
  processmap task toggle <task-id> 1

  # List overdue processes of one department
  processmap process list --status overdue --department Finance

  # Export everything
  processmap export`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			a.errOut = cmd.ErrOrStderr()
			if err := a.open(cmd.Context()); err != nil {
				output.Error(a.errOut, "%v", err)
				return err
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default ./processmap.yaml or ~/.processmap/processmap.yaml)")
	root.PersistentFlags().BoolVarP(&a.outputJSON, "json", "j", false, "print JSON instead of tables")

	root.AddCommand(
		newUnitCommand(a, workflow.KindTask),
		newUnitCommand(a, workflow.KindProcess),
		newStatsCommand(a),
		newExportCommand(a),
		newImportCommand(a),
		newBackupCommand(a),
		newRestoreCommand(a),
		newClearCommand(a),
		newTemplateCommand(a),
	)
	return root, a
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = newLogger(cfg, a.errOut)
	if err != nil {
		return err
	}

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store

	gen, err := newIDGenerator(cfg)
	if err != nil {
		return err
	}
	a.tracker, err = workflow.NewTracker(gen, a.store, workflow.WithLogger(a.logger), workflow.WithClock(a.now))
	if err != nil {
		return err
	}
	a.tracker.Subscribe(events.TypeAlert, events.HandlerFunc(func(ctx context.Context, e events.Event) error {
		output.Warning(a.errOut, "%s", e.Message())
		return nil
	}))
	if err := a.tracker.Load(ctx); err != nil {
		return err
	}

	a.searcher = search.NewSearcher(search.WithClock(a.now))

	a.library = templates.Default()
	if cfg.Templates.Dir != "" {
		extra, err := templates.LoadDir(cfg.Templates.Dir)
		if err != nil {
			return err
		}
		if err := a.library.Merge(extra); err != nil {
			return err
		}
	}
	return nil
}

// close flushes pending events and releases storage. Safe to call twice.
func (a *app) close() {
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.tracker != nil {
		if err := a.tracker.Stop(context.Background()); err != nil {
			a.logger.Error("failed to stop tracker", "error", err)
		}
		a.tracker = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close storage", "error", err)
		}
		a.store = nil
	}
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStorage(storage.WithQuota(cfg.Storage.QuotaBytes)), nil
	case "sqlite":
		s, err := storage.NewSQLiteStorage(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func newIDGenerator(cfg *config.Config) (workflow.IDGenerator, error) {
	switch cfg.IDs.Generator {
	case "uuid":
		return workflow.UUIDGenerator{}, nil
	case "snowflake":
		return workflow.NewSnowflakeGenerator(cfg.IDs.MachineID), nil
	}
	return nil, fmt.Errorf("unknown id generator %q", cfg.IDs.Generator)
}

// fail reports err and returns it. A save failure is already shown through
// the alert subscription.
func (a *app) fail(err error, format string, args ...interface{}) error {
	if !errors.Is(err, workflow.ErrSaveFailed) {
		output.Error(a.errOut, format+": %v", append(args, err)...)
	}
	return err
}
