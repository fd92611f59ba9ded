// Package cmd implements cfaitd's cobra command tree, grounded on
// cmd/todoat/cmd/todoat.go's injectable-IO Execute(args, stdout, stderr)
// pattern and internal/daemon/daemon.go's ticker/fork/IPC skeleton,
// reduced to the sync-only verb set a headless daemon needs.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"cfait/internal/cache"
	"cfait/internal/journal"
	"cfait/internal/logging"
	"cfait/internal/remote"
	"cfait/internal/storage"
	"cfait/internal/sync"
	"cfait/internal/task"
	"cfait/internal/xdg"
)

// globalFlags holds the connection settings shared by every subcommand,
// populated from flags and, where a flag is unset, environment variables
// (grounded on the CFAIT_TEST_DIR override convention in internal/xdg).
type globalFlags struct {
	caldavURL          string
	username           string
	password           string
	insecureSkipVerify bool
	verbose            bool
}

// Execute runs the CLI with the given arguments and IO writers, returning
// a process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRoot(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewRoot builds the cfaitd root command.
func NewRoot(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "cfaitd",
		Short: "Background sync daemon for cfait",
		Long: `cfaitd drains the local journal of pending task mutations against a
CalDAV remote on an interval, outside of any interactive UI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetVerbose(flags.verbose)
			applyEnvDefaults(flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.caldavURL, "caldav-url", "", "CalDAV base URL (or CFAIT_CALDAV_URL)")
	root.PersistentFlags().StringVar(&flags.username, "username", "", "CalDAV username (or CFAIT_CALDAV_USERNAME)")
	root.PersistentFlags().StringVar(&flags.password, "password", "", "CalDAV password (or CFAIT_CALDAV_PASSWORD)")
	root.PersistentFlags().BoolVar(&flags.insecureSkipVerify, "insecure-skip-verify", false, "skip TLS certificate verification")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable debug-level logging")

	root.AddCommand(newSyncCmd(stdout, stderr, flags))
	return root
}

// applyEnvDefaults fills in any flag left at its zero value from the
// corresponding CFAIT_* environment variable, the same fallback style
// internal/xdg uses for its directory overrides.
func applyEnvDefaults(f *globalFlags) {
	if f.caldavURL == "" {
		f.caldavURL = os.Getenv("CFAIT_CALDAV_URL")
	}
	if f.username == "" {
		f.username = os.Getenv("CFAIT_CALDAV_USERNAME")
	}
	if f.password == "" {
		f.password = os.Getenv("CFAIT_CALDAV_PASSWORD")
	}
}

// app bundles the components every sync subcommand wires together.
type app struct {
	journal *journal.Journal
	cache   *cache.Cache
	store   remote.RemoteStore
	engine  *sync.Engine
	local   *storage.LocalCalendarStore
}

func newApp(f *globalFlags) (*app, error) {
	if f.caldavURL == "" {
		return nil, fmt.Errorf("no CalDAV URL configured (set --caldav-url or CFAIT_CALDAV_URL)")
	}

	j, err := journal.New()
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	c := cache.New()
	store := remote.NewCalDAVStore(remote.Config{
		BaseURL:            f.caldavURL,
		Username:           f.username,
		Password:           f.password,
		InsecureSkipVerify: f.insecureSkipVerify,
	})
	engine := sync.New(j, store, *logging.L())
	dataDir := xdg.DataDir()
	if err := xdg.EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("open local calendar: %w", err)
	}
	local := storage.NewLocalCalendarStore(dataDir)

	return &app{journal: j, cache: c, store: store, engine: engine, local: local}, nil
}

// runSync drains the journal, then refreshes the task cache for every
// discovered calendar, returning the number of actions left queued (0 on
// a clean drain). The local-only calendar (task.LocalCalendarHref) never
// touches the network: it is read straight from local.json and folded
// into the same calendar list and task cache the remote calendars use,
// so downstream readers don't need to know it's not a real CalDAV
// collection.
func (a *app) runSync(ctx context.Context) (int, error) {
	if err := a.engine.Drain(ctx); err != nil {
		return queueDepth(a.journal), err
	}

	cals, err := a.store.DiscoverCalendars(ctx)
	if err != nil {
		return queueDepth(a.journal), err
	}
	cals = append([]task.CalendarListEntry{{Name: task.LocalCalendarName, Href: task.LocalCalendarHref}}, cals...)
	if err := a.cache.SaveCalendars(cals); err != nil {
		return queueDepth(a.journal), err
	}
	if _, err := a.store.GetAllTasks(ctx, cals[1:], a.cache); err != nil {
		return queueDepth(a.journal), err
	}

	localTasks, err := a.local.Load()
	if err != nil {
		return queueDepth(a.journal), err
	}
	if err := a.cache.SaveTasks(task.LocalCalendarHref, "", localTasks); err != nil {
		return queueDepth(a.journal), err
	}

	return queueDepth(a.journal), nil
}

func queueDepth(j *journal.Journal) int {
	actions, err := j.Load()
	if err != nil {
		return 0
	}
	return len(actions)
}
