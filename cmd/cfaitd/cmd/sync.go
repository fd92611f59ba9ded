package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cfait/internal/daemon"
	"cfait/internal/logging"
	"cfait/internal/shutdown"
	"cfait/internal/watcher"
	"cfait/internal/xdg"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultIdleTimeout = 0 // disabled; cfaitd normally runs under a supervisor
)

func defaultPIDPath() string    { return filepath.Join(xdg.DataDir(), "cfaitd.pid") }
func defaultSocketPath() string { return daemon.DefaultSocketPath() }

func newSyncCmd(stdout, stderr io.Writer, f *globalFlags) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run or control the background sync process",
	}

	syncCmd.AddCommand(newSyncRunCmd(stdout, stderr, f))
	syncCmd.AddCommand(newSyncOnceCmd(stdout, stderr, f))
	syncCmd.AddCommand(newSyncStatusCmd(stdout, stderr, f))
	syncCmd.AddCommand(newSyncStopCmd(stdout, stderr, f))
	return syncCmd
}

func newSyncRunCmd(stdout, stderr io.Writer, f *globalFlags) *cobra.Command {
	var pidPath, socketPath string
	var interval, idleTimeout time.Duration
	var watchJournal bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon in the foreground",
		Long: `Run drains the journal against the CalDAV remote on a fixed interval,
watching journal.json so a CLI-issued mutation triggers an immediate
pass instead of waiting for the next tick. It blocks until interrupted
(SIGINT/SIGTERM) or stopped via "cfaitd sync stop".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(f)
			if err != nil {
				return err
			}

			logPath := filepath.Join(xdg.DataDir(), "cfaitd.log")
			bgLog, logFile, err := logging.NewBackgroundLogger(logPath)
			if err != nil {
				return fmt.Errorf("open daemon log: %w", err)
			}
			defer func() { _ = logFile.Close() }()

			d := daemon.New(&daemon.Config{
				PIDPath:     pidPath,
				SocketPath:  socketPath,
				Interval:    interval,
				IdleTimeout: idleTimeout,
			}, a.runSync, func(format string, args ...interface{}) {
				bgLog.Info().Msgf(format, args...)
			})

			mgr := shutdown.NewManager()

			if watchJournal {
				jPath := journalPath()
				w, werr := watcher.New(watcher.ForJournal(jPath, d.NotifyAsync))
				if werr != nil {
					return fmt.Errorf("create journal watcher: %w", werr)
				}
				if err := w.Start(); err != nil {
					return fmt.Errorf("start journal watcher: %w", err)
				}
				mgr.RegisterCleanup("stop journal watcher", func(ctx context.Context) error {
					w.Stop()
					return nil
				})
			}

			// Daemon.Run owns its own SIGINT/SIGTERM handling and blocks
			// until stopped by signal, IPC, or idle timeout; once it
			// returns, run the registered cleanups (stopping the
			// watcher) before cfaitd exits.
			runErr := d.Run(context.Background())
			mgr.Shutdown()
			_ = mgr.Wait(context.Background())
			if runErr != nil {
				return runErr
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&pidPath, "pid-path", defaultPIDPath(), "path to the daemon PID file")
	cmd.Flags().StringVar(&socketPath, "socket-path", defaultSocketPath(), "path to the daemon's IPC unix socket")
	cmd.Flags().DurationVar(&interval, "interval", defaultInterval, "sync interval")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", defaultIdleTimeout, "exit after this much idle time (0 = never)")
	cmd.Flags().BoolVar(&watchJournal, "watch-journal", true, "trigger an immediate sync when journal.json changes")
	return cmd
}

func newSyncOnceCmd(stdout, stderr io.Writer, f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single drain-and-refresh pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(f)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			depth, err := a.runSync(ctx)
			if err != nil {
				return err
			}
			if depth > 0 {
				_, _ = fmt.Fprintf(stdout, "sync incomplete: %d action(s) remain queued\n", depth)
				return nil
			}
			_, _ = fmt.Fprintln(stdout, "sync complete")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newSyncStatusCmd(stdout, stderr io.Writer, f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := defaultPIDPath()
			socketPath := defaultSocketPath()

			if !daemon.IsRunning(pidPath, socketPath) {
				j, err := newApp(f)
				if err != nil {
					_, _ = fmt.Fprintln(stdout, "daemon not running")
					return nil
				}
				_, _ = fmt.Fprintf(stdout, "daemon not running; %d action(s) queued locally\n", queueDepth(j.journal))
				return nil
			}

			client := daemon.NewClient(socketPath)
			resp, err := client.Status()
			if err != nil {
				return fmt.Errorf("query daemon status: %w", err)
			}
			_, _ = fmt.Fprintf(stdout, "running: %v\nsync count: %d\nlast sync: %s\nqueue depth: %d\n",
				resp.Running, resp.SyncCount, resp.LastSync, resp.QueueDepth)
			if resp.LastError != "" {
				_, _ = fmt.Fprintf(stdout, "last error: %s\n", resp.LastError)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newSyncStopCmd(stdout, stderr io.Writer, f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			socketPath := defaultSocketPath()
			if !daemon.IsRunning(defaultPIDPath(), socketPath) {
				_, _ = fmt.Fprintln(stdout, "daemon not running")
				return nil
			}
			client := daemon.NewClient(socketPath)
			if err := client.Stop(); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}
			_, _ = fmt.Fprintln(stdout, "stop requested")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// journalPath mirrors internal/journal.New()'s own path computation; the
// watcher needs the path directly since it watches the parent directory.
func journalPath() string {
	return filepath.Join(xdg.DataDir(), "journal.json")
}
