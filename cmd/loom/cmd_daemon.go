package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"loom/pkg/agent"
	"loom/pkg/board"
	"loom/pkg/config"
	"loom/pkg/engine"
	"loom/pkg/notify"
	"loom/pkg/state"
	"loom/pkg/workspace"

	"github.com/spf13/cobra"
)

// exitPollTimeout is the maximum time "daemon stop" waits for the process
// to drain and exit after SIGTERM.
const exitPollTimeout = 60 * time.Second

// exitPollInterval is how often "daemon stop" re-checks process liveness.
const exitPollInterval = 200 * time.Millisecond

// DaemonSpawner abstracts spawning the daemon subprocess for testability.
type DaemonSpawner interface {
	SpawnDaemon(configPath string) (pid int, err error)
}

// ExecDaemonSpawner spawns a real child process running `loom daemon run`.
type ExecDaemonSpawner struct{}

// SpawnDaemon forks a child process running the current binary in daemon mode.
func (e *ExecDaemonSpawner) SpawnDaemon(configPath string) (int, error) {
	args := []string{"daemon", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	child := exec.Command(os.Args[0], args...) //nolint:gosec // intentionally re-executing self
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	// The child owns its own lifecycle from here on.
	if err := child.Process.Release(); err != nil {
		return 0, fmt.Errorf("release daemon process: %w", err)
	}
	return child.Process.Pid, nil
}

// newDaemonCmd creates the "loom daemon" subcommand group.
func newDaemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the loom polling daemon",
		Long:  "Subcommands for starting, stopping, and inspecting the loom daemon.",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default ~/.loom/config.toml)")

	cmd.AddCommand(
		newDaemonStartCmd(&configPath),
		newDaemonStopCmd(&configPath),
		newDaemonStatusCmd(&configPath),
		newDaemonRunCmd(&configPath),
	)
	return cmd
}

// loadDaemonConfig resolves the config path and loads the daemon config.
func loadDaemonConfig(configPath string) (*config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// newDaemonStartCmd creates "loom daemon start". It spawns the daemon as a
// detached child process and prints the PID.
func newDaemonStartCmd(configPath *string) *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the loom daemon in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadDaemonConfig(*configPath)
			if err != nil {
				return err
			}
			if foreground {
				return runDaemonProcess(cmd.Context(), cfg, true)
			}
			return runDaemonStart(cmd.OutOrStdout(), cfg, *configPath, &ExecDaemonSpawner{})
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of daemonizing")
	return cmd
}

// runDaemonStart spawns the daemon subprocess after verifying no instance
// is already running. The spawner is injected for testability.
func runDaemonStart(w io.Writer, cfg *config.Config, configPath string, spawner DaemonSpawner) error {
	path := pidPath(cfg.DataDir)
	status, pid, err := DaemonStatus(path)
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	switch status {
	case StatusRunning:
		return fmt.Errorf("daemon already running (PID %d)", pid)
	case StatusStale:
		fmt.Fprintln(w, "removing stale PID file (process already dead)")
		if err := RemovePIDFile(path); err != nil {
			return err
		}
	case StatusStopped:
	}

	pid, err = spawner.SpawnDaemon(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "daemon started (PID %d)\n", pid)
	fmt.Fprintf(w, "logs: %s\n", filepath.Join(cfg.DataDir, "loom.log"))
	return nil
}

// newDaemonStopCmd creates "loom daemon stop". It sends SIGTERM, waits for
// the process to drain in-flight runs and exit, and removes the PID file.
func newDaemonStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the loom daemon and wait for it to drain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadDaemonConfig(*configPath)
			if err != nil {
				return err
			}
			return runDaemonStop(cmd.Context(), cmd.OutOrStdout(), pidPath(cfg.DataDir), defaultSignalTERM, IsProcessAlive)
		},
	}
}

// runDaemonStop performs the graceful shutdown sequence. signalFn and
// aliveFn are injected for testability.
func runDaemonStop(ctx context.Context, w io.Writer, path string, signalFn func(pid int) error, aliveFn func(pid int) bool) error {
	status, pid, err := DaemonStatus(path)
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	switch status {
	case StatusStopped:
		fmt.Fprintln(w, "daemon is not running")
		return nil
	case StatusStale:
		fmt.Fprintln(w, "removing stale PID file (process already dead)")
		return RemovePIDFile(path)
	case StatusRunning:
	}

	fmt.Fprintf(w, "sending SIGTERM to daemon (PID %d)\n", pid)
	if err := signalFn(pid); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	fmt.Fprintln(w, "waiting for daemon to drain and exit...")
	if err := waitForExit(ctx, pid, aliveFn); err != nil {
		return err
	}

	// The signal handler usually removes the PID file on the way out.
	_ = RemovePIDFile(path)
	fmt.Fprintln(w, "daemon stopped")
	return nil
}

// defaultSignalTERM sends SIGTERM to the given PID.
func defaultSignalTERM(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// waitForExit polls aliveFn until the process exits, the context is
// cancelled, or exitPollTimeout elapses.
func waitForExit(ctx context.Context, pid int, aliveFn func(pid int) bool) error {
	deadline := time.Now().Add(exitPollTimeout)
	for time.Now().Before(deadline) {
		if !aliveFn(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(exitPollInterval):
		}
	}
	return fmt.Errorf("daemon (PID %d) did not exit within %s", pid, exitPollTimeout)
}

// newDaemonStatusCmd creates "loom daemon status".
func newDaemonStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the loom daemon is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadDaemonConfig(*configPath)
			if err != nil {
				return err
			}
			status, pid, err := DaemonStatus(pidPath(cfg.DataDir))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch status {
			case StatusRunning:
				fmt.Fprintf(w, "running (PID %d)\n", pid)
			case StatusStale:
				fmt.Fprintf(w, "stale PID file (PID %d is dead)\n", pid)
			case StatusStopped:
				fmt.Fprintln(w, "stopped")
			}
			return nil
		},
	}
}

// newDaemonRunCmd creates "loom daemon run", the actual daemon process.
// "daemon start" re-executes the binary with this subcommand.
func newDaemonRunCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon loop in this process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadDaemonConfig(*configPath)
			if err != nil {
				return err
			}
			return runDaemonProcess(cmd.Context(), cfg, false)
		},
	}
	return cmd
}

// runDaemonProcess wires the full daemon and blocks until a shutdown
// signal arrives and in-flight work drains.
func runDaemonProcess(parent context.Context, cfg *config.Config, foreground bool) error {
	path := pidPath(cfg.DataDir)
	status, pid, err := DaemonStatus(path)
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	if status == StatusRunning {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		return err
	}

	ctx, cleanup := SetupSignalHandler(parent, path)
	defer cleanup()

	var logger = newForegroundLogger()
	if !foreground {
		dl, closer := newDaemonLogger(cfg)
		defer closer.Close() //nolint:errcheck // log file close on shutdown
		logger = dl
	}
	logger.Info("daemon starting", "pid", os.Getpid(), "data_dir", cfg.DataDir)

	store, err := state.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close() //nolint:errcheck // best-effort close on shutdown

	runner := &board.ExecCommandRunner{}
	client := board.NewCLIClient(runner)
	agents := agent.NewCLIRunner(cfg.AgentBinary)

	spaces := workspace.NewGitManager(filepath.Join(cfg.DataDir, "workspaces"), runner)
	if err := spaces.Prune(ctx); err != nil {
		logger.Warn("workspace prune failed", "error", err)
	}

	var alerter notify.Alerter = notify.NopAlerter{}
	if cfg.NotifyCommand != "" {
		alerter = notify.NewExecAlerter(cfg.NotifyCommand, runner)
	}

	policies := config.NewPolicyStore()
	if err := policies.LoadFile(cfg.ValidationPolicy); err != nil {
		logger.Warn("validation policy load failed, using defaults", "path", cfg.ValidationPolicy, "error", err)
	}
	stopWatch, err := policies.Watch(cfg.ValidationPolicy, logger)
	if err != nil {
		logger.Warn("validation policy watch failed", "error", err)
	} else {
		defer stopWatch()
	}

	locks := engine.NewLockRegistry()
	markers := engine.NewMarkerRegistry()
	workflow := engine.NewWorkflow(client, agents, spaces, store, alerter, cfg, policies, locks, markers, logger)
	yolo := engine.NewYOLOController(client, cfg, policies, logger)
	hib := engine.NewHibernationController(client, alerter, logger)
	sched := engine.NewScheduler(client, workflow, yolo, hib, spaces, store, cfg, locks, markers, nil, logger)

	err = sched.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
