package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/convomirror/convomirror/internal/config"
	"github.com/convomirror/convomirror/internal/engine"
	"github.com/convomirror/convomirror/internal/lockfile"
)

// foregroundEnv marks the re-spawned child so it skips the backgrounding step.
const foregroundEnv = "CVM_DAEMON_FOREGROUND"

var flagInterval time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background sync daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync daemon",
	Long: `Starts the periodic sync loop as a background process. The daemon
coordinates with other instances through the leader lock under the mirror
root: whichever process holds it runs the cycles, the rest stand by.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		foreground, _ := cmd.Flags().GetBool("foreground")

		if pid, running := daemonPID(); running {
			return fmt.Errorf("daemon already running (pid %d)", pid)
		}

		if !foreground && os.Getenv(foregroundEnv) != "1" {
			return spawnDaemon()
		}
		return runDaemon(cmd.Context())
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the sync daemon",
	RunE: func(*cobra.Command, []string) error {
		pid, running := daemonPID()
		if !running {
			fmt.Println("Daemon is not running.")
			return nil
		}
		if err := terminateProcess(pid); err != nil {
			return fmt.Errorf("stopping daemon (pid %d): %w", pid, err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if !processAlive(pid) {
				_ = os.Remove(pidFilePath())
				fmt.Printf("Daemon stopped (pid %d).\n", pid)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("daemon (pid %d) did not stop within 5s", pid)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon and a leader are active",
	RunE: func(*cobra.Command, []string) error {
		if pid, running := daemonPID(); running {
			fmt.Printf("Daemon: running (pid %d)\n", pid)
		} else {
			fmt.Println("Daemon: not running")
		}
		fmt.Printf("Leader: %s\n", leaderState())
		fmt.Printf("Log:    %s\n", logFilePath())
		return nil
	},
}

// spawnDaemon re-executes cvm detached from the terminal; the child runs the
// foreground path and owns the PID file.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating cvm binary: %w", err)
	}

	args := []string{"daemon", "start", "--foreground"}
	if flagRoot != "" {
		args = append(args, "--root", flagRoot)
	}
	if flagInterval > 0 {
		args = append(args, "--interval", flagInterval.String())
	}
	if flagLogJSON {
		args = append(args, "--log-json")
	}
	args = append(args, "--log-level", flagLogLevel)

	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), foregroundEnv+"=1")
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	detach(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	fmt.Printf("Daemon started (pid %d), logging to %s\n", child.Process.Pid, logFilePath())
	return child.Process.Release()
}

// runDaemon is the daemon process body: rotating log, PID file, leader loop,
// graceful shutdown on SIGINT/SIGTERM.
func runDaemon(parent context.Context) error {
	logger := slog.New(daemonLogHandler())
	slog.SetDefault(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("daemon crashed", "panic", r)
			_ = os.Remove(pidFilePath())
			panic(r)
		}
	}()

	if err := writePIDFile(); err != nil {
		return err
	}
	defer func() { _ = os.Remove(pidFilePath()) }()

	eng, err := buildEngine()
	if err != nil {
		return err
	}
	eng.Subscribe(func(n engine.Notification) {
		logger.Info("sync state", "status", n.Status, "role", n.Role, "message", n.Message)
	})

	loop := engine.NewLoop(eng, config.Root(), engine.LoopOptions{
		Interval:    syncInterval,
		StandbyPoll: config.GetDuration("standby-poll-interval"),
		ConfigPath:  config.ConfigPath(),
		Reload: func() {
			if err := config.Initialize(); err != nil {
				logger.Warn("config reload failed", "error", err)
			}
		},
	}, logger)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		loop.Stop()
	}()

	logger.Info("daemon started", "pid", os.Getpid(), "interval", syncInterval(), "root", config.Root())
	err = loop.Run(ctx)
	logger.Info("daemon stopped")
	return err
}

// syncInterval resolves the cycle interval: the --interval flag wins, then
// configuration, then the default.
func syncInterval() time.Duration {
	if flagInterval > 0 {
		return flagInterval
	}
	if d := config.GetDuration("sync-interval"); d > 0 {
		return d
	}
	return config.DefaultSyncInterval
}

func daemonLogHandler() slog.Handler {
	out := &lumberjack.Logger{
		Filename:   logFilePath(),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
	}
	opts := &slog.HandlerOptions{Level: parseLogLevel(flagLogLevel)}
	if flagLogJSON {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

func pidFilePath() string { return filepath.Join(config.Root(), "daemon.pid") }

func logFilePath() string { return filepath.Join(config.Root(), "daemon.log") }

func writePIDFile() error {
	if err := os.MkdirAll(config.Root(), 0o755); err != nil {
		return err
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(pidFilePath(), []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	return nil
}

// daemonPID reads the PID file and reports whether that process is alive. A
// stale PID file (process gone) is removed.
func daemonPID() (int, bool) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if !processAlive(pid) {
		_ = os.Remove(pidFilePath())
		return pid, false
	}
	return pid, true
}

// leaderState probes the leader lock: if it can be acquired, no instance is
// leading right now.
func leaderState() string {
	lock, err := lockfile.New(config.Root(), engine.LeaderLockName)
	if err != nil {
		return "unknown (" + err.Error() + ")"
	}
	got, err := lock.TryExclusive()
	if err != nil {
		return "unknown (" + err.Error() + ")"
	}
	if got {
		_ = lock.Release()
		return "none (no instance is syncing)"
	}
	return "active (an instance holds the leader lock)"
}

func init() {
	daemonStartCmd.Flags().DurationVar(&flagInterval, "interval", 0, "Sync interval (default from config, 5m)")
	daemonStartCmd.Flags().Bool("foreground", false, "Run in the foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}
