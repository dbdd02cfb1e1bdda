package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/busybox42/fedqueue/internal/delivery"
	"github.com/busybox42/fedqueue/internal/queue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the queue runner daemon",
	Long:  "Sweep the queue on an interval, delivering due entries through the worker pool, and serve the admin API.",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep [entry-id]",
	Short: "Run one sweep, or deliver a single entry",
	Long: `Without arguments, expire old entries and deliver every due entry once.
With an entry id, run the delivery state machine for that entry only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSweep,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func init() {
	runCmd.Flags().Duration("interval", 0, "sweep interval (overrides config)")
	runCmd.Flags().Bool("no-api", false, "do not start the admin API")
}

// runSweep is the one-shot entry point: no argument sweeps, an entry id
// delivers that entry.
func runSweep(cmd *cobra.Command, args []string) error {
	id, err := delivery.ParseInvocation(args)
	if err != nil {
		return err
	}

	cfg, logger, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, sweepTimeout(cfg))
	defer cancelTimeout()

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pool.Start(); err != nil {
		return err
	}

	runErr := a.runner.Run(ctx, id)
	stopErr := a.pool.Stop()

	out := cmd.OutOrStdout()
	if id == 0 {
		if last := a.tracker.Stats().LastSweep; last != nil {
			fmt.Fprintf(out, "expired=%d due=%d submitted=%d skipped=%d backlogged=%d rejected=%d\n",
				last.Expired, last.Due, last.Submitted, last.Skipped, last.Backlogged, last.Rejected)
		}
	} else if recent := a.tracker.Recent(1); len(recent) > 0 {
		fmt.Fprintf(out, "entry %d: %s", id, recent[0].StateName)
		if recent[0].Reason != "" {
			fmt.Fprintf(out, " (%s)", recent[0].Reason)
		}
		fmt.Fprintln(out)
	}

	if id != 0 && queue.IsNotFound(runErr) {
		fmt.Fprintf(out, "entry %d is not queued\n", id)
		runErr = nil
	}
	if runErr != nil {
		return runErr
	}
	return stopErr
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()

	if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
		cfg.Runner.Interval.Duration = d
	}
	if noAPI, _ := cmd.Flags().GetBool("no-api"); noAPI {
		cfg.API.Enabled = false
	}

	if err := writePIDFile(cfg.Runner.PIDFile); err != nil {
		return err
	}
	defer removePIDFile(cfg.Runner.PIDFile, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown_close_failed", "error", err)
		}
	}()

	if err := a.pool.Start(); err != nil {
		return err
	}

	if cfg.API.Enabled {
		srv, err := a.apiServer(prometheus.DefaultGatherer)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(); err != nil {
				logger.Error("api_stop_failed", "error", err)
			}
		}()
	}

	logger.Info("runner_started",
		"interval", cfg.Runner.Interval.Duration,
		"workers", cfg.Runner.Workers,
		"store", cfg.Queue.Store,
		"cache", cfg.Cache.Type,
		"pid", os.Getpid(),
	)

	sweepLoop(ctx, a, cfg.Runner.Interval.Duration)

	logger.Info("runner_stopping")
	return a.pool.Stop()
}

// sweepLoop sweeps immediately and then on every tick until ctx ends.
func sweepLoop(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := a.runner.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("sweep_failed", "error", err)
		}
		if a.recorder != nil {
			if stats, err := a.queue.Stats(ctx); err == nil {
				a.recorder.SetQueueSize(stats.Total)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pid, err := readPIDFile(cfg.Runner.PIDFile)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "fedqueue is not running")
		return nil
	}
	if err != nil {
		return err
	}
	if !processAlive(pid) {
		fmt.Fprintf(cmd.OutOrStdout(), "fedqueue is not running (stale pid file %s)\n", cfg.Runner.PIDFile)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fedqueue is running (pid %d)\n", pid)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pid, err := readPIDFile(cfg.Runner.PIDFile)
	if err != nil {
		return fmt.Errorf("fedqueue does not appear to be running: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to pid %d\n", pid)
	return nil
}

// writePIDFile refuses to start a second daemon over a live pid file.
func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if pid, err := readPIDFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("fedqueue is already running (pid %d)", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func readPIDFile(path string) (int, error) {
	if path == "" {
		return 0, fs.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

func removePIDFile(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("pid_file_remove_failed", "path", path, "error", err)
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
