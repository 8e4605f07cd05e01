package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/imedwei/docker-backup/internal/health"
	"github.com/imedwei/docker-backup/internal/server"
)

var daemonCmdFlags struct {
	schedule string
	set      string
	runNow   bool
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run backups on a schedule",
	Long: `Run backups on a cron schedule and, when METRICS_PORT is set, serve
metrics, health checks, the live run status and the pause, resume, skip and
cancel controls over HTTP.

SIGINT or SIGTERM cancels the running backup at the next item boundary and
stops the daemon.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		schedule := a.cfg.Server.Schedule
		if daemonCmdFlags.schedule != "" {
			schedule = daemonCmdFlags.schedule
		}

		runner := &scheduledRunner{app: a, set: daemonCmdFlags.set}

		checker := health.NewChecker()
		checker.RegisterCheck("docker", health.DockerCheck(a.docker, 5*time.Second), true)
		checker.RegisterCheck("staging", health.StagingCheck(a.staging), true)
		checker.RegisterCheck("last_backup", runner.check, false)

		var (
			httpServer *server.Server
			wg         sync.WaitGroup
		)
		if port := a.cfg.Server.MetricsPort; port > 0 {
			serverConfig := server.DefaultConfig()
			serverConfig.Port = port
			httpServer = server.New(serverConfig, a.status, checker, a.logger)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := httpServer.Start(); err != nil {
					a.logger.Error("HTTP server failed", "error", err)
				}
			}()
		}

		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		id, err := c.AddFunc(schedule, func() { runner.run(ctx) })
		if err != nil {
			return err
		}
		c.Start()
		a.logger.Info("Daemon started", "schedule", schedule, "next_run", c.Entry(id).Next)

		if daemonCmdFlags.runNow {
			job := c.Entry(id).WrappedJob
			runner.running.Add(1)
			go func() {
				defer runner.running.Done()
				job.Run()
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			a.logger.Info("Shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
		}

		a.status.RequestCancel()
		<-c.Stop().Done()
		runner.wait()

		if httpServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), server.DefaultConfig().ShutdownTimeout)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("HTTP server shutdown failed", "error", err)
			}
		}
		wg.Wait()
		return nil
	},
}

// scheduledRunner runs backups for the daemon and remembers the last
// outcome.
type scheduledRunner struct {
	app *app
	set string
	// running tracks runs started outside the cron scheduler.
	running sync.WaitGroup

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

func (r *scheduledRunner) run(ctx context.Context) {
	err := r.backup(ctx)
	if err != nil {
		r.app.logger.Error("Scheduled backup failed", "error", err)
	}

	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *scheduledRunner) backup(ctx context.Context) error {
	req, err := backupRequest(r.app.cfg, backupFlags{set: r.set}, false)
	if err != nil {
		return err
	}
	result, err := r.app.orchestrator.RunBackup(ctx, req)
	if err != nil {
		return err
	}
	r.app.logger.Info("Scheduled backup finished",
		"generation_id", result.GenerationID,
		"phase", result.Phase,
		"blocked", result.Blocked,
		"summary", result.Summary())
	if result.Failed > 0 {
		return errors.New(result.Summary())
	}
	return nil
}

func (r *scheduledRunner) wait() {
	r.running.Wait()
}

func (r *scheduledRunner) check(ctx context.Context) health.Check {
	r.mu.Lock()
	defer r.mu.Unlock()

	check := health.Check{Status: health.StatusHealthy, Timestamp: time.Now(), Details: map[string]any{}}
	if !r.lastRun.IsZero() {
		check.Details["last_run"] = r.lastRun
	}
	if r.lastErr != nil {
		check.Status = health.StatusUnhealthy
		check.Details["error"] = r.lastErr.Error()
	}
	return check
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonCmdFlags.schedule, "schedule", "", "Cron schedule, overrides BACKUP_SCHEDULE")
	daemonCmd.Flags().StringVar(&daemonCmdFlags.set, "set", "", "Back up this named backup set on every run")
	daemonCmd.Flags().BoolVar(&daemonCmdFlags.runNow, "run-now", false, "Start a backup immediately as well")
}
