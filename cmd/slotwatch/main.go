// Command slotwatch watches driving-test slot observations and alerts
// subscribers when matching slots appear.
//
// Usage:
//
//	slotwatch start                 # scheduler + HTTP API
//	slotwatch serve                 # HTTP API only
//	slotwatch process               # one observe + alerts cycle
//	slotwatch ingest --file slots.json
//	slotwatch retry
//	slotwatch maintenance
//	slotwatch stats | health | status
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/slotwatch/internal/app"
	"github.com/albapepper/slotwatch/internal/config"
	"github.com/albapepper/slotwatch/internal/observability"
	"github.com/albapepper/slotwatch/internal/observer"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "slotwatch",
		Short:         "Driving test slot alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(startCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(processCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(retryCmd())
	root.AddCommand(maintenanceCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// Long-running commands
// --------------------------------------------------------------------------

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				a.Start(ctx)
				defer a.Stop()
				return serve(ctx, a)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(serve)
		},
	}
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, a *app.App) error {
	cfg := a.Config
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting Slotwatch API", "addr", addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}

// --------------------------------------------------------------------------
// One-shot commands
// --------------------------------------------------------------------------

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one observe cycle (when a source is configured) and one alert sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				if a.Source != nil {
					if err := a.Scheduler.TriggerNow(ctx, app.JobObserve); err != nil {
						return err
					}
				}
				start := time.Now()
				res, err := a.Pipeline.Sweep(ctx)
				logger.Info("Process finished", "duration", time.Since(start).Round(time.Millisecond), "summary", res.Summary())
				for _, e := range res.Errors {
					logger.Error("process error", "error", e)
				}
				return err
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest an observation batch JSON file, then match and notify",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				start := time.Now()
				res, err := a.Pipeline.Observe(ctx, observer.NewFileSource(file))
				logger.Info("Ingest finished", "file", file, "duration", time.Since(start).Round(time.Millisecond), "summary", res.Summary())
				for _, e := range res.Errors {
					logger.Error("ingest error", "error", e)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to a JSON observation or array of observations")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Resend failed notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				return a.Scheduler.TriggerNow(ctx, app.JobRetry)
			})
		},
	}
}

func maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Purge past slots, deactivate expired subscriptions and trim the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				return a.Scheduler.TriggerNow(ctx, app.JobMaintenance)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the stats report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				return printJSON(cmd, a.Reporter.Report(ctx))
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity; exits non-zero when unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				live := a.Reporter.Liveness(ctx)
				if err := printJSON(cmd, live); err != nil {
					return err
				}
				if !live.Healthy {
					return fmt.Errorf("unhealthy: database %s", live.Database)
				}
				return nil
			})
		},
	}
}

// statusView is what `status` prints for each job.
type statusView struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	State    string `json:"state"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured jobs and the observation source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(func(ctx context.Context, a *app.App) error {
				var jobs []statusView
				for _, st := range a.Scheduler.Snapshot() {
					jobs = append(jobs, statusView{Name: st.Name, Interval: st.Interval.String(), State: string(st.State)})
				}
				return printJSON(cmd, map[string]any{
					"version":  app.Version,
					"store":    a.Config.StoreDriver,
					"source":   a.Config.ObserverSource,
					"timezone": a.Config.TimeZone.String(),
					"jobs":     jobs,
				})
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// runWithDeps handles config loading, logging, tracing, wiring and context
// cancellation.
func runWithDeps(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	shutdown, err := observability.SetupOTel(ctx, cfg, app.Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
