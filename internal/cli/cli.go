// ============================================================================
// update-daemon CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for running and inspecting an
//          update daemon
//
// Command Structure:
//   updated                        # Root command
//   ├── run                        # Start the daemon loop
//   │   ├── --interval             # Override loop_interval (e.g. 30s)
//   │   └── --watch                # Reload when the config file changes
//   ├── status                     # Show eti_up and heartbeat rows
//   ├── check-config               # Load and validate the config file
//   ├── --config, -c               # Config file path
//   ├── --name, -n                 # Daemon name (overrides config "name")
//   └── --version
//
// run Command:
//   1. Load config, connect databases and the external session
//   2. Start Prometheus /metrics server (if metrics.enabled)
//   3. Start gRPC health server (if health.enabled)
//   4. SIGHUP or a config file change → reload between ticks
//   5. SIGINT/SIGTERM → finish the current tick and exit
//
//   Examples:
//     ./updated run -c /etc/eti-bot/config.yaml
//     ./updated run -n topic-bot --interval 30s --watch
//
// status Command:
//   Reads the status table directly, so it works while the daemon is running
//   in another process.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/config"
	"github.com/ChuLiYu/update-daemon/internal/daemon"
	"github.com/ChuLiYu/update-daemon/internal/db"
	"github.com/ChuLiYu/update-daemon/internal/metrics"
	"github.com/ChuLiYu/update-daemon/internal/server"
	"github.com/ChuLiYu/update-daemon/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	configFile string
	daemonName string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "updated",
		Short: "updated: a long-running update daemon",
		Long: `updated polls an external site and its databases on a fixed interval:
- ordered update actions with outage/failure classification
- eti_up and heartbeat rows in the status table
- mail notifications on failures
- Prometheus metrics and gRPC health checks`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&daemonName, "name", "n", "", "daemon name (defaults to the config's name)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCheckConfigCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var interval time.Duration
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the update daemon loop",
		Long:  "Load the config, connect to databases and the external site, and run update ticks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), interval, watch)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "override loop_interval (e.g. 30s)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload when the config file changes")

	return cmd
}

func runDaemon(parent context.Context, interval time.Duration, watch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)
	health := server.NewServer(nil)

	d, err := daemon.New(ctx, daemon.Options{
		Name:       daemonName,
		ConfigPath: configFile,
		Interval:   interval,
		Metrics:    collector,
		Observers:  []daemon.PhaseObserver{collector, health},
	})
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	logger := d.Logger()
	cfg := d.Config()

	// Start Metrics
	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Addr, reg)
		errCh := ms.Start()
		logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
		go func() {
			for err := range errCh {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(shutdownCtx)
		}()
	}

	// Start gRPC health
	if cfg.Health.Enabled {
		errCh, err := health.ListenAndServe(cfg.Health.Addr)
		if err != nil {
			return err
		}
		go func() {
			for err := range errCh {
				logger.Error("health server failed", "error", err)
			}
		}()
		defer health.Stop()
	}

	// SIGHUP → reload
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("received SIGHUP, reloading configuration")
				d.RequestReload()
			}
		}
	}()

	if watch {
		go func() {
			err := config.Watch(ctx, configFile, func() {
				logger.Info("config file changed, reloading configuration", "path", configFile)
				d.RequestReload()
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("daemon started", "config", configFile)
	if err := d.Run(ctx); err != nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display the external resource flag and heartbeat recorded in the status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), time.Now())
		},
	}
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func resolveName(cfg *config.Config) (string, error) {
	if daemonName != "" {
		return daemonName, nil
	}
	if cfg.Name != "" {
		return cfg.Name, nil
	}
	return "", errors.New("daemon name is required (use --name or set name in config)")
}

func showStatus(ctx context.Context, out io.Writer, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	name, err := resolveName(cfg)
	if err != nil {
		return err
	}
	if cfg.Status.Connection == "" {
		return errors.New("no status connection configured (status.connection)")
	}

	conn := cfg.Status.Connection
	set, err := db.NewSet(map[string]config.DBConfig{conn: cfg.DB[conn]}, nil, nil)
	if err != nil {
		return err
	}
	defer set.Close()

	ref := db.IndexRef{Connection: conn, Table: cfg.Status.Table}
	up, upOK, err := set.GetIndex(ctx, ref, types.ExternalUpKey)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", types.ExternalUpKey, err)
	}
	lastKey := name + types.LastActiveSuffix
	last, lastOK, err := set.GetIndex(ctx, ref, lastKey)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", lastKey, err)
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintf(out, "║  %-57s║\n", name+" status")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Status Table:  %s.%s\n", conn, cfg.Status.Table)

	switch {
	case !upOK:
		fmt.Fprintf(out, "  ├─ External Up:   unknown (no %s row)\n", types.ExternalUpKey)
	case up != 0:
		fmt.Fprintln(out, "  ├─ External Up:   yes")
	default:
		fmt.Fprintln(out, "  ├─ External Up:   no")
	}

	if !lastOK {
		fmt.Fprintln(out, "  └─ Last Active:   never")
	} else {
		at := time.Unix(last, 0).UTC()
		fmt.Fprintf(out, "  └─ Last Active:   %s (%s ago)\n",
			at.Format("2006-01-02 15:04:05 MST"), now.Sub(at).Truncate(time.Second))
	}
	return nil
}

// ============================================================================
// check-config
// ============================================================================

func buildCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd.OutOrStdout())
		},
	}
}

func checkConfig(out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	name, err := resolveName(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: config OK\n", configFile)
	fmt.Fprintf(out, "  name:          %s\n", name)
	fmt.Fprintf(out, "  loop interval: %s\n", cfg.Interval())
	fmt.Fprintf(out, "  log:           %s (%s)\n", cfg.Log.MinLevel, cfg.Log.Sink)
	fmt.Fprintf(out, "  connections:   %d\n", len(cfg.DB))
	fmt.Fprintf(out, "  mail:          %t\n", cfg.Mail != nil)
	fmt.Fprintf(out, "  external site: %t\n", cfg.ETI != nil)
	return nil
}
