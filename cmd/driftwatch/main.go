package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/driftwatch/internal/activation"
	"github.com/schaermu/driftwatch/internal/alert"
	"github.com/schaermu/driftwatch/internal/baseline"
	"github.com/schaermu/driftwatch/internal/config"
	"github.com/schaermu/driftwatch/internal/drift"
	"github.com/schaermu/driftwatch/internal/guard"
	"github.com/schaermu/driftwatch/internal/metrics"
	"github.com/schaermu/driftwatch/internal/monitor"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile      string
	baselineFile string
	logLevel     string
	logFormat    string
	logFile      string

	// Command flags
	alertOnDrift bool
	failOnDrift  bool
	outputFormat string
	interval     time.Duration
	metricsAddr  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "driftwatch",
	Short: "Detect configuration drift in a directory",
	Long: `driftwatch records SHA-256 fingerprints of the files in a configuration
directory as a trusted baseline and reports every file that was added,
changed or deleted since.

It can run as a one-shot check (via systemd timer or CI) or as a long-running
monitor that re-checks the directory whenever the filesystem reports a change.`,
	SilenceUsage: true,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [DIRECTORY]",
	Short: "Record the current state of a directory as the baseline",
	Long: `Snapshot fingerprints every regular file directly inside DIRECTORY
(default: the current directory) and replaces the baseline with the result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshot,
}

var compareCmd = &cobra.Command{
	Use:   "compare [DIRECTORY]",
	Short: "Compare a directory against the baseline",
	Long: `Compare fingerprints DIRECTORY (default: the current directory) and reports
every file that is new, changed or deleted relative to the baseline.

The baseline itself is never modified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCompare,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor [DIRECTORY]",
	Short: "Watch a directory and compare on every change",
	Long: `Monitor subscribes to filesystem notifications for DIRECTORY (default: the
current directory) and runs a comparison when a change arrives, at most once
per --interval. Changes arriving sooner are dropped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "driftwatch %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/driftwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baselineFile, "baseline", config.DefaultBaselineFile, "baseline file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "append log output to this file instead of stderr")

	// Compare command flags
	compareCmd.Flags().BoolVar(&alertOnDrift, "alert", false, "send an alert when drift is detected")
	compareCmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit with status 1 when drift is detected")
	compareCmd.Flags().StringVar(&outputFormat, "output", "text", "report format (text, json)")

	// Monitor command flags
	monitorCmd.Flags().BoolVar(&alertOnDrift, "alert", false, "send an alert when drift is detected")
	monitorCmd.Flags().DurationVar(&interval, "interval", monitor.DefaultInterval, "minimum time between two comparisons")
	monitorCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	// Add commands
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	engine, store, err := newEngine(cfg, nil, logger)
	if err != nil {
		return err
	}

	snap, err := engine.Snapshot(ctx, directoryArg(args))
	if err != nil {
		logger.Error("snapshot failed", "error", err)
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Snapshot saved to %s (%d files)\n", store.Path(), len(snap))
	return err
}

func runCompare(cmd *cobra.Command, args []string) error {
	if outputFormat != "text" && outputFormat != "json" {
		return fmt.Errorf("invalid --output %q (must be text or json)", outputFormat)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	engine, _, err := newEngine(cfg, nil, logger)
	if err != nil {
		return err
	}

	report, err := engine.Compare(ctx, directoryArg(args))
	if err != nil {
		logger.Error("compare failed", "error", err)
		return err
	}

	if err := printReport(cmd.OutOrStdout(), report, outputFormat); err != nil {
		return err
	}
	if failOnDrift && report.HasDrift() {
		return guard.ErrDriftDetected
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	m := metrics.New()
	engine, _, err := newEngine(cfg, m, logger)
	if err != nil {
		return err
	}

	dir := directoryArg(args)
	out := cmd.OutOrStdout()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.ListenAddr != "" || activation.Activated() {
		g.Go(func() error {
			return serveMetrics(ctx, m, cfg.Metrics.ListenAddr, logger)
		})
	}
	g.Go(func() error {
		// The metrics server stops with the monitor.
		defer cancel()

		_, _ = fmt.Fprintf(out, "Monitoring %s for changes... (Press Ctrl+C to stop)\n", dir)
		return engine.Monitor(ctx, dir, func(report drift.Report) {
			if err := printReport(out, report, "text"); err != nil {
				logger.Warn("failed to print drift report", "error", err)
			}
		})
	})

	if err := g.Wait(); err != nil {
		logger.Error("monitor failed", "error", err)
		return err
	}
	return nil
}

// serveMetrics runs the metrics server. Missing a listener only disables
// metrics; the monitor keeps running.
func serveMetrics(ctx context.Context, m *metrics.Metrics, addr string, logger *slog.Logger) error {
	err := m.Serve(ctx, addr, logger)
	if errors.Is(err, metrics.ErrNoListener) {
		logger.Warn("metrics disabled", "error", err)
		return nil
	}
	return err
}

// setup resolves the effective configuration (file, then flags) and builds
// the logger from it. The returned func closes the log file, if any.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, func(), error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfgPath != "" {
		logger.Debug("configuration loaded",
			"path", cfgPath,
			"baseline", cfg.Paths.BaselineFile,
			"interval", cfg.Monitor.Interval,
			"alert", cfg.Alert.Enabled,
			"webhook", cfg.WebhookEnabled())
	}
	return cfg, logger, closeLog, nil
}

// applyFlags overrides configuration values with flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("baseline") {
		cfg.Paths.BaselineFile = baselineFile
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if flags.Changed("alert") {
		cfg.Alert.Enabled = alertOnDrift
	}
	if flags.Changed("interval") {
		cfg.Monitor.Interval = interval
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.ListenAddr = metricsAddr
	}
}

// loadConfig reads the configuration file. A missing file at the default
// location yields the built-in defaults; an explicit --config must exist.
// The returned path is empty when no file was read.
func loadConfig() (*config.Config, string, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.Default(), "", nil
		}
		configPath = filepath.Join(home, ".config", "driftwatch", "config.yaml")
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), "", nil
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func setupLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Reports go to stdout, so logs default to stderr.
	var out io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeLog = func() {
			_ = f.Close()
		}
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closeLog, nil
}

func newEngine(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*guard.Engine, *baseline.Store, error) {
	store := baseline.NewStore(cfg.Paths.BaselineFile)

	var notifier alert.Notifier
	if cfg.Alert.Enabled {
		n, err := alert.FromConfig(cfg, "driftwatch/"+version, logger)
		if err != nil {
			return nil, nil, err
		}
		notifier = n
	}

	return guard.NewEngine(cfg, store, notifier, m, logger, cfg.Alert.Enabled), store, nil
}

func directoryArg(args []string) string {
	if len(args) == 0 {
		return "."
	}
	return args[0]
}

func printReport(w io.Writer, report drift.Report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if !report.HasDrift() {
		_, err := fmt.Fprintln(w, "No drift detected.")
		return err
	}
	if _, err := fmt.Fprintln(w, "Drift detected:"); err != nil {
		return err
	}
	for _, line := range report.Lines() {
		if _, err := fmt.Fprintf(w, "  %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
