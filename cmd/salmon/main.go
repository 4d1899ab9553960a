// Package main provides the salmon CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/stsievert/salmon-sub000/pkg/checkpoint"
	"github.com/stsievert/salmon-sub000/pkg/config"
	"github.com/stsievert/salmon-sub000/pkg/engine"
	"github.com/stsievert/salmon-sub000/pkg/eval"
	"github.com/stsievert/salmon-sub000/pkg/logging"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
	"github.com/stsievert/salmon-sub000/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "salmon",
		Short: "salmon - adaptive triplet sampling engine",
		Long: `salmon decides which triplet question (head, left, right) to ask a
crowd next, to learn a low-dimensional embedding of n items.

Features:
  • Random, round robin, validation and adaptive samplers
  • Information-gain and uncertainty scoring over a Bayesian posterior
  • Online embedding fitting with six noise models
  • Durable query queue, answers and checkpoints on BadgerDB
  • Prometheus metrics`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Experiment config file (YAML)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("salmon v%s (%s)\n", version, commit)
		},
	})

	// Init command
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default experiment config",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sampler runners",
		Long:  "Run one runner per configured sampler against the durable store until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("metrics-addr", "", "Prometheus listen address, e.g. :9090 (overrides config)")
	serveCmd.Flags().Duration("status-every", time.Minute, "Print sampler status at this interval (0 disables)")
	rootCmd.AddCommand(serveCmd)

	// Simulate command
	rootCmd.AddCommand(newSimulateCmd())

	// Model command
	modelCmd := &cobra.Command{
		Use:   "model [sampler]",
		Short: "Print a sampler's checkpointed model as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runModel,
	}
	modelCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	modelCmd.Flags().String("test-set", "", "Evaluate the model against a held-out test set (JSON)")
	rootCmd.AddCommand(modelCmd)

	// Reset command
	resetCmd := &cobra.Command{
		Use:   "reset [sampler...]",
		Short: "Delete stored queries, answers, checkpoints and perf logs",
		RunE:  runReset,
	}
	resetCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(resetCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config and applies --data-dir, then validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		cfg.DataDir = f.Value.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the store the config selects.
func openStore(cfg *config.Config, log *logging.Logger) (storage.Store, error) {
	if cfg.Store.InMemory {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return storage.NewBadgerStore(storage.BadgerOptions{
		DataDir:    cfg.DataDir,
		SyncWrites: cfg.Store.SyncWrites,
		Logger:     log.Store(),
	})
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "salmon.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("✅ Config written")
	fmt.Printf("   Config: %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit n, targets and samplers in", path)
	fmt.Println("  2. Try it on a simulated crowd:  salmon simulate -c", path)
	fmt.Println("  3. Run the samplers:             salmon serve -c", path)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("metrics-addr"); f.Changed {
		cfg.Metrics.Addr = f.Value.String()
	}
	statusEvery, _ := cmd.Flags().GetDuration("status-every")
	cfg.Memory.ApplyRuntime()

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	fmt.Printf("🚀 Starting salmon v%s\n", version)
	fmt.Printf("   Items:          %d (d=%d, R=%g)\n", cfg.Items(), cfg.D, cfg.R)
	if cfg.Store.InMemory {
		fmt.Println("   Store:          in memory")
	} else {
		fmt.Printf("   Data directory: %s\n", cfg.DataDir)
	}
	fmt.Println()

	fmt.Println("📂 Opening store...")
	st, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	eng, err := engine.New(st, specs, cfg.EngineOptions(log))
	if err != nil {
		return fmt.Errorf("building samplers: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("✅ salmon is running!")
	fmt.Println()
	fmt.Println("Samplers:")
	for _, s := range eng.Status() {
		fmt.Printf("  • %-12s %s\n", s.Name, s.Class)
	}
	if metricsSrv != nil {
		fmt.Println()
		fmt.Printf("Metrics: http://localhost%s/metrics\n", cfg.Metrics.Addr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	var tick <-chan time.Time
	if statusEvery > 0 {
		t := time.NewTicker(statusEvery)
		defer t.Stop()
		tick = t.C
	}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick:
			printStatus(eng.Status())
		}
	}

	fmt.Println("\n🛑 Shutting down...")
	eng.Stop()
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(sctx); err != nil {
			return fmt.Errorf("stopping metrics server: %w", err)
		}
	}
	fmt.Println("✅ Runners stopped and checkpointed")
	return nil
}

func printStatus(statuses []engine.SamplerStatus) {
	fmt.Printf("📊 %s\n", time.Now().Format(time.TimeOnly))
	for _, s := range statuses {
		icon := "✅"
		if s.Stopped {
			icon = "❌"
		}
		fmt.Printf("   %s %-12s %-8s iter=%-6d answers=%-6d updates=%d\n",
			icon, s.Name, s.State, s.Iterations, s.Counters.NumAnswers, s.Counters.ModelUpdates)
		if p := s.Participants; p != nil {
			fmt.Printf("      👥 participants=%d/%d evicted=%d\n", p.Size, p.MaxSize, p.Evictions)
		}
		if s.LastError != "" {
			fmt.Printf("      ⚠️  %s\n", s.LastError)
		}
	}
}

func runModel(cmd *cobra.Command, args []string) error {
	name := args[0]
	testSet, _ := cmd.Flags().GetString("test-set")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var opts *sampler.Options
	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	for i := range specs {
		if specs[i].Options.Name == name {
			opts = &specs[i].Options
		}
	}
	if opts == nil {
		return fmt.Errorf("%w: %q", engine.ErrUnknownSampler, name)
	}

	st, err := openStore(cfg, logging.Noop())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	data, err := st.LoadState(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no checkpoint for %q in %s", name, cfg.DataDir)
	}
	if err != nil {
		return err
	}
	smp, err := sampler.New(*opts)
	if err != nil {
		return err
	}
	if err := checkpoint.Load(smp, data); err != nil {
		return err
	}

	if testSet != "" {
		h := eval.NewHarness(cfg.Items())
		if err := h.LoadSuite(testSet); err != nil {
			return err
		}
		res := h.Evaluate(smp.Model())
		rep := eval.NewReporter(os.Stderr)
		rep.PrintSummary(&eval.EvalResult{
			SuiteName:   testSet,
			Timestamp:   time.Now(),
			HeldOut:     h.HeldOut(),
			Results:     []eval.SamplerResult{res},
			TotalTests:  1,
			PassedTests: boolToInt(res.Passed && res.Error == ""),
			FailedTests: boolToInt(!res.Passed || res.Error != ""),
			Thresholds:  eval.DefaultThresholds(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(smp.Model())
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	names := args
	if len(names) == 0 {
		for name := range cfg.Samplers {
			names = append(names, name)
		}
	}

	st, err := openStore(cfg, logging.Noop())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, name := range names {
		if err := st.Clear(ctx, name); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
		fmt.Printf("🧹 Cleared %s\n", name)
	}
	fmt.Println("✅ Reset complete")
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
