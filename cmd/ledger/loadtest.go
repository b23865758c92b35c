package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/test/load"
)

var (
	loadTarget       string
	loadSecret       string
	loadSecretFile   string
	loadNASID        string
	loadConcurrency  int
	loadDuration     time.Duration
	loadRPS          int
	loadInterims     int
	loadWarmup       time.Duration
	loadTimeout      time.Duration
	loadRetry        time.Duration
	loadJSON         bool
	loadValidate     bool
	loadMinRPS       float64
	loadMaxP99       time.Duration
	loadMaxErrorRate float64
)

func init() {
	defaults := load.DefaultConfig()
	targets := load.DefaultTargets()

	loadtestCmd.Flags().StringVar(&loadTarget, "target", defaults.Target,
		"Ledger RADIUS accounting address (host:port)")
	loadtestCmd.Flags().StringVar(&loadSecret, "secret", "",
		"Shared secret (deprecated: use --secret-file)")
	loadtestCmd.Flags().StringVar(&loadSecretFile, "secret-file", "",
		"Path to file containing the shared secret")
	loadtestCmd.Flags().StringVar(&loadNASID, "nas-identifier", defaults.NASIdentifier,
		"NAS-Identifier sent on every request")
	loadtestCmd.Flags().IntVar(&loadConcurrency, "concurrency", defaults.Concurrency,
		"Number of concurrent sessions")
	loadtestCmd.Flags().DurationVar(&loadDuration, "duration", defaults.Duration,
		"Test duration")
	loadtestCmd.Flags().IntVar(&loadRPS, "rps", 0,
		"Target requests per second (0 = unlimited)")
	loadtestCmd.Flags().IntVar(&loadInterims, "interims", defaults.InterimsPerSession,
		"Interim-Updates per session")
	loadtestCmd.Flags().DurationVar(&loadWarmup, "warmup", defaults.WarmupDuration,
		"Warmup duration")
	loadtestCmd.Flags().DurationVar(&loadTimeout, "request-timeout", defaults.RequestTimeout,
		"Per-request timeout")
	loadtestCmd.Flags().DurationVar(&loadRetry, "retry", 0,
		"Retransmission interval (0 = send once)")
	loadtestCmd.Flags().BoolVar(&loadJSON, "json", false,
		"Output results as JSON")
	loadtestCmd.Flags().BoolVar(&loadValidate, "validate", false,
		"Exit with non-zero if targets not met")
	loadtestCmd.Flags().Float64Var(&loadMinRPS, "min-rps", targets.MinRequestsPerSecond,
		"Target: minimum requests per second")
	loadtestCmd.Flags().DurationVar(&loadMaxP99, "max-p99", targets.MaxP99,
		"Target: maximum P99 latency")
	loadtestCmd.Flags().Float64Var(&loadMaxErrorRate, "max-error-rate", targets.MaxErrorRate,
		"Target: maximum fraction of unacknowledged requests")

	rootCmd.AddCommand(loadtestCmd)
}

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Generate RADIUS accounting load against a running ledger",
	RunE:  runLoadtest,
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(zap.NewAtomicLevelAt(zap.InfoLevel))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg := &load.BenchmarkConfig{
		Target:             loadTarget,
		Secret:             resolveSecret(loadSecret, loadSecretFile, "secret", "secret-file", logger),
		NASIdentifier:      loadNASID,
		Concurrency:        loadConcurrency,
		Duration:           loadDuration,
		RequestsPerSecond:  loadRPS,
		InterimsPerSession: loadInterims,
		WarmupDuration:     loadWarmup,
		RequestTimeout:     loadTimeout,
		Retry:              loadRetry,
	}
	targets := load.Targets{
		MinRequestsPerSecond: loadMinRPS,
		MaxP99:               loadMaxP99,
		MaxErrorRate:         loadMaxErrorRate,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Interrupted, stopping benchmark")
		cancel()
	}()

	result, err := load.NewBenchmark(cfg, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("benchmark failed: %w", err)
	}

	if loadJSON {
		if err := printLoadJSON(result, targets); err != nil {
			return err
		}
	} else {
		result.PrintReport(targets)
	}

	if loadValidate {
		if !result.MeetsTargets(targets) {
			return fmt.Errorf("performance targets not met")
		}
		fmt.Println("\nAll performance targets met!")
	}
	return nil
}

func printLoadJSON(r *load.BenchmarkResult, t load.Targets) error {
	us := func(d time.Duration) float64 { return float64(d.Microseconds()) }
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"duration_seconds":    r.Duration.Seconds(),
		"requests":            r.Requests,
		"responses":           r.Responses,
		"errors":              r.Errors,
		"timeouts":            r.Timeouts,
		"sessions_completed":  r.SessionsCompleted,
		"requests_per_second": r.RequestsPerSecond,
		"error_rate":          r.ErrorRate(),
		"latency": map[string]float64{
			"min_us": us(r.LatencyMin),
			"avg_us": us(r.LatencyAvg),
			"p50_us": us(r.LatencyP50),
			"p95_us": us(r.LatencyP95),
			"p99_us": us(r.LatencyP99),
			"max_us": us(r.LatencyMax),
		},
		"targets_met": r.MeetsTargets(t),
	})
}
