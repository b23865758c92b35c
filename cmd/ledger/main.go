package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"layeh.com/radius"

	"github.com/codelaboratoryltd/radius-ledger/pkg/api"
	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/metrics"
	"github.com/codelaboratoryltd/radius-ledger/pkg/nas"
	"github.com/codelaboratoryltd/radius-ledger/pkg/radconfig"
	ledgerradius "github.com/codelaboratoryltd/radius-ledger/pkg/radius"
	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
	"github.com/codelaboratoryltd/radius-ledger/pkg/stats"
	"github.com/codelaboratoryltd/radius-ledger/pkg/subscriber"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "RADIUS accounting and authentication ledger",
	Long: `ledger - session accounting state machine and authentication log
for RADIUS deployments.

Ingests accounting and authentication events over HTTP or RADIUS/UDP,
tracks every session through Start, Interim-Update and Stop, and serves
the dashboard API with usage statistics and the audit log.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the ledger server",
	RunE:  runLedger,
}

var (
	configFile string
	logLevel   string

	// Storage
	storeBackend       string
	redisAddr          string
	redisPassword      string
	redisDB            int
	stoppedRetention   time.Duration
	tombstoneRetention time.Duration
	writerLeaseTTL     time.Duration
	logBackend         string
	postgresDSN        string
	postgresDSNFile    string

	// Listeners
	httpAddr    string
	metricsAddr string
	acctAddr    string

	// Accounting
	sessionTimeout time.Duration
	reaperInterval time.Duration
	statsTTL       time.Duration

	// API
	jwtSecret      string
	jwtSecretFile  string
	requestTimeout time.Duration
	configSavePath string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/radius-ledger/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&storeBackend, "store", "memory",
		"Session store backend: memory or redis")
	runCmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379",
		"Redis address for the session store")
	runCmd.Flags().StringVar(&redisPassword, "redis-password", "",
		"Redis password")
	runCmd.Flags().IntVar(&redisDB, "redis-db", 0,
		"Redis database number")
	runCmd.Flags().DurationVar(&stoppedRetention, "stopped-retention", 0,
		"Expire stopped sessions from Redis after this long (0 keeps them)")
	runCmd.Flags().DurationVar(&tombstoneRetention, "tombstone-retention", 7*24*time.Hour,
		"Remember expired stopped sessions this much longer so late Stops stay duplicates (0 disables)")
	runCmd.Flags().DurationVar(&writerLeaseTTL, "writer-lease-ttl", 30*time.Second,
		"TTL of the Redis lease that keeps a second ledger from writing the same store")
	runCmd.Flags().StringVar(&logBackend, "log-store", "memory",
		"Authentication log backend: memory or postgres")
	runCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "",
		"PostgreSQL connection string (deprecated: use --postgres-dsn-file)")
	runCmd.Flags().StringVar(&postgresDSNFile, "postgres-dsn-file", "",
		"Path to file containing the PostgreSQL connection string")

	runCmd.Flags().StringVar(&httpAddr, "http-addr", ":8080",
		"Dashboard API listen address")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")
	runCmd.Flags().StringVar(&acctAddr, "acct-addr", "",
		"RADIUS accounting UDP listen address, e.g. :1813 (empty disables)")

	runCmd.Flags().DurationVar(&sessionTimeout, "session-timeout", 15*time.Minute,
		"Close Active sessions without an update for this long")
	runCmd.Flags().DurationVar(&reaperInterval, "reaper-interval", 60*time.Second,
		"Interval between orphaned session sweeps")
	runCmd.Flags().DurationVar(&statsTTL, "stats-ttl", 5*time.Second,
		"Memoize statistics for this long (0 disables)")

	runCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "",
		"JWT signing key (deprecated: use --jwt-secret-file)")
	runCmd.Flags().StringVar(&jwtSecretFile, "jwt-secret-file", "",
		"Path to file containing the JWT signing key (empty disables authorization)")
	runCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 10*time.Second,
		"Deadline for every API request")
	runCmd.Flags().StringVar(&configSavePath, "config-save-path", "/var/lib/radius-ledger/radius.yaml",
		"File the dashboard configuration is loaded from and saved to")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledger version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runLedger(cmd *cobra.Command, args []string) error {
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	atomicLevel := zap.NewAtomicLevelAt(level)
	logger, err := initLogger(atomicLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Config file values apply to flags not set on the command line.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level, err = parseLevel(logLevel); err != nil {
		return err
	}
	atomicLevel.SetLevel(level)

	logger.Info("Starting ledger",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", storeBackend),
		zap.String("log_store", logBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Session store
	var sessions state.Store
	switch storeBackend {
	case "memory":
		sessions = state.NewMemoryStore(logger)
	case "redis":
		rs, err := state.NewRedisStore(ctx, state.RedisConfig{
			Addr:               redisAddr,
			Password:           redisPassword,
			DB:                 redisDB,
			StoppedRetention:   stoppedRetention,
			TombstoneRetention: tombstoneRetention,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect session store: %w", err)
		}
		defer rs.Close()

		host, _ := os.Hostname()
		lease, err := rs.ClaimWriter(ctx, fmt.Sprintf("%s/%d", host, os.Getpid()), writerLeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to claim session store: %w", err)
		}
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := lease.Release(releaseCtx); err != nil {
				logger.Warn("Failed to release writer lease", zap.Error(err))
			}
		}()
		sessions = rs
		logger.Info("Redis session store connected", zap.String("addr", redisAddr))
	default:
		return fmt.Errorf("unknown session store %q", storeBackend)
	}

	// Authentication log
	var logStorage audit.Storage
	switch logBackend {
	case "memory":
		logStorage = audit.NewMemoryStorage()
	case "postgres":
		dsn := resolveSecret(postgresDSN, postgresDSNFile, "postgres-dsn", "postgres-dsn-file", logger)
		if dsn == "" {
			return fmt.Errorf("--log-store=postgres requires --postgres-dsn-file")
		}
		ps, err := audit.NewPostgresStorage(ctx, dsn, logger)
		if err != nil {
			return fmt.Errorf("failed to connect log store: %w", err)
		}
		defer ps.Close()
		logStorage = ps
		logger.Info("PostgreSQL log store connected")
	default:
		return fmt.Errorf("unknown log store %q", logBackend)
	}
	auditLog := audit.NewLogger(audit.DefaultConfig(), logStorage, logger.Named("audit"))

	// Dashboard configuration
	radiusCfg, err := radconfig.Load(configSavePath)
	if err != nil {
		return err
	}
	cfgStore := radconfig.NewStore(radiusCfg, configSavePath, logger)

	registry := nas.NewRegistry(nas.RegistryConfig{FallbackSecret: radiusCfg.NASSecret}, logger)
	cfgStore.OnChange(func(c radconfig.Config) {
		registry.SetFallbackSecret(c.NASSecret)
		if l, err := parseLevel(c.LogLevel); err == nil && l != atomicLevel.Level() {
			atomicLevel.SetLevel(l)
			logger.Info("Log level changed", zap.String("level", l.String()))
		}
	})

	users := subscriber.NewManager(subscriber.DefaultManagerConfig(), logger)
	users.OnEvent(func(ev *subscriber.Event) {
		msg := fmt.Sprintf("%s: %s", strings.ReplaceAll(string(ev.Type), "_", " "), ev.Name)
		if err := auditLog.System(context.Background(), audit.LevelInfo, msg); err != nil {
			logger.Warn("Failed to record user change", zap.String("event", string(ev.Type)), zap.Error(err))
		}
	})

	aggregator := stats.NewAggregator(stats.Config{TTL: statsTTL}, sessions, auditLog, logger)

	// Metrics
	m := metrics.New(aggregator, logger)
	if err := m.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}
	stopMetrics := make(chan struct{})
	go m.StartCollector(5*time.Second, stopMetrics)

	metricsServer := newMetricsServer(metricsAddr, m)
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	engine := ledgerradius.NewEngine(sessions, auditLog, logger.Named("accounting"),
		ledgerradius.WithMetrics(m),
		ledgerradius.WithLoginRecorder(users),
		ledgerradius.WithNASTracker(registry),
	)

	reaper := ledgerradius.NewReaper(ledgerradius.ReaperConfig{
		Interval:       reaperInterval,
		SessionTimeout: sessionTimeout,
	}, engine, sessions, logger)
	if err := reaper.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	var acctServer *ledgerradius.AccountingServer
	if acctAddr != "" {
		serverCfg := ledgerradius.DefaultServerConfig()
		serverCfg.Addr = acctAddr
		acctServer = ledgerradius.NewAccountingServer(serverCfg, engine, registry, m, logger)
		go func() {
			if err := acctServer.ListenAndServe(); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
				logger.Error("RADIUS accounting listener error", zap.Error(err))
				cancel()
			}
		}()
	}

	if level > zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	apiServer := api.NewServer(api.Config{
		Addr:           httpAddr,
		RequestTimeout: requestTimeout,
		JWTSecret:      resolveSecret(jwtSecret, jwtSecretFile, "jwt-secret", "jwt-secret-file", logger),
		Version:        version,
	}, api.Deps{
		Engine:     engine,
		Logs:       auditLog,
		Aggregator: aggregator,
		Users:      users,
		NAS:        registry,
		Config:     cfgStore,
		Metrics:    m,
	}, logger.Named("api"))
	if err := apiServer.Start(); err != nil {
		return err
	}

	if err := auditLog.System(ctx, audit.LevelInfo, "ledger started"); err != nil {
		logger.Warn("Failed to record startup", zap.Error(err))
	}

	logger.Info("Ledger started successfully",
		zap.String("http", httpAddr),
		zap.String("metrics", metricsAddr),
		zap.Bool("radius_accounting", acctServer != nil),
		zap.Duration("session_timeout", sessionTimeout),
	)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to stop API server", zap.Error(err))
	}
	if acctServer != nil {
		if err := acctServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop RADIUS accounting listener", zap.Error(err))
		}
	}
	if err := reaper.Stop(); err != nil {
		logger.Warn("Failed to stop reaper", zap.Error(err))
	}
	close(stopMetrics)
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}

	logger.Info("Ledger stopped")
	return nil
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// parseLevel accepts the CLI spelling and the dashboard's "warning".
func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zap.DebugLevel, nil
	case "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func initLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = level
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	return nil
}

// resolveSecret reads a secret from a file if the file flag is set,
// falling back to the direct string flag. The direct flag logs a
// deprecation warning because CLI arguments are visible in process
// listings.
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}
