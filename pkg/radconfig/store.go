package radconfig

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Result is the outcome of a test or save action.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ChangeHandler is called with the new configuration after an update.
type ChangeHandler func(Config)

// Store holds the live configuration and persists it on request.
type Store struct {
	path    string
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	config   Config
	handlers []ChangeHandler
}

// Load reads a saved configuration from path over the defaults. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// NewStore creates a store. path is where Save writes; empty disables it.
func NewStore(initial Config, path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:    path,
		logger:  logger,
		timeout: 5 * time.Second,
		config:  initial,
	}
}

// OnChange registers a handler for configuration updates.
func (s *Store) OnChange(handler ChangeHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// Get returns the configuration with secrets masked.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Masked()
}

// Current returns the configuration including secrets, for internal use.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Update validates and applies patch, returning the masked result.
func (s *Store) Update(patch Patch) (Config, error) {
	s.mu.Lock()
	next := patch.Apply(s.config)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Config{}, apperr.InvalidArgument("invalid configuration: %v", err)
	}
	s.config = next
	handlers := append([]ChangeHandler(nil), s.handlers...)
	s.mu.Unlock()

	s.logger.Info("Configuration updated",
		zap.String("db_engine", next.DBEngine),
		zap.String("db_host", next.DBHost),
		zap.String("log_level", next.LogLevel),
	)
	for _, h := range handlers {
		h(next)
	}
	return next.Masked(), nil
}

// TestConnection opens and pings the database the configuration with
// patch applied points at. Failures are reported in the Result.
func (s *Store) TestConnection(ctx context.Context, patch Patch) Result {
	cfg := patch.Apply(s.Current())
	if err := cfg.Validate(); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("invalid configuration: %v", err)}
	}
	if cfg.DBEngine != "postgresql" {
		return Result{Success: false, Message: fmt.Sprintf("connection test is not supported for %s", cfg.DBEngine)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	conn, err := pgx.Connect(ctx, cfg.PostgresDSN())
	if err != nil {
		s.logger.Debug("Database connection test failed", zap.String("host", cfg.DBHost), zap.Error(err))
		return Result{Success: false, Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if err := conn.Ping(ctx); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("connected to %s:%s/%s in %dms", cfg.DBHost, cfg.DBPort, cfg.DBName, time.Since(start).Milliseconds()),
	}
}

// Save applies patch and writes the full configuration to the store path
// as YAML, readable only by the owner.
func (s *Store) Save(patch Patch) (Result, error) {
	if s.path == "" {
		return Result{}, apperr.Conflict("no configuration file path is set")
	}
	if _, err := s.Update(patch); err != nil {
		return Result{}, err
	}
	cfg := s.Current()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return Result{}, apperr.Unavailable("create config directory", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return Result{}, apperr.Unavailable("write config", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return Result{}, apperr.Unavailable("write config", err)
	}

	s.logger.Info("Configuration saved", zap.String("path", s.path))
	return Result{Success: true, Message: fmt.Sprintf("configuration saved to %s", s.path)}, nil
}
