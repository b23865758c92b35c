// Package api is the dashboard HTTP API: a thin gin façade over the
// session store, the authentication log, the aggregator and the
// subscriber, NAS and configuration managers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/metrics"
	"github.com/codelaboratoryltd/radius-ledger/pkg/nas"
	"github.com/codelaboratoryltd/radius-ledger/pkg/radconfig"
	"github.com/codelaboratoryltd/radius-ledger/pkg/radius"
	"github.com/codelaboratoryltd/radius-ledger/pkg/stats"
	"github.com/codelaboratoryltd/radius-ledger/pkg/subscriber"
)

// Config holds API server configuration.
type Config struct {
	Addr     string `json:"addr"`
	BasePath string `json:"base_path"`

	// RequestTimeout bounds every request; expiry answers 504.
	RequestTimeout time.Duration `json:"request_timeout"`

	// JWTSecret verifies bearer tokens. Empty disables authorization.
	JWTSecret string `json:"-"`

	Version string `json:"version"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		BasePath:       "/api/radius",
		RequestTimeout: 10 * time.Second,
		Version:        "dev",
	}
}

// Deps are the components the API reads and writes. Prober and Metrics
// are optional.
type Deps struct {
	Engine     *radius.Engine
	Logs       *audit.Logger
	Aggregator *stats.Aggregator
	Users      *subscriber.Manager
	NAS        *nas.Registry
	Config     *radconfig.Store
	Prober     *radius.Prober
	Metrics    *metrics.Metrics
}

// Server serves the dashboard API.
type Server struct {
	config  Config
	deps    Deps
	logger  *zap.Logger
	router  *gin.Engine
	tracker *requestTracker

	now       func() time.Time
	startedAt time.Time

	mu     sync.Mutex
	server *http.Server
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the clock used for uptime and request rates.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the router. It does not start listening.
func NewServer(config Config, deps Deps, logger *zap.Logger, opts ...Option) *Server {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.BasePath == "" {
		config.BasePath = defaults.BasePath
	}
	if config.Version == "" {
		config.Version = defaults.Version
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Prober == nil {
		deps.Prober = radius.NewProber(radius.DefaultProberConfig(), logger)
	}

	s := &Server{
		config:  config,
		deps:    deps,
		logger:  logger,
		tracker: newRequestTracker(time.Minute),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()

	registerValidators(logger)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		recovery(s.logger),
		requestLogger(s.logger),
		s.instrument(),
		timeout(s.config.RequestTimeout),
		s.authenticate(),
	)

	base := r.Group(s.config.BasePath)

	monitoring := base.Group("/monitoring", s.authorize(RoleAdmin, RoleTechnicalManager))
	monitoring.GET("/stats", s.getStats)
	monitoring.GET("/logs", s.getLogs)
	monitoring.GET("/auth-stats", s.getAuthStats)
	monitoring.GET("/accounting-stats", s.getAccountingStats)
	monitoring.GET("/status", s.getStatus)
	monitoring.GET("/realtime", s.getRealtime)

	userReads := s.authorize(RoleAdmin, RoleSales, RoleTechnicalManager)
	writes := s.authorize(RoleAdmin, RoleTechnicalManager)

	users := base.Group("/users")
	users.GET("", userReads, s.listUsers)
	users.GET("/groups", userReads, s.listGroupOptions)
	users.GET("/:id", userReads, s.getUser)
	users.POST("", writes, s.createUser)
	users.PUT("/:id", writes, s.updateUser)
	users.DELETE("/:id", writes, s.deleteUser)
	users.POST("/:id/reset-password", writes, s.resetPassword)
	users.PUT("/:id/status", writes, s.setUserStatus)

	groups := base.Group("/groups")
	groups.GET("", userReads, s.listGroups)
	groups.GET("/:id", userReads, s.getGroup)
	groups.POST("", writes, s.createGroup)
	groups.PUT("/:id", writes, s.updateGroup)
	groups.DELETE("/:id", writes, s.deleteGroup)

	nasReads := s.authorize(RoleAdmin, RoleTechnicalManager, RoleTechnician)
	devices := base.Group("/nas")
	devices.GET("", nasReads, s.listNAS)
	devices.GET("/types", nasReads, s.listNASTypes)
	devices.GET("/:id", nasReads, s.getNAS)
	devices.POST("", writes, s.createNAS)
	devices.PUT("/:id", writes, s.updateNAS)
	devices.DELETE("/:id", writes, s.deleteNAS)
	devices.POST("/:id/test", writes, s.testNAS)

	config := base.Group("/config", s.authorize(RoleAdmin))
	config.GET("", s.getConfig)
	config.PUT("", s.updateConfig)
	config.POST("/test-connection", s.testConnection)
	config.POST("/save", s.saveConfig)

	events := base.Group("/events", s.authorize(RoleNAS, RoleAdmin))
	events.POST("/accounting", s.postAccounting)
	events.POST("/auth", s.postAuth)

	r.NoRoute(notFoundRoute)
	return r
}

// Start begins serving on the configured address. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener in the background.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("Starting API server",
		zap.String("addr", ln.Addr().String()),
		zap.String("base_path", s.config.BasePath),
		zap.Bool("authorization", s.config.JWTSecret != ""),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("Stopping API server")
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}
