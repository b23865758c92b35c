package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
)

// ProberConfig configures NAS connectivity tests.
type ProberConfig struct {
	// Port is the NAS dynamic authorization port (RFC 5176).
	Port    int           `json:"port"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Port:    3799,
		Timeout: 3 * time.Second,
	}
}

// ProbeResult is the outcome of a NAS connectivity test.
type ProbeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// ResponseTime in milliseconds, set when the NAS answered.
	ResponseTime *int64 `json:"responseTime,omitempty"`
}

// Prober sends Status-Server requests to NAS devices.
type Prober struct {
	config ProberConfig
	logger *zap.Logger
}

// NewProber creates a prober.
func NewProber(config ProberConfig, logger *zap.Logger) *Prober {
	defaults := DefaultProberConfig()
	if config.Port <= 0 {
		config.Port = defaults.Port
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{config: config, logger: logger}
}

// Probe checks that host answers a signed Status-Server. host may carry a
// port; otherwise the configured port is used. Any authentic answer counts
// as reachable.
func (p *Prober) Probe(ctx context.Context, host, secret string) ProbeResult {
	if secret == "" {
		return ProbeResult{Success: false, Message: "NAS has no shared secret configured"}
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(p.config.Port))
	}

	packet := radius.New(radius.CodeStatusServer, []byte(secret))
	if err := addMessageAuthenticator(packet, []byte(secret)); err != nil {
		return ProbeResult{Success: false, Message: fmt.Sprintf("failed to build request: %v", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	response, err := radius.Exchange(reqCtx, packet, addr)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		msg := fmt.Sprintf("no response from %s: %v", addr, err)
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("no response from %s within %s", addr, p.config.Timeout)
		}
		p.logger.Debug("NAS probe failed", zap.String("addr", addr), zap.Error(err))
		return ProbeResult{Success: false, Message: msg}
	}

	p.logger.Debug("NAS probe answered",
		zap.String("addr", addr),
		zap.String("code", response.Code.String()),
		zap.Int64("response_time_ms", elapsed),
	)
	return ProbeResult{
		Success:      true,
		Message:      fmt.Sprintf("%s answered with %s", addr, response.Code),
		ResponseTime: &elapsed,
	}
}
