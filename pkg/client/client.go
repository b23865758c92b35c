// Package client reads dashboard data from a running ledger over its HTTP
// API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/stats"
)

// Config configures the client.
type Config struct {
	// BaseURL includes the API base path, e.g. http://host:8080/api/radius.
	BaseURL string `json:"base_url"`

	// Token is sent as a bearer token when set.
	Token string `json:"-"`

	Timeout time.Duration `json:"timeout"`

	// FailureThreshold consecutive failures open the breaker for
	// OpenTimeout.
	FailureThreshold uint32        `json:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:8080/api/radius",
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// LogQuery selects a page of log entries.
type LogQuery struct {
	Level  audit.Level
	Type   audit.Type
	Limit  int
	Offset int
}

// LogPage is one page of log entries.
type LogPage struct {
	Logs  []*audit.Entry `json:"logs"`
	Total int            `json:"total"`
}

// ServerStatus is the ledger process status.
type ServerStatus struct {
	Status      string    `json:"status"`
	Uptime      string    `json:"uptime"`
	Version     string    `json:"version"`
	LastRestart time.Time `json:"lastRestart"`
}

// Client is a ledger API client with a request timeout and a circuit
// breaker.
type Client struct {
	http    *resty.Client
	cb      *gobreaker.CircuitBreaker
	baseURL string
	logger  *zap.Logger
}

// New creates a client.
func New(config Config, logger *zap.Logger) *Client {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json")
	if config.Token != "" {
		httpClient.SetAuthToken(config.Token)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger-api",
		Timeout: config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		http:    httpClient,
		cb:      cb,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  logger,
	}
}

// Stats fetches the dashboard summary. An empty rangeName is all time.
func (c *Client) Stats(ctx context.Context, rangeName string) (*stats.Stats, error) {
	return get[stats.Stats](ctx, c, "/monitoring/stats", rangeQuery(rangeName))
}

// AuthStats fetches authentication statistics.
func (c *Client) AuthStats(ctx context.Context, rangeName string) (*stats.AuthStats, error) {
	return get[stats.AuthStats](ctx, c, "/monitoring/auth-stats", rangeQuery(rangeName))
}

// AccountingStats fetches session statistics.
func (c *Client) AccountingStats(ctx context.Context, rangeName string) (*stats.AccountingStats, error) {
	return get[stats.AccountingStats](ctx, c, "/monitoring/accounting-stats", rangeQuery(rangeName))
}

// Logs fetches one page of the log.
func (c *Client) Logs(ctx context.Context, q LogQuery) (*LogPage, error) {
	params := url.Values{}
	if q.Level != "" {
		params.Set("level", string(q.Level))
	}
	if q.Type != "" {
		params.Set("type", string(q.Type))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	return get[LogPage](ctx, c, "/monitoring/logs", params)
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	return get[ServerStatus](ctx, c, "/monitoring/status", nil)
}

func rangeQuery(rangeName string) url.Values {
	if rangeName == "" {
		return nil
	}
	return url.Values{"range": {rangeName}}
}

// get runs one GET through the breaker. Transport failures and 5xx
// answers count against the breaker; 4xx answers do not.
func get[T any](ctx context.Context, c *Client, path string, params url.Values) (*T, error) {
	start := time.Now()

	result, err := c.cb.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(params).
			Get(c.baseURL + path)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: GET %s: %v", apperr.ErrTimeout, path, err)
			}
			return nil, &ConnectionError{Cause: err}
		}

		status := resp.StatusCode()
		if status >= 500 {
			return nil, parseAPIError(status, resp.Body())
		}
		if status >= 300 {
			return parseAPIError(status, resp.Body()), nil
		}
		return resp.Body(), nil
	})

	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		c.logger.Debug("Ledger API request failed",
			zap.String("path", path),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return nil, err
	}
	if apiErr, ok := result.(*APIError); ok {
		return nil, apiErr
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, ErrInvalidResponse
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &out, nil
}

func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return &APIError{StatusCode: status, Message: payload.Message}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
