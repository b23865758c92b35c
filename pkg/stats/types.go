// Package stats computes dashboard statistics from sessions and the log.
package stats

import (
	"time"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Named ranges accepted by the monitoring endpoints.
const (
	RangeHour  = "1h"
	RangeDay   = "24h"
	RangeWeek  = "7d"
	RangeMonth = "30d"
)

var rangeDurations = map[string]time.Duration{
	RangeHour:  time.Hour,
	RangeDay:   24 * time.Hour,
	RangeWeek:  7 * 24 * time.Hour,
	RangeMonth: 30 * 24 * time.Hour,
}

// TimeRange bounds an aggregation. Zero bounds are open-ended; the zero
// TimeRange means all time.
type TimeRange struct {
	Name  string
	Since time.Time
	Until time.Time
}

// ParseRange resolves a named range ending at now. An empty name is all
// time.
func ParseRange(name string, now time.Time) (TimeRange, error) {
	if name == "" {
		return TimeRange{}, nil
	}
	d, ok := rangeDurations[name]
	if !ok {
		return TimeRange{}, apperr.InvalidArgument("range must be one of 1h, 24h, 7d, 30d, got %q", name)
	}
	return TimeRange{Name: name, Since: now.Add(-d), Until: now}, nil
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}

func (r TimeRange) key() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Since.Format(time.RFC3339Nano) + "/" + r.Until.Format(time.RFC3339Nano)
}

// Stats is the dashboard summary.
type Stats struct {
	ActiveSessions  int    `json:"activeSessions"`
	TotalRequests   int    `json:"totalRequests"`
	AuthSuccess     int    `json:"authSuccess"`
	AuthFailure     int    `json:"authFailure"`
	AcctStart       int    `json:"acctStart"`
	AcctStop        int    `json:"acctStop"`
	AcctUpdate      int    `json:"acctUpdate"`
	PeakConcurrent  int    `json:"peakConcurrent"`
	DataTransferred uint64 `json:"dataTransferred"`

	// Filled in by the API layer from other components.
	TotalUsers      int     `json:"totalUsers"`
	ServerUptime    string  `json:"serverUptime"`
	AvgResponseTime float64 `json:"avgResponseTime"`
}

// FailedUser is one row of the failed-authentication ranking.
type FailedUser struct {
	Username string `json:"username"`
	Failures int    `json:"failures"`
}

// AuthStats summarizes authentication outcomes in a range.
type AuthStats struct {
	SuccessRate    float64      `json:"successRate"`
	TotalRequests  int          `json:"totalRequests"`
	SuccessCount   int          `json:"successCount"`
	FailureCount   int          `json:"failureCount"`
	TopFailedUsers []FailedUser `json:"topFailedUsers"`
}

// AccountingStats summarizes sessions in a range.
type AccountingStats struct {
	ActiveSessions  int    `json:"activeSessions"`
	SessionsStarted int    `json:"sessionsStarted"`
	SessionsStopped int    `json:"sessionsStopped"`
	DataTransferred uint64 `json:"dataTransferred"`
	// AvgSessionDuration in seconds over sessions stopped in range.
	AvgSessionDuration float64 `json:"avgSessionDuration"`
}

// Usage is one subscriber's accumulated session time and traffic.
type Usage struct {
	SessionTime int64  `json:"sessionTime"`
	DataUsage   uint64 `json:"dataUsage"`
}
