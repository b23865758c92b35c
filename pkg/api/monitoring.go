package api

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/stats"
)

type logsResponse struct {
	Logs  []*audit.Entry `json:"logs"`
	Total int            `json:"total"`
}

type statusResponse struct {
	Status      string    `json:"status"`
	Uptime      string    `json:"uptime"`
	Version     string    `json:"version"`
	LastRestart time.Time `json:"lastRestart"`
}

type realtimeResponse struct {
	ActiveSessions    int     `json:"activeSessions"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	AvgResponseTime   float64 `json:"avgResponseTime"`
	ErrorRate         float64 `json:"errorRate"`
	MemoryUsage       float64 `json:"memoryUsage"`
	CPUUsage          float64 `json:"cpuUsage"`
}

func (s *Server) timeRange(c *gin.Context) (stats.TimeRange, bool) {
	r, err := stats.ParseRange(c.Query("range"), s.deps.Aggregator.Now())
	if err != nil {
		writeError(c, err)
		return stats.TimeRange{}, false
	}
	return r, true
}

// GET /monitoring/stats?range
func (s *Server) getStats(c *gin.Context) {
	r, ok := s.timeRange(c)
	if !ok {
		return
	}
	st, err := s.deps.Aggregator.ComputeStats(c.Request.Context(), r)
	if err != nil {
		writeError(c, err)
		return
	}
	st.TotalUsers = s.deps.Users.CountUsers()
	st.ServerUptime = formatUptime(s.now().Sub(s.startedAt))
	st.AvgResponseTime = millis(s.deps.Engine.Stats().AvgApplyLatency)
	c.JSON(http.StatusOK, st)
}

// GET /monitoring/logs?level&type&result&user&since&until&limit&offset
func (s *Server) getLogs(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		writeError(c, err)
		return
	}
	filter := audit.Filter{
		Level:    audit.Level(c.Query("level")),
		Type:     audit.Type(c.Query("type")),
		Result:   audit.Result(c.Query("result")),
		Username: c.Query("user"),
		Limit:    limit,
		Offset:   offset,
	}
	if filter.Since, err = queryTime(c, "since"); err != nil {
		writeError(c, err)
		return
	}
	if filter.Until, err = queryTime(c, "until"); err != nil {
		writeError(c, err)
		return
	}
	if err := filter.Validate(); err != nil {
		writeError(c, err)
		return
	}

	entries, total, err := s.deps.Logs.Query(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	c.JSON(http.StatusOK, logsResponse{Logs: entries, Total: total})
}

// GET /monitoring/auth-stats?range
func (s *Server) getAuthStats(c *gin.Context) {
	r, ok := s.timeRange(c)
	if !ok {
		return
	}
	st, err := s.deps.Aggregator.AuthStats(c.Request.Context(), r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GET /monitoring/accounting-stats?range
func (s *Server) getAccountingStats(c *gin.Context) {
	r, ok := s.timeRange(c)
	if !ok {
		return
	}
	st, err := s.deps.Aggregator.AccountingStats(c.Request.Context(), r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Status:      "running",
		Uptime:      formatUptime(s.now().Sub(s.startedAt)),
		Version:     s.config.Version,
		LastRestart: s.startedAt.UTC(),
	})
}

func (s *Server) getRealtime(c *gin.Context) {
	active, err := s.deps.Aggregator.CountActive(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	window := s.tracker.Snapshot(s.now())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var memoryUsage float64
	if mem.Sys > 0 {
		memoryUsage = round2(float64(mem.HeapInuse) * 100 / float64(mem.Sys))
	}

	c.JSON(http.StatusOK, realtimeResponse{
		ActiveSessions:    active,
		RequestsPerSecond: round2(window.RequestsPerSecond),
		AvgResponseTime:   millis(window.AvgLatency),
		ErrorRate:         round2(window.ErrorRate),
		MemoryUsage:       memoryUsage,
	})
}

func queryTime(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.InvalidArgument("%s must be RFC 3339, got %q", name, raw)
	}
	return t, nil
}

// formatUptime renders d as "3d 4h 12m".
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}

func millis(d time.Duration) float64 {
	return round2(float64(d) / float64(time.Millisecond))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
