package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutAnswers504(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(timeout(20 * time.Millisecond))
	r.GET("/waits", func(c *gin.Context) {
		<-c.Request.Context().Done()
		writeError(c, c.Request.Context().Err())
	})
	r.GET("/silent", func(c *gin.Context) {
		time.Sleep(50 * time.Millisecond)
	})
	r.GET("/fast", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	tests := []struct {
		path    string
		want    int
		message string
	}{
		{"/waits", http.StatusGatewayTimeout, "timeout"},
		{"/silent", http.StatusGatewayTimeout, "request timed out"},
		{"/fast", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, tt.want, rec.Code)
			if tt.message != "" {
				assert.Contains(t, rec.Body.String(), tt.message)
			}
		})
	}
}

func TestPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"", 100, 0, false},
		{"limit=1", 1, 0, false},
		{"limit=500&offset=500", 500, 500, false},
		{"limit=501", 500, 0, false},
		{"limit=0", 1, 0, false},
		{"offset=-1", 0, 0, true},
		{"limit=x", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)

			limit, offset, err := pagination(c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestRequestTracker(t *testing.T) {
	tr := newRequestTracker(10 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	for i := range 10 {
		tr.Observe(t0.Add(time.Duration(i)*time.Second), http.StatusOK, 10*time.Millisecond)
	}
	tr.Observe(t0.Add(9*time.Second), http.StatusServiceUnavailable, 120*time.Millisecond)

	ws := tr.Snapshot(t0.Add(9 * time.Second))
	assert.InDelta(t, 1.1, ws.RequestsPerSecond, 0.001)
	assert.Equal(t, 20*time.Millisecond, ws.AvgLatency)
	assert.InDelta(t, 100.0/11, ws.ErrorRate, 0.001)

	// Five seconds later half the window has aged out.
	ws = tr.Snapshot(t0.Add(14 * time.Second))
	assert.InDelta(t, 0.6, ws.RequestsPerSecond, 0.001)

	assert.Equal(t, windowStats{}, tr.Snapshot(t0.Add(time.Hour)))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0d 0h 0m", formatUptime(59*time.Second))
	assert.Equal(t, "15d 8h 32m", formatUptime(15*24*time.Hour+8*time.Hour+32*time.Minute+5*time.Second))
	assert.Equal(t, "0d 0h 0m", formatUptime(-time.Minute))
}
