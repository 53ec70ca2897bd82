package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{423, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

// family returns the gathered metric family with the given name.
func family(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func counterFor(f *dto.MetricFamily, labels map[string]string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	BuildInfo.WithLabelValues("test", "memory").Set(1)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `walletd_build_info{storage="memory",version="test"} 1`)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/items/:id", func(c *gin.Context) {
		c.JSON(http.StatusLocked, gin.H{"ok": false})
	})

	labels := map[string]string{"method": "GET", "path": "/items/:id", "status": "4xx"}
	before := counterFor(family(t, "walletd_http_requests_total"), labels)

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		require.Equal(t, http.StatusLocked, w.Code)
	}

	after := counterFor(family(t, "walletd_http_requests_total"), labels)
	assert.Equal(t, before+2, after)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Positive(t, counterFor(family(t, "walletd_http_requests_total"),
		map[string]string{"path": "unmatched", "status": "4xx"}))
}

func TestRegisterDB(t *testing.T) {
	// sql.Open does not dial, so the pool reports zero connections.
	db, err := sql.Open("postgres", "postgres://localhost:1/unused?sslmode=disable")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, RegisterDB(db))
	require.NoError(t, RegisterDB(db))

	f := family(t, "go_sql_open_connections")
	require.NotNil(t, f)
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, float64(0), f.GetMetric()[0].GetGauge().GetValue())
}
