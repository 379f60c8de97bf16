package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, cfg := range []LogConfig{
		DefaultLogConfig(),
		{Level: "DEBUG", Format: "console", Output: "stderr"},
		{Level: "warn", Output: filepath.Join(t.TempDir(), "engine.log")},
	} {
		log, err := NewLogger(cfg)
		require.NoError(t, err, cfg)
		log.Info("ready")
	}

	_, err := NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)

	assert.NotNil(t, NopLogger())
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.RecordRequest("get /health", 200, 2*time.Millisecond)
	m.RecordRequest("get /health", 200, 3*time.Millisecond)
	m.RecordNotFound()
	m.RecordHandlerFailure("get /boom", "panic")
	m.ConnectionOpened(1)
	m.ConnectionOpened(1)
	m.ConnectionClosed(1)
	m.RecordWorkerInit(nil)
	m.RecordWorkerInit(errors.New("replay failed"))
	m.SetTransport("epoll", "EpollServerSocketChannel")
	m.SetTransport("nio", "NioServerSocketChannel")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("get /health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerFailures.WithLabelValues("get /boom", "panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerInits.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.transportInfo), "only the last transport is reported")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `guesthttp_requests_total{route="get /health",status="200"} 2`))
}
