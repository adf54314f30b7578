package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/botdeck/internal/domain"
)

func TestObserveSample(t *testing.T) {
	ObserveSample(domain.MetricSample{CPUUsage: 42.5, MemoryUsed: 1024, DiskTotal: 4096, NetworkUsage: 12})

	assert.Equal(t, 42.5, testutil.ToFloat64(hostCPU))
	assert.Equal(t, 1024.0, testutil.ToFloat64(hostMemUsed))
	assert.Equal(t, 4096.0, testutil.ToFloat64(hostDiskTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(hostNet))
}

func TestSetHandleCounts(t *testing.T) {
	SetHandleCounts(map[domain.BotStatus]int{domain.StatusOnline: 3, domain.StatusWarning: 1})

	assert.Equal(t, 3.0, testutil.ToFloat64(botHandles.WithLabelValues("ONLINE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(botHandles.WithLabelValues("WARNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(botHandles.WithLabelValues("OFFLINE")))
}

func TestHandlerServesRegistry(t *testing.T) {
	SetSubscribers(2)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "botdeck_hub_subscribers 2")
}

func TestDebugMuxServesExpvar(t *testing.T) {
	ReconcileRuns.Add(1)
	rec := httptest.NewRecorder()
	DebugMux().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/vars", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconcile_runs")
}
