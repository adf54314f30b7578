// Package metrics exposes process counters (expvar, /debug/vars) and host and
// fleet gauges (Prometheus, /metrics).
package metrics

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/betbot/botdeck/internal/domain"
)

var (
	ReconcileRuns    = expvar.NewInt("reconcile_runs")
	ReconcileErrors  = expvar.NewInt("reconcile_errors")
	BotStarts        = expvar.NewInt("bot_starts")
	BotStartFailures = expvar.NewInt("bot_start_failures")
	BotStops         = expvar.NewInt("bot_stops")
	Broadcasts       = expvar.NewInt("broadcasts")
	RecoveredPanics  = expvar.NewInt("recovered_panics")
)

// Registry 独立的 prometheus 注册表
var Registry = prometheus.NewRegistry()

var (
	hostCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "host", Name: "cpu_usage_percent",
		Help: "Host CPU load normalised by core count.",
	})
	hostMemUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "host", Name: "memory_used_bytes",
		Help: "Host memory in use.",
	})
	hostMemTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "host", Name: "memory_total_bytes",
		Help: "Host memory total.",
	})
	hostDiskUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "host", Name: "disk_used_bytes",
		Help: "Used bytes on the probed filesystem.",
	})
	hostDiskTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "host", Name: "disk_total_bytes",
		Help: "Total bytes on the probed filesystem.",
	})
	hostNet = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "host", Name: "network_bytes_per_second",
		Help: "Network throughput since the previous sample.",
	})
	botHandles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "bots", Name: "handles",
		Help: "Live connection handles by status.",
	}, []string{"status"})
	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botdeck", Subsystem: "hub", Name: "subscribers",
		Help: "Registered push subscribers.",
	})
	reconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botdeck", Subsystem: "reconcile", Name: "actions_total",
		Help: "Reconciliation actions by kind.",
	}, []string{"action"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		hostCPU, hostMemUsed, hostMemTotal, hostDiskUsed, hostDiskTotal, hostNet,
		botHandles, subscribers, reconcileTotal,
	)
}

// ObserveSample 更新主机 gauge
func ObserveSample(s domain.MetricSample) {
	hostCPU.Set(s.CPUUsage)
	hostMemUsed.Set(float64(s.MemoryUsed))
	hostMemTotal.Set(float64(s.MemoryTotal))
	hostDiskUsed.Set(float64(s.DiskUsed))
	hostDiskTotal.Set(float64(s.DiskTotal))
	hostNet.Set(s.NetworkUsage)
}

// SetHandleCounts replaces the per-status handle gauge.
func SetHandleCounts(counts map[domain.BotStatus]int) {
	for _, st := range []domain.BotStatus{domain.StatusOnline, domain.StatusWarning, domain.StatusOffline} {
		botHandles.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

// ReconcileAction 记录一次对账动作（restart / recover / correct / health_restart / manual）
func ReconcileAction(action string) {
	reconcileTotal.WithLabelValues(action).Inc()
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// DebugMux 返回 expvar + pprof 调试路由
func DebugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
