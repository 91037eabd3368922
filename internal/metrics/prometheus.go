package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_sessions_created_total",
		Help: "Session creation results by error code",
	}, []string{"code"})

	SessionsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_sessions_suppressed_total",
		Help: "Sessions evicted over the device limit",
	}, []string{"type"})

	TrafficBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_traffic_bytes_total",
		Help: "Traffic bytes reported by gateway servers",
	}, []string{"direction"})

	UsageReportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accessgate_usage_report_duration_seconds",
		Help:    "Time to apply one usage report",
		Buckets: prometheus.DefBuckets,
	})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accessgate_cache_flush_duration_seconds",
		Help:    "Time to flush dirty entities to the hot store",
		Buckets: prometheus.DefBuckets,
	})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accessgate_sync_duration_seconds",
		Help:    "Time to archive cold rows to the reporting store",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	ServerStatusReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accessgate_server_status_reports_total",
		Help: "Status reports received from gateway servers",
	})

	LostServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accessgate_lost_servers",
		Help: "Servers currently marked lost",
	})

	Redirects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accessgate_session_redirects_total",
		Help: "Session creations answered with a redirect",
	})
)

func IncSessionCreated(code string) {
	label := strings.TrimSpace(code)
	if label == "" {
		label = "unknown"
	}
	SessionsCreated.WithLabelValues(label).Inc()
}

func IncSessionSuppressed(kind string) {
	label := strings.TrimSpace(kind)
	if label == "" {
		label = "unknown"
	}
	SessionsSuppressed.WithLabelValues(label).Inc()
}

func AddTrafficBytes(sent, received int64) {
	if sent > 0 {
		TrafficBytesTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if received > 0 {
		TrafficBytesTotal.WithLabelValues("received").Add(float64(received))
	}
}

func ObserveUsageReportDuration(duration time.Duration) {
	UsageReportDuration.Observe(duration.Seconds())
}

func ObserveFlushDuration(duration time.Duration) {
	FlushDuration.Observe(duration.Seconds())
}

func ObserveSyncDuration(duration time.Duration) {
	SyncDuration.Observe(duration.Seconds())
}

func IncServerStatusReport() {
	ServerStatusReports.Inc()
}

func SetLostServers(count int) {
	if count < 0 {
		count = 0
	}
	LostServers.Set(float64(count))
}

func IncRedirect() {
	Redirects.Inc()
}
