package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	AliveMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brokercluster",
		Name:      "alive_peers",
		Help:      "Peers the group layer reports alive.",
	})

	Members = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brokercluster",
		Name:      "members",
		Help:      "Peers admitted to the cluster.",
	})

	Joiners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brokercluster",
		Name:      "joiners",
		Help:      "Peers waiting to be admitted.",
	})

	FrameSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brokercluster",
		Name:      "frame_seq",
		Help:      "Sequence number of the last snapshot this node emitted.",
	})

	IsMember = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "brokercluster",
		Name:      "is_member",
		Help:      "1 if this node has been admitted to the cluster.",
	})

	ConfigChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brokercluster",
		Name:      "config_changes_total",
		Help:      "Group configuration changes that altered the alive set.",
	})

	ProtocolMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokercluster",
			Name:      "protocol_messages_total",
			Help:      "Join protocol messages applied, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokercluster",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "brokercluster",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "brokercluster",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "brokercluster",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(AliveMembers, Members, Joiners, FrameSeq, IsMember,
		ConfigChanges, ProtocolMessages, RequestsTotal, RequestDuration, buildInfo, uptime)
}

// MetricsHandler exposes the registry in the prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
