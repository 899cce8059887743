// internal/scheduler/metrics.go
package scheduler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slotwatch",
		Name:      "polls_total",
		Help:      "Number of poll cycles started.",
	})
	metricScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slotwatch",
		Name:      "scan_errors_total",
		Help:      "Number of degraded scans, by stage.",
	}, []string{"stage"})
	metricRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slotwatch",
		Name:      "session_repairs_total",
		Help:      "Number of session repair cycles, by outcome.",
	}, []string{"outcome"})
	metricNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slotwatch",
		Name:      "notifications_total",
		Help:      "Number of availability alerts attempted, by result.",
	}, []string{"result"})
	metricSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slotwatch",
		Name:      "slots_available",
		Help:      "Candidate slots found by the most recent scan.",
	})
	metricLastPoll = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slotwatch",
		Name:      "last_poll_timestamp_seconds",
		Help:      "Unix time at which the most recent poll cycle finished.",
	})
)

// MetricsHandler exposes the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func recordRepair(ok bool) {
	if ok {
		metricRepairs.WithLabelValues("recovered").Inc()
		return
	}
	metricRepairs.WithLabelValues("exhausted").Inc()
}

func recordNotification(err error) {
	if err != nil {
		metricNotifications.WithLabelValues("failed").Inc()
		return
	}
	metricNotifications.WithLabelValues("sent").Inc()
}
