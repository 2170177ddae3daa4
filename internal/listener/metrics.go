package listener

import (
	"github.com/prometheus/client_golang/prometheus"
)

// attach outcomes used as the result label
const (
	attachOK             = "ok"
	attachNotFound       = "not_found"
	attachDied           = "died"
	attachNotDiagnosable = "not_diagnosable"
	attachCancelled      = "cancelled"
)

type metrics struct {
	tracked    prometheus.Gauge
	attaches   *prometheus.CounterVec
	events     prometheus.Counter
	anomalies  *prometheus.CounterVec
	sessions   *prometheus.CounterVec
	scanErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dni",
			Subsystem: "listener",
			Name:      "tracked_processes",
			Help:      "Number of processes with an open session.",
		}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "listener",
			Name:      "attach_total",
			Help:      "Session attach attempts by result.",
		}, []string{"result"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "listener",
			Name:      "events_total",
			Help:      "Runtime events delivered to the aggregators.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "listener",
			Name:      "anomalies_total",
			Help:      "Protocol anomalies observed in runtime event streams.",
		}, []string{"kind"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "listener",
			Name:      "sessions_ended_total",
			Help:      "Sessions ended by reason.",
		}, []string{"reason"}),
		scanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dni",
			Subsystem: "listener",
			Name:      "scan_errors_total",
			Help:      "Watchdog scans that failed to list processes.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.tracked, m.attaches, m.events, m.anomalies, m.sessions, m.scanErrors)
	}
	return m
}
