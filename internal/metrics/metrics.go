package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	MailboxScans       prometheus.Counter
	MailboxScanErrors  prometheus.Counter
	MessagesScanned    prometheus.Counter
	BadBounceAddresses *prometheus.CounterVec
	BouncesRecorded    *prometheus.CounterVec
	Deactivations      prometheus.Counter
	OperatorAlerts     *prometheus.CounterVec
	LogLinesRead       prometheus.Counter
	DeliveriesEmitted  *prometheus.CounterVec
	PendingQueueIDs    prometheus.Gauge
	StuckQueueIDs      prometheus.Gauge
	JobDuration        *prometheus.HistogramVec
}

// NewMetrics creates new Prometheus metrics registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MailboxScans: f.NewCounter(prometheus.CounterOpts{
			Name: "deliverability_mailbox_scans_total",
			Help: "Total number of bounce mailbox scans",
		}),
		MailboxScanErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "deliverability_mailbox_scan_errors_total",
			Help: "Total number of bounce mailbox scans aborted by an error",
		}),
		MessagesScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "deliverability_mailbox_messages_total",
			Help: "Total number of messages read from the bounce mailbox",
		}),
		BadBounceAddresses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverability_bad_bounce_addresses_total",
			Help: "Bounce addresses that did not decode as valid, by status",
		}, []string{"status"}),
		BouncesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverability_bounces_recorded_total",
			Help: "Bounces appended to the store, by type and source",
		}, []string{"type", "source"}),
		Deactivations: f.NewCounter(prometheus.CounterOpts{
			Name: "deliverability_deactivations_total",
			Help: "Accounts deactivated because of bounces",
		}),
		OperatorAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverability_operator_alerts_total",
			Help: "Operator notifications, by kind",
		}, []string{"kind"}),
		LogLinesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "deliverability_maillog_lines_total",
			Help: "Transport log lines read",
		}),
		DeliveriesEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverability_deliveries_total",
			Help: "Messages that left the transport queue, by status",
		}, []string{"status"}),
		PendingQueueIDs: f.NewGauge(prometheus.GaugeOpts{
			Name: "deliverability_maillog_pending_queue_ids",
			Help: "Queue ids seen in the transport log that have not been removed yet",
		}),
		StuckQueueIDs: f.NewGauge(prometheus.GaugeOpts{
			Name: "deliverability_maillog_stuck_queue_ids",
			Help: "Pending queue ids older than the stuck warning age",
		}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deliverability_job_duration_seconds",
			Help:    "Time spent in periodic jobs",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}
