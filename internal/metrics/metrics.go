package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EmailsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_queued_total",
			Help: "Total emails accepted at intake",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed email sends",
		},
	)

	EmailsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_skipped_total",
			Help: "Total emails skipped during dispatch (unknown alias, claimed elsewhere)",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Duration of dispatch cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(EmailsQueued)
		prometheus.MustRegister(EmailsSent)
		prometheus.MustRegister(EmailFailures)
		prometheus.MustRegister(EmailsSkipped)
		prometheus.MustRegister(CycleDuration)
	})
}

// NewServer serves /metrics and /healthz.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
