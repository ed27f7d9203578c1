// Package metrics exposes sync engine counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coach_sync"

// Label values shared by callers.
const (
	KindConversations = "conversations"
	KindNotifications = "notifications"
	KindMessages      = "messages"

	resultOK    = "ok"
	resultError = "error"
)

// Recorder owns a private registry so tests and multiple engines do not
// collide on the global one. A nil *Recorder discards everything.
type Recorder struct {
	registry      *prometheus.Registry
	refreshes     *prometheus.CounterVec
	staleDiscards *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	feedEvents    *prometheus.CounterVec
	unread        *prometheus.GaugeVec
}

// New creates a Recorder with process and Go runtime collectors attached.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Server pulls by kind and result.",
		}, []string{"kind", "result"}),
		staleDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_discards_total",
			Help:      "Results dropped because the session changed while they were in flight.",
		}, []string{"component"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Failed server writes by operation.",
		}, []string{"op"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Push events received by topic.",
		}, []string{"topic"}),
		unread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread",
			Help:      "Current unread count by kind.",
		}, []string{"kind"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.refreshes,
		r.staleDiscards,
		r.writeFailures,
		r.feedEvents,
		r.unread,
	)

	return r
}

// Handler serves the registry for scraping.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Refresh counts one pull of kind, labelled by whether err is nil.
func (r *Recorder) Refresh(kind string, err error) {
	if r == nil {
		return
	}

	result := resultOK
	if err != nil {
		result = resultError
	}

	r.refreshes.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) StaleDiscard(component string) {
	if r == nil {
		return
	}

	r.staleDiscards.WithLabelValues(component).Inc()
}

func (r *Recorder) WriteFailure(op string) {
	if r == nil {
		return
	}

	r.writeFailures.WithLabelValues(op).Inc()
}

func (r *Recorder) FeedEvent(topic string) {
	if r == nil {
		return
	}

	r.feedEvents.WithLabelValues(topic).Inc()
}

// SetUnread records the current unread aggregate for kind.
func (r *Recorder) SetUnread(kind string, n int) {
	if r == nil {
		return
	}

	r.unread.WithLabelValues(kind).Set(float64(n))
}
