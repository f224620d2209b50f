// Package metrics exposes the chat node's prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	initOnce sync.Once

	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqchat_messages_sent_total",
			Help: "Number of messages sealed and appended locally",
		},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqchat_messages_received_total",
			Help: "Number of messages displayed, by delivery path",
		},
		[]string{"origin"},
	)
	duplicatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqchat_duplicates_dropped_total",
			Help: "Number of payloads dropped because their hash was already seen",
		},
		[]string{"origin"},
	)
	openFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqchat_open_failures_total",
			Help: "Number of payloads that could not be opened with the local identity",
		},
	)
	pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqchat_push_total",
			Help: "Number of push delivery attempts, by result",
		},
		[]string{"result"},
	)
	pushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pqchat_push_duration_seconds",
			Help:    "Duration of a single push delivery",
			Buckets: prometheus.DefBuckets,
		},
	)
	peersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pqchat_registered_peers",
			Help: "Number of push endpoints currently registered",
		},
	)
	pollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqchat_poll_errors_total",
			Help: "Number of failed poll cycles",
		},
	)
	requestsLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqchat_requests_rate_limited_total",
			Help: "Number of inbound requests rejected by the rate limiter",
		},
	)
)

func Init() {
	initOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			messagesSent,
			messagesReceived,
			duplicatesDropped,
			openFailures,
			pushes,
			pushDuration,
			peersRegistered,
			pollErrors,
			requestsLimited,
		)
	})
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func MessageSent() {
	messagesSent.Inc()
}

func MessageReceived(origin string) {
	messagesReceived.With(prometheus.Labels{"origin": origin}).Inc()
}

func DuplicateDropped(origin string) {
	duplicatesDropped.With(prometheus.Labels{"origin": origin}).Inc()
}

func OpenFailed() {
	openFailures.Inc()
}

func Push(ok bool, seconds float64) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	pushes.With(prometheus.Labels{"result": result}).Inc()
	pushDuration.Observe(seconds)
}

func Peers(n int) {
	peersRegistered.Set(float64(n))
}

func PollError() {
	pollErrors.Inc()
}

func RateLimited() {
	requestsLimited.Inc()
}
