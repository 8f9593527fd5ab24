// Prometheus collectors for the feed. They live on a dedicated registry so
// the status server can expose them without the global default handlers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptofeed_ws_frames_received_total",
			Help: "Websocket frames received per exchange",
		},
		[]string{"exchange"},
	)

	ProcessErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptofeed_ws_process_errors_total",
			Help: "Frames the exchange processor failed to parse",
		},
		[]string{"exchange"},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptofeed_ws_reconnects_total",
			Help: "Websocket reconnect attempts per exchange",
		},
		[]string{"exchange"},
	)

	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryptofeed_ws_streaming",
			Help: "1 while the exchange connection is streaming",
		},
		[]string{"exchange"},
	)

	PollRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptofeed_poll_requests_total",
			Help: "REST poll attempts by outcome",
		},
		[]string{"exchange", "stream", "outcome"},
	)

	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptofeed_messages_dispatched_total",
			Help: "Queue messages handled by the dispatcher",
		},
		[]string{"exchange", "stream", "command"},
	)

	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cryptofeed_queue_length",
		Help: "Messages waiting in the dispatch queue",
	})

	QueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptofeed_queue_dropped_total",
			Help: "Messages dropped by the dispatch queue overflow policy",
		},
		[]string{"policy"},
	)

	SinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptofeed_sink_writes_total",
			Help: "Records written by downstream sinks",
		},
		[]string{"sink", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		FramesReceived,
		ProcessErrors,
		Reconnects,
		ConnectionState,
		PollRequests,
		MessagesDispatched,
		QueueLength,
		QueueDropped,
		SinkWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the feed registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
