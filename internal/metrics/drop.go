package metrics

import "cryptofeed/logger"

const dropMetricName = "queue_messages_dropped"

// EmitDropMetric records one message discarded by the dispatch queue. The
// policy names which end of the queue lost the message.
func EmitDropMetric(log *logger.Log, exchange, stream, policy string) {
	fields := logger.Fields{"policy": policy}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stream != "" {
		fields["stream"] = stream
	}

	QueueDropped.WithLabelValues(policy).Inc()
	logger.IncrementCounter(logger.CounterQueueDropped, 1)
	EmitMetric(log, "dispatch_queue", dropMetricName, 1, "counter", fields)
}
