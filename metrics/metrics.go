// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the traffic engine.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or go out of the system: connections, tasks, frames.
//   - the success or error status of any of the above.
//   - the distribution of transfer sizes and connection lifetimes.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BytesTransferred counts payload bytes moved in each direction.
	// The engine adds to it on every successful tracked completion.
	//
	// Provides metrics:
	//   trafficgen_bytes_total{direction="sent|recv"}
	// Example usage:
	//   metrics.BytesTransferred.WithLabelValues("sent").Add(float64(n))
	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficgen_bytes_total",
			Help: "The total number of payload bytes transferred.",
		}, []string{"direction"})

	// ConnectionsStarted counts pattern instances that issued at least one task.
	ConnectionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficgen_connections_started_total",
			Help: "Number of connections that started IO.",
		}, []string{"protocol"})

	// ConnectionsCompleted counts pattern instances reaching a terminal state,
	// bucketed by how they ended.
	//
	// Provides metrics:
	//   trafficgen_connections_completed_total{outcome="success|os_error|protocol_error"}
	ConnectionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficgen_connections_completed_total",
			Help: "Number of connections that reached a terminal state.",
		}, []string{"outcome"})

	// TasksIssued counts tasks handed to the executor, by action.
	TasksIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficgen_tasks_issued_total",
			Help: "Number of tasks returned from InitiateIo.",
		}, []string{"action"})

	// DelayedSends counts send tasks scheduled into the future by the rate
	// limiter or the burst policy.
	DelayedSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficgen_delayed_sends_total",
			Help: "Number of sends deferred by pacing.",
		})

	// ValidationFailures counts receives whose bytes did not match the
	// canonical pattern.  Any nonzero value is a wire or peer defect.
	ValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficgen_validation_failures_total",
			Help: "Number of receives that failed bit-pattern validation.",
		})

	// UdpFrames counts datagram classification on the media-stream receiver.
	//
	// Provides metrics:
	//   trafficgen_udp_frames_total{class="successful|dropped|duplicate|error"}
	UdpFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficgen_udp_frames_total",
			Help: "Number of UDP frames received, by classification.",
		}, []string{"class"})

	// ConnectionEvents counts lifecycle notifications published on the
	// event socket.
	ConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficgen_connection_events_total",
			Help: "Number of connection events published to event socket clients.",
		}, []string{"event"})

	// ConnectionDurationHistogram tracks connection lifetimes in seconds.
	ConnectionDurationHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "trafficgen_connection_duration_seconds",
			Help: "connection duration distribution (seconds)",
			Buckets: []float64{
				0.001, 0.01, 0.1,
				1, 2.5, 5, 10, 25, 50,
				100, 250, 500, 1000,
			},
		})

	// TransferSizeHistogram tracks the per-connection bytes actually moved.
	TransferSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trafficgen_transfer_size_bytes",
			Help:    "per-connection transferred bytes distribution",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 16),
		})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in trafficgen.metrics are registered.")
}
