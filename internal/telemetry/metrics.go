// Package telemetry provides OpenTelemetry metrics and tracing for the
// notification bridge.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Queue metrics track the consumption side of the pipeline.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	NotificationsConsumedCounter = telemetry.DimensionlessMeasure(
		"",
		"notify.queue.consumed",
		"Total twin update notifications consumed from the queue",
	)

	PayloadFailuresCounter = telemetry.DimensionlessMeasure(
		"",
		"notify.queue.payload_failures",
		"Total undecodable notification payloads dropped",
	)
)

// Delivery metrics track the fan-out side of the pipeline.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	DeliveryRetriedCounter = telemetry.DimensionlessMeasure(
		"",
		"notify.delivery.retried",
		"Total delivery attempts that were retried",
	)

	DeliveryExhaustedCounter = telemetry.DimensionlessMeasure(
		"",
		"notify.delivery.exhausted",
		"Total deliveries abandoned after retries ran out",
	)

	DeliveryLatencyHistogram = telemetry.LatencyMeasure(
		"notify.delivery",
	)
)

// Subscriber metrics track stream attachment churn.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	SubscribersAttachedCounter = telemetry.DimensionlessMeasure(
		"",
		"notify.subscribers.attached",
		"Total subscriber streams attached",
	)

	SubscribersDetachedCounter = telemetry.DimensionlessMeasure(
		"",
		"notify.subscribers.detached",
		"Total subscriber streams detached",
	)

	SubscribersEvictedCounter = telemetry.DimensionlessMeasure(
		"",
		"notify.subscribers.evicted",
		"Total subscriber streams evicted for not keeping up",
	)
)

// StreamsTerminatedCounter tracks forced terminations of the whole fan-out.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var StreamsTerminatedCounter = telemetry.DimensionlessMeasure(
	"",
	"notify.streams.terminated",
	"Total forced terminations across all subscriber streams",
)
