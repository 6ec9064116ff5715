package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alcosi/twinhorn/apps/default/config"
	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/apps/default/service/business"
	"github.com/alcosi/twinhorn/internal/resilience"
	"github.com/alcosi/twinhorn/internal/telemetry"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
)

// NotificationsQueueHandler consumes twin update notifications and fans them
// out to attached subscribers. A message is always acknowledged: malformed
// payloads are dropped and counted, delivery trouble degrades the service
// through heartbeats or stream termination, and the consumer then awaits the
// next message.
type NotificationsQueueHandler struct {
	cfg      *config.HornConfig
	notifier business.UpdateNotifier

	breaker     *resilience.CircuitBreaker
	retryPolicy resilience.RetryPolicy

	payloadFailures atomic.Int64
}

func NewNotificationsQueueHandler(
	cfg *config.HornConfig,
	notifier business.UpdateNotifier,
) queue.SubscribeWorker {
	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:                 "twins-notify-delivery",
		FailureRateThreshold: cfg.BreakerFailureRateThreshold,
		SlidingWindowSize:    cfg.BreakerSlidingWindowSize,
		OpenTimeout:          cfg.BreakerOpenWait(),
		HalfOpenMaxCalls:     cfg.BreakerHalfOpenCalls,
		OnStateChange: func(name string, from, to resilience.State) {
			util.Log(context.Background()).WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("delivery circuit breaker changed state")
		},
	})

	return &NotificationsQueueHandler{
		cfg:      cfg,
		notifier: notifier,
		breaker:  breaker,
		retryPolicy: resilience.RetryPolicy{
			Name:         "twins-notify-delivery",
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay(),
			MaxDelay:     cfg.RetryMaxDelay(),
			Multiplier:   cfg.RetryMultiplier,
			MaxTotalWait: cfg.RetryMaxTotalWait(),
		},
	}
}

func (nq *NotificationsQueueHandler) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	telemetry.NotificationsConsumedCounter.Add(ctx, 1)

	notification, err := nq.decode(payload)
	if err != nil {
		nq.recordPayloadFailure(ctx, err)
		return nil
	}
	nq.payloadFailures.Store(0)

	nq.deliver(ctx, notification)
	return nil
}

func (nq *NotificationsQueueHandler) decode(payload []byte) (*notifyv1.TwinUpdateNotification, error) {
	notification := &notifyv1.TwinUpdateNotification{}
	if err := json.Unmarshal(payload, notification); err != nil {
		return nil, fmt.Errorf("decoding twin update notification: %w", err)
	}
	return notification, nil
}

// recordPayloadFailure drops the undecodable message and counts it. Once the
// run of consecutive failures exceeds the configured threshold the queue
// contents can no longer be trusted, so every subscriber stream is terminated
// with a data-loss classification.
func (nq *NotificationsQueueHandler) recordPayloadFailure(ctx context.Context, err error) {
	failures := nq.payloadFailures.Add(1)
	telemetry.PayloadFailuresCounter.Add(ctx, 1)

	util.Log(ctx).WithError(err).WithField("consecutive_failures", failures).
		Error("dropping undecodable notification payload")

	if failures <= int64(nq.cfg.PayloadErrorThreshold) {
		return
	}

	nq.payloadFailures.Store(0)
	nq.notifier.TerminateStreams(ctx, notifyv1.UpdateStatusDataLoss,
		"repeated payload corruption on the notification queue")
}

// deliver pushes the notification through the circuit breaker inside the
// retry executor. An open breaker counts as a transient failure for retry
// purposes.
func (nq *NotificationsQueueHandler) deliver(ctx context.Context, notification *notifyv1.TwinUpdateNotification) {
	ctx, span := telemetry.DeliveryTracer.Start(ctx, "notifications.deliver")
	started := time.Now()

	policy := nq.retryPolicy
	policy.OnRetry = func(attempt int, retryErr error) {
		telemetry.DeliveryRetriedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(retryErr).WithFields(map[string]any{
			"update_id": notification.UpdateID,
			"attempt":   attempt,
		}).Warn("delivery attempt failed, retrying")

		nq.notifier.BroadcastHeartbeat(ctx, notifyv1.UpdateStatusTransientError,
			"service is retrying update delivery")
	}
	policy.OnExhausted = func(finalErr error) {
		telemetry.DeliveryExhaustedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(finalErr).WithField("update_id", notification.UpdateID).
			Error("delivery retries exhausted")

		nq.notifier.BroadcastHeartbeat(ctx, notifyv1.UpdateStatusUnavailable,
			"update delivery is currently unavailable")
	}

	err := resilience.NewRetrier(policy).Execute(ctx, func(ctx context.Context) error {
		return nq.breaker.Execute(func() error {
			notifyErr := nq.notifier.NotifyTwinUpdate(ctx, notification)

			// A broker business rejection concerns this update only. It is
			// not retried and must never reach the other subscribers.
			var deliveryErr *service.DeliveryError
			if errors.As(notifyErr, &deliveryErr) && !deliveryErr.Temporary {
				util.Log(ctx).WithError(notifyErr).WithField("update_id", notification.UpdateID).
					Warn("broker rejected the update, dropping it")
				return nil
			}
			return notifyErr
		})
	})
	telemetry.DeliveryLatencyHistogram.Record(ctx, float64(time.Since(started).Milliseconds()))
	telemetry.DeliveryTracer.End(ctx, span, err)
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	if nq.isPermanentFault(err) {
		nq.notifier.TerminateStreams(ctx, notifyv1.UpdateStatusInternalError,
			"notification pipeline hit an irrecoverable failure")
	}
}

// isPermanentFault reports whether an exhausted delivery failure is an
// infrastructure or programming fault that the pipeline cannot recover from.
// Everything else stays on the transient path already signalled by the
// unavailability heartbeat.
func (nq *NotificationsQueueHandler) isPermanentFault(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}

	var domainErr *service.Error
	if errors.As(err, &domainErr) {
		switch domainErr.Reason {
		case service.ReasonQueueConnection, service.ReasonStreamProcessing, service.ReasonGeneral:
			return true
		default:
			return false
		}
	}

	return false
}
