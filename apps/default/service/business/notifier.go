package business

import (
	"context"
	"time"

	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/alcosi/twinhorn/apps/default/service/repository"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

// UpdateNotifier turns consumed queue notifications into subscriber pushes and
// carries the degradation signals the pipeline emits when delivery suffers.
type UpdateNotifier interface {
	// NotifyTwinUpdate fans a twin update out to every targeted client.
	NotifyTwinUpdate(ctx context.Context, notification *notifyv1.TwinUpdateNotification) error

	// BroadcastHeartbeat tells every attached subscriber the service is
	// degraded without terminating any stream.
	BroadcastHeartbeat(ctx context.Context, status notifyv1.UpdateStatus, message string)

	// TerminateStreams sends a final classified update to every subscriber
	// and terminates all their streams.
	TerminateStreams(ctx context.Context, status notifyv1.UpdateStatus, message string)
}

type twinUpdateNotifier struct {
	registry  *Registry
	batchRepo repository.DataBatchRepository
	workMan   workerpool.Manager
}

// NewTwinUpdateNotifier creates the production notifier. The batch repository
// and worker manager are optional; without them offline clients simply miss
// updates pushed while they were detached.
func NewTwinUpdateNotifier(
	registry *Registry,
	batchRepo repository.DataBatchRepository,
	workMan workerpool.Manager,
) UpdateNotifier {
	return &twinUpdateNotifier{
		registry:  registry,
		batchRepo: batchRepo,
		workMan:   workMan,
	}
}

// NotifyTwinUpdate delivers one consumed notification. A notification without
// an update id or without targets is dropped with a log line, it carries
// nothing deliverable. Stalled subscriber streams are evicted by the registry
// rather than surfaced as errors, so a retry of this operation cannot
// double-deliver to healthy subscribers.
func (n *twinUpdateNotifier) NotifyTwinUpdate(
	ctx context.Context,
	notification *notifyv1.TwinUpdateNotification,
) error {
	if notification == nil || notification.UpdateID == "" {
		util.Log(ctx).Warn("dropping twin update without an update id")
		return nil
	}
	if len(notification.ClientIDs) == 0 {
		util.Log(ctx).WithField("update_id", notification.UpdateID).
			Debug("twin update targets no clients, nothing to deliver")
		return nil
	}

	timestamp := notification.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	update := &notifyv1.SubscribeUpdate{
		UpdateID:       notification.UpdateID,
		EventType:      notifyv1.TwinEventTypeTwinUpdate,
		Timestamp:      timestamp,
		Status:         notifyv1.UpdateStatusSuccess,
		UpdatedTwinIDs: []string{notification.TwinID},
	}

	for _, clientID := range notification.ClientIDs {
		delivered := n.registry.Broadcast(ctx, clientID, update)
		if delivered == 0 {
			n.storeBatch(ctx, clientID, notification)
		}
	}

	return nil
}

// BroadcastHeartbeat pushes a status-only update to every subscriber.
func (n *twinUpdateNotifier) BroadcastHeartbeat(
	ctx context.Context,
	status notifyv1.UpdateStatus,
	message string,
) {
	n.registry.BroadcastAll(ctx, &notifyv1.SubscribeUpdate{
		UpdateID:     util.IDString(),
		EventType:    notifyv1.TwinEventTypeTwinUpdate,
		Timestamp:    time.Now(),
		Status:       status,
		ErrorMessage: message,
	})
}

// TerminateStreams ends every subscriber stream after a final classified update.
func (n *twinUpdateNotifier) TerminateStreams(
	ctx context.Context,
	status notifyv1.UpdateStatus,
	message string,
) {
	final := &notifyv1.SubscribeUpdate{
		UpdateID:     util.IDString(),
		EventType:    notifyv1.TwinEventTypeConnectionClosed,
		Timestamp:    time.Now(),
		Status:       status,
		ErrorMessage: message,
	}

	streamErr := service.NewError(service.ReasonStreamProcessing, message)
	n.registry.Terminate(ctx, final, streamErr)
}

// storeBatch retains the update for a client with no attached streams so a
// later subscription can replay it. Persistence runs on the worker pool.
func (n *twinUpdateNotifier) storeBatch(
	ctx context.Context,
	clientID string,
	notification *notifyv1.TwinUpdateNotification,
) {
	if n.batchRepo == nil || n.workMan == nil {
		return
	}

	batch := &models.DataBatch{
		ClientID: clientID,
		UpdateID: notification.UpdateID,
		Status:   models.BatchStatusPending,
		Payload: data.JSONMap{
			"twin_id":   notification.TwinID,
			"status":    notification.Status,
			"timestamp": notification.Timestamp,
		},
	}

	job := workerpool.NewJob[any](func(ctx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
		createErr := n.batchRepo.Create(ctx, batch)
		if createErr != nil {
			util.Log(ctx).WithError(createErr).WithField("client_id", clientID).
				Error("failed to store pending data batch")
			return resultPipe.WriteError(ctx, createErr)
		}
		return nil
	})

	if err := workerpool.SubmitJob(ctx, n.workMan, job); err != nil {
		util.Log(ctx).WithError(err).WithField("client_id", clientID).
			Error("failed to submit data batch job")
	}
}
