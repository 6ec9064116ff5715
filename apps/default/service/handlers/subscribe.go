package handlers

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/alcosi/twinhorn/apps/default/config"
	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/apps/default/service/business"
	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/alcosi/twinhorn/apps/default/service/repository"
	"github.com/alcosi/twinhorn/internal"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/pitabwire/util"
)

// NotifyServiceGetDataUpdatesProcedure is the route of the subscription stream.
const NotifyServiceGetDataUpdatesProcedure = "/notify.v1.NotifyService/GetDataUpdates"

// InitialDataRequester asks the twin platform to replay current state for a
// newly attached subscriber.
type InitialDataRequester interface {
	RequestInitialData(ctx context.Context, clientID string) error
}

// updateSender is the send side of a subscriber stream.
type updateSender interface {
	Send(update *notifyv1.SubscribeUpdate) error
}

// NotifyServer serves the long-lived data update stream.
type NotifyServer struct {
	cfg       *config.HornConfig
	registry  *business.Registry
	producer  InitialDataRequester
	batchRepo repository.DataBatchRepository
}

// NewNotifyServer creates the streaming handler. The producer and batch
// repository are optional.
func NewNotifyServer(
	cfg *config.HornConfig,
	registry *business.Registry,
	producer InitialDataRequester,
	batchRepo repository.DataBatchRepository,
) *NotifyServer {
	return &NotifyServer{
		cfg:       cfg,
		registry:  registry,
		producer:  producer,
		batchRepo: batchRepo,
	}
}

// ConnectHandler mounts the stream as a connect server-stream endpoint.
func (ns *NotifyServer) ConnectHandler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(NewJSONCodec())}, opts...)
	handler := connect.NewServerStreamHandler(
		NotifyServiceGetDataUpdatesProcedure,
		ns.GetDataUpdates,
		opts...,
	)
	return NotifyServiceGetDataUpdatesProcedure, handler
}

// GetDataUpdates attaches the caller to the fan-out registry and streams
// updates until the client disconnects or the session is closed.
func (ns *NotifyServer) GetDataUpdates(
	ctx context.Context,
	req *connect.Request[notifyv1.SubscribeRequest],
	stream *connect.ServerStream[notifyv1.SubscribeUpdate],
) error {
	return ns.streamUpdates(ctx, req.Msg, stream)
}

func (ns *NotifyServer) streamUpdates(
	ctx context.Context,
	req *notifyv1.SubscribeRequest,
	sender updateSender,
) error {
	clientID := ns.resolveClientID(ctx, req)
	if clientID == "" {
		return service.ToConnectError(service.ErrClientIDRequired)
	}

	logger := util.Log(ctx).WithField("client_id", clientID)

	ch := business.NewOutputChannel(clientID, ns.cfg.DispatchBufferSize)
	if err := ns.registry.Add(ctx, clientID, ch); err != nil {
		return service.ToConnectError(err)
	}
	defer ns.registry.Remove(ctx, clientID, ch)

	confirmation := &notifyv1.SubscribeUpdate{
		UpdateID:  util.IDString(),
		EventType: notifyv1.TwinEventTypeTwinUpdate,
		Timestamp: time.Now(),
		Status:    notifyv1.UpdateStatusSuccess,
	}
	if err := sender.Send(confirmation); err != nil {
		return service.ToConnectError(service.WrapError(
			service.ReasonStreamProcessing, "sending subscription confirmation", err))
	}

	if ns.producer != nil {
		if err := ns.producer.RequestInitialData(ctx, clientID); err != nil {
			logger.WithError(err).Warn("could not request initial twin data")
		}
	}

	if err := ns.replayPending(ctx, clientID, sender); err != nil {
		logger.WithError(err).Warn("could not replay pending data batches")
	}

	logger.Debug("subscriber stream attached")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-ch.Updates():
			if update == nil {
				continue
			}
			if err := sender.Send(update); err != nil {
				return service.ToConnectError(service.WrapError(
					service.ReasonStreamProcessing, "pushing update to subscriber", err))
			}
		case <-ch.Done():
			// Final updates, like a close notice, may still sit in the buffer
			drainRemaining(ch, sender)
			if err := ch.Err(); err != nil {
				return service.ToConnectError(err)
			}
			return nil
		}
	}
}

func drainRemaining(ch *business.OutputChannel, sender updateSender) {
	for {
		select {
		case update := <-ch.Updates():
			if update == nil {
				return
			}
			if err := sender.Send(update); err != nil {
				return
			}
		default:
			return
		}
	}
}

// resolveClientID prefers the introspected session identity over the request
// payload.
func (ns *NotifyServer) resolveClientID(ctx context.Context, req *notifyv1.SubscribeRequest) string {
	if session, ok := internal.SessionFromContext(ctx); ok && session.ClientID != "" {
		return session.ClientID
	}
	if req != nil {
		return req.ClientID
	}
	return ""
}

// replayPending sends updates that arrived while the client had no attached
// stream, then marks them delivered.
func (ns *NotifyServer) replayPending(ctx context.Context, clientID string, sender updateSender) error {
	if ns.batchRepo == nil {
		return nil
	}

	batches, err := ns.batchRepo.GetPendingByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	deliveredIDs := make([]string, 0, len(batches))
	for _, batch := range batches {
		if err = sender.Send(batchToUpdate(batch)); err != nil {
			break
		}
		deliveredIDs = append(deliveredIDs, batch.GetID())
	}

	if len(deliveredIDs) > 0 {
		if markErr := ns.batchRepo.MarkDelivered(ctx, deliveredIDs...); markErr != nil {
			return markErr
		}
	}

	return err
}

func batchToUpdate(batch *models.DataBatch) *notifyv1.SubscribeUpdate {
	update := &notifyv1.SubscribeUpdate{
		UpdateID:  batch.UpdateID,
		EventType: notifyv1.TwinEventTypeTwinUpdate,
		Timestamp: time.Now(),
		Status:    notifyv1.UpdateStatusSuccess,
	}

	if twinID, ok := batch.Payload["twin_id"].(string); ok && twinID != "" {
		update.UpdatedTwinIDs = []string{twinID}
	}

	return update
}
