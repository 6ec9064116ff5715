package queues

import (
	"context"
	"time"

	"github.com/alcosi/twinhorn/apps/default/config"
	"github.com/alcosi/twinhorn/internal"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/pitabwire/frame/queue"
)

// InitializeNotificationProducer asks the twin platform to replay current
// state for a freshly attached subscriber.
type InitializeNotificationProducer struct {
	cfg      *config.HornConfig
	qManager queue.Manager
}

func NewInitializeNotificationProducer(
	cfg *config.HornConfig,
	qManager queue.Manager,
) *InitializeNotificationProducer {
	return &InitializeNotificationProducer{
		cfg:      cfg,
		qManager: qManager,
	}
}

// RequestInitialData publishes an initialization request for the client.
func (ip *InitializeNotificationProducer) RequestInitialData(ctx context.Context, clientID string) error {
	publisher, err := ip.qManager.GetPublisher(ip.cfg.QueueInitializeNotifyName)
	if err != nil {
		return err
	}

	request := &notifyv1.InitializeNotificationRequest{
		ClientID:    clientID,
		RequestedAt: time.Now(),
	}

	headers := map[string]string{
		internal.HeaderClientID:      clientID,
		internal.HeaderRequestOrigin: "subscription",
	}

	return publisher.Publish(ctx, request, headers)
}
