package repository

import (
	"context"
	"time"

	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
)

// ClientSessionRepository defines data access for client session records.
type ClientSessionRepository interface {
	datastore.BaseRepository[*models.ClientSession]
	// SaveByClientID upserts the session keyed by client id, refreshing
	// token, status and expiry on conflict.
	SaveByClientID(ctx context.Context, session *models.ClientSession) error
	GetByClientID(ctx context.Context, clientID string) (*models.ClientSession, error)
	GetByStatusAndExpiresBefore(
		ctx context.Context,
		status models.SessionStatus,
		deadline time.Time,
	) ([]*models.ClientSession, error)
	SaveAll(ctx context.Context, sessions []*models.ClientSession) error
}

// DataBatchRepository defines data access for stored per-client data batches.
type DataBatchRepository interface {
	datastore.BaseRepository[*models.DataBatch]
	GetPendingByClientID(ctx context.Context, clientID string) ([]*models.DataBatch, error)
	MarkDelivered(ctx context.Context, ids ...string) error
}
