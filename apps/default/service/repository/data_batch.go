package repository

import (
	"context"

	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
)

type dataBatchRepository struct {
	datastore.BaseRepository[*models.DataBatch]
}

// GetPendingByClientID retrieves undelivered batches for a client, oldest first.
func (dbr *dataBatchRepository) GetPendingByClientID(
	ctx context.Context,
	clientID string,
) ([]*models.DataBatch, error) {
	var batches []*models.DataBatch
	err := dbr.Svc().DB(ctx, true).
		Where("client_id = ? AND status = ?", clientID, models.BatchStatusPending).
		Order("id ASC").
		Find(&batches).Error
	return batches, err
}

// MarkDelivered flips the given batches to delivered.
func (dbr *dataBatchRepository) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return dbr.Svc().DB(ctx, false).
		Model(&models.DataBatch{}).
		Where("id IN ?", ids).
		Update("status", models.BatchStatusDelivered).Error
}

// NewDataBatchRepository creates a new data batch repository instance.
func NewDataBatchRepository(
	ctx context.Context,
	dbPool pool.Pool,
	workMan workerpool.Manager,
) DataBatchRepository {
	return &dataBatchRepository{
		BaseRepository: datastore.NewBaseRepository[*models.DataBatch](
			ctx, dbPool, workMan, func() *models.DataBatch { return &models.DataBatch{} },
		),
	}
}
