package repository

import (
	"context"
	"time"

	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"gorm.io/gorm/clause"
)

type clientSessionRepository struct {
	datastore.BaseRepository[*models.ClientSession]
}

// SaveByClientID upserts the session record keyed by client id.
func (csr *clientSessionRepository) SaveByClientID(ctx context.Context, session *models.ClientSession) error {
	if session.GetID() == "" {
		session.GenID(ctx)
	}

	return csr.Svc().DB(ctx, false).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "status", "expires_at"}),
		}).
		Create(session).Error
}

// GetByClientID retrieves the session for a specific client.
func (csr *clientSessionRepository) GetByClientID(
	ctx context.Context,
	clientID string,
) (*models.ClientSession, error) {
	var session models.ClientSession
	err := csr.Svc().DB(ctx, true).
		Where("client_id = ?", clientID).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetByStatusAndExpiresBefore retrieves sessions in the given status whose
// expiry lies before the deadline. Sessions without an expiry never match.
func (csr *clientSessionRepository) GetByStatusAndExpiresBefore(
	ctx context.Context,
	status models.SessionStatus,
	deadline time.Time,
) ([]*models.ClientSession, error) {
	var sessions []*models.ClientSession
	err := csr.Svc().DB(ctx, true).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", status, deadline).
		Find(&sessions).Error
	return sessions, err
}

// SaveAll persists a batch of session records in one statement.
func (csr *clientSessionRepository) SaveAll(ctx context.Context, sessions []*models.ClientSession) error {
	if len(sessions) == 0 {
		return nil
	}
	return csr.Svc().DB(ctx, false).Save(sessions).Error
}

// NewClientSessionRepository creates a new client session repository instance.
func NewClientSessionRepository(
	ctx context.Context,
	dbPool pool.Pool,
	workMan workerpool.Manager,
) ClientSessionRepository {
	return &clientSessionRepository{
		BaseRepository: datastore.NewBaseRepository[*models.ClientSession](
			ctx, dbPool, workMan, func() *models.ClientSession { return &models.ClientSession{} },
		),
	}
}
