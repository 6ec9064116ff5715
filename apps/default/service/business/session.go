package business

import (
	"context"

	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/alcosi/twinhorn/apps/default/service/repository"
	"github.com/alcosi/twinhorn/internal"
)

// SessionBusiness persists session state driven by the auth gate.
type SessionBusiness interface {
	// RecordActiveSession upserts an ACTIVE session for a freshly
	// validated credential.
	RecordActiveSession(ctx context.Context, token string, ts *internal.TokenSession) error
}

type sessionBusiness struct {
	sessionRepo repository.ClientSessionRepository
}

// NewSessionBusiness creates the session business layer.
func NewSessionBusiness(sessionRepo repository.ClientSessionRepository) SessionBusiness {
	return &sessionBusiness{sessionRepo: sessionRepo}
}

func (sb *sessionBusiness) RecordActiveSession(
	ctx context.Context,
	token string,
	ts *internal.TokenSession,
) error {
	if ts == nil || ts.ClientID == "" {
		return service.ErrClientIDRequired
	}

	session := &models.ClientSession{
		ClientID:  ts.ClientID,
		Token:     token,
		Status:    models.SessionStatusActive,
		ExpiresAt: ts.ExpiresAt,
	}

	if err := sb.sessionRepo.SaveByClientID(ctx, session); err != nil {
		return service.WrapError(service.ReasonDBData, "saving client session", err)
	}
	return nil
}
