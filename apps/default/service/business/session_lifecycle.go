package business

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/alcosi/twinhorn/apps/default/service/repository"
	"github.com/alcosi/twinhorn/internal/telemetry"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/pitabwire/util"
)

// SessionLifecycleMonitor drives the ACTIVE -> WARNING -> CLOSED expiry state
// machine. It is the only writer of session status after creation: the auth
// gate upserts ACTIVE records, the monitor advances them as expiry passes.
type SessionLifecycleMonitor struct {
	sessionRepo repository.ClientSessionRepository
	registry    *Registry

	scanInterval time.Duration
	gracePeriod  time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewSessionLifecycleMonitor creates a monitor scanning at the given interval.
// The grace period is how long a WARNING session lingers before its streams
// are closed.
func NewSessionLifecycleMonitor(
	sessionRepo repository.ClientSessionRepository,
	registry *Registry,
	scanInterval time.Duration,
	gracePeriod time.Duration,
) *SessionLifecycleMonitor {
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Minute
	}
	return &SessionLifecycleMonitor{
		sessionRepo:  sessionRepo,
		registry:     registry,
		scanInterval: scanInterval,
		gracePeriod:  gracePeriod,
		shutdownCh:   make(chan struct{}),
	}
}

// Start launches the background scan loop.
func (m *SessionLifecycleMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.scanLoop(ctx)
}

// Stop terminates the scan loop and waits for it to finish.
func (m *SessionLifecycleMonitor) Stop() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
	m.wg.Wait()
}

func (m *SessionLifecycleMonitor) scanLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunExpiryScan(ctx); err != nil {
				util.Log(ctx).WithError(err).Error("session expiry scan failed")
			}
		}
	}
}

// RunExpiryScan performs one pass of the expiry state machine. A failure in
// one phase does not stop the other; already-persisted transitions stand.
func (m *SessionLifecycleMonitor) RunExpiryScan(ctx context.Context) error {
	ctx, span := telemetry.SessionTracer.Start(ctx, "sessions.expiry_scan")
	now := time.Now()

	warnErr := m.warnExpiredSessions(ctx, now)
	closeErr := m.closeLingeringSessions(ctx, now)

	err := errors.Join(warnErr, closeErr)
	telemetry.SessionTracer.End(ctx, span, err)
	return err
}

// warnExpiredSessions moves expired ACTIVE sessions to WARNING, telling the
// client its token needs refreshing while the stream stays open.
func (m *SessionLifecycleMonitor) warnExpiredSessions(ctx context.Context, now time.Time) error {
	sessions, err := m.sessionRepo.GetByStatusAndExpiresBefore(ctx, models.SessionStatusActive, now)
	if err != nil {
		return fmt.Errorf("querying expired active sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	for _, session := range sessions {
		m.registry.Broadcast(ctx, session.ClientID, &notifyv1.SubscribeUpdate{
			UpdateID:     util.IDString(),
			EventType:    notifyv1.TwinEventTypeTokenExpiredWarning,
			Timestamp:    now,
			Status:       notifyv1.UpdateStatusGeneralError,
			ErrorMessage: "credential token has expired, refresh to keep the subscription",
		})
		session.Status = models.SessionStatusWarning
	}

	if err = m.sessionRepo.SaveAll(ctx, sessions); err != nil {
		return fmt.Errorf("saving warned sessions: %w", err)
	}

	util.Log(ctx).WithField("sessions", len(sessions)).Info("warned expired sessions")
	return nil
}

// closeLingeringSessions closes WARNING sessions whose expiry lies beyond the
// grace period, ending their streams normally after a final update.
func (m *SessionLifecycleMonitor) closeLingeringSessions(ctx context.Context, now time.Time) error {
	deadline := now.Add(-m.gracePeriod)

	sessions, err := m.sessionRepo.GetByStatusAndExpiresBefore(ctx, models.SessionStatusWarning, deadline)
	if err != nil {
		return fmt.Errorf("querying lingering warned sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	for _, session := range sessions {
		m.registry.Broadcast(ctx, session.ClientID, &notifyv1.SubscribeUpdate{
			UpdateID:     util.IDString(),
			EventType:    notifyv1.TwinEventTypeConnectionClosed,
			Timestamp:    now,
			Status:       notifyv1.UpdateStatusGeneralError,
			ErrorMessage: "credential token expired beyond the grace period, closing the subscription",
		})
		m.registry.FailAll(ctx, session.ClientID, nil)
		session.Status = models.SessionStatusClosed
	}

	if err = m.sessionRepo.SaveAll(ctx, sessions); err != nil {
		return fmt.Errorf("saving closed sessions: %w", err)
	}

	util.Log(ctx).WithField("sessions", len(sessions)).Info("closed lingering sessions")
	return nil
}
