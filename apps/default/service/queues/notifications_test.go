package queues_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alcosi/twinhorn/apps/default/config"
	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/apps/default/service/business"
	"github.com/alcosi/twinhorn/apps/default/service/queues"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type NotificationsHandlerTestSuite struct {
	suite.Suite
	cfg *config.HornConfig
}

func TestNotificationsHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(NotificationsHandlerTestSuite))
}

func (s *NotificationsHandlerTestSuite) SetupTest() {
	s.cfg = &config.HornConfig{
		PayloadErrorThreshold:       3,
		BreakerFailureRateThreshold: 50,
		BreakerSlidingWindowSize:    50,
		BreakerOpenWaitSec:          30,
		BreakerHalfOpenCalls:        10,
		RetryMaxAttempts:            3,
		RetryInitialDelayMs:         1,
		RetryMaxDelayMs:             2,
		RetryMultiplier:             2.0,
		RetryMaxTotalWaitSec:        1,
	}
}

func (s *NotificationsHandlerTestSuite) marshalNotification(updateID string) []byte {
	payload, err := json.Marshal(&notifyv1.TwinUpdateNotification{
		UpdateID:  updateID,
		TwinID:    "twin-1",
		ClientIDs: []string{"client-1"},
		Timestamp: time.Now(),
	})
	require.NoError(s.T(), err)
	return payload
}

func (s *NotificationsHandlerTestSuite) TestHandle_ValidPayload_Delivers() {
	notifier := &mockNotifier{}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	err := handler.Handle(context.Background(), nil, s.marshalNotification("u1"))
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, notifier.notifyCount())
	require.Len(s.T(), notifier.notified, 1)
	assert.Equal(s.T(), "u1", notifier.notified[0].UpdateID)
}

func (s *NotificationsHandlerTestSuite) TestHandle_MalformedPayload_ConsumedAndCounted() {
	notifier := &mockNotifier{}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	err := handler.Handle(context.Background(), nil, []byte("not json at all"))
	require.NoError(s.T(), err)

	assert.Zero(s.T(), notifier.notifyCount())
	assert.Empty(s.T(), notifier.terminations)
}

func (s *NotificationsHandlerTestSuite) TestHandle_PayloadThreshold_TerminatesWithDataLoss() {
	notifier := &mockNotifier{}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	for range s.cfg.PayloadErrorThreshold {
		require.NoError(s.T(), handler.Handle(context.Background(), nil, []byte("garbage")))
	}
	// At the threshold the service holds on; the next failure tips it over
	assert.Empty(s.T(), notifier.terminations)

	require.NoError(s.T(), handler.Handle(context.Background(), nil, []byte("garbage")))
	require.Len(s.T(), notifier.terminations, 1)
	assert.Equal(s.T(), notifyv1.UpdateStatusDataLoss, notifier.terminations[0])

	// Counter reset: the next bad payload does not terminate again
	require.NoError(s.T(), handler.Handle(context.Background(), nil, []byte("garbage")))
	assert.Len(s.T(), notifier.terminations, 1)
}

func (s *NotificationsHandlerTestSuite) TestHandle_ValidPayloadResetsFailureCounter() {
	notifier := &mockNotifier{}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	for range s.cfg.PayloadErrorThreshold {
		require.NoError(s.T(), handler.Handle(context.Background(), nil, []byte("garbage")))
	}
	require.NoError(s.T(), handler.Handle(context.Background(), nil, s.marshalNotification("u1")))
	require.NoError(s.T(), handler.Handle(context.Background(), nil, []byte("garbage")))

	assert.Empty(s.T(), notifier.terminations)
}

func (s *NotificationsHandlerTestSuite) TestHandle_TransientFailure_RetriesWithHeartbeat() {
	notifier := &mockNotifier{failures: 2, failWith: &service.DeliveryError{
		Temporary: true,
		Message:   "broker blip",
	}}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	err := handler.Handle(context.Background(), nil, s.marshalNotification("u1"))
	require.NoError(s.T(), err)

	// Two failed attempts, then success on the third
	assert.Equal(s.T(), 3, notifier.notifyCount())
	assert.Equal(s.T(), []notifyv1.UpdateStatus{
		notifyv1.UpdateStatusTransientError,
		notifyv1.UpdateStatusTransientError,
	}, notifier.heartbeats)
	assert.Empty(s.T(), notifier.terminations)
}

func (s *NotificationsHandlerTestSuite) TestHandle_ExhaustedTransientFailure_SignalsUnavailable() {
	notifier := &mockNotifier{failures: 100, failWith: &service.DeliveryError{
		Temporary: true,
		Message:   "broker down",
	}}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	err := handler.Handle(context.Background(), nil, s.marshalNotification("u1"))
	require.NoError(s.T(), err)

	assert.Equal(s.T(), s.cfg.RetryMaxAttempts, notifier.notifyCount())
	require.NotEmpty(s.T(), notifier.heartbeats)
	assert.Equal(s.T(), notifyv1.UpdateStatusUnavailable, notifier.heartbeats[len(notifier.heartbeats)-1])
	assert.Empty(s.T(), notifier.terminations)
}

func (s *NotificationsHandlerTestSuite) TestHandle_PermanentInfrastructureFailure_TerminatesStreams() {
	notifier := &mockNotifier{failures: 100, failWith: service.NewError(
		service.ReasonQueueConnection, "broker connection lost for good",
	)}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	err := handler.Handle(context.Background(), nil, s.marshalNotification("u1"))
	require.NoError(s.T(), err)

	require.Len(s.T(), notifier.terminations, 1)
	assert.Equal(s.T(), notifyv1.UpdateStatusInternalError, notifier.terminations[0])
}

func (s *NotificationsHandlerTestSuite) TestHandle_InternalFault_TerminatesStreams() {
	notifier := &mockNotifier{failures: 100, failWith: service.NewError(
		service.ReasonStreamProcessing, "subscriber fan-out state is corrupted",
	)}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	err := handler.Handle(context.Background(), nil, s.marshalNotification("u1"))
	require.NoError(s.T(), err)

	require.Len(s.T(), notifier.terminations, 1)
	assert.Equal(s.T(), notifyv1.UpdateStatusInternalError, notifier.terminations[0])
}

func (s *NotificationsHandlerTestSuite) TestHandle_BrokerBusinessRejection_DroppedQuietly() {
	notifier := &mockNotifier{failures: 100, failWith: &service.DeliveryError{
		Message: "update rejected by broker policy",
	}}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	err := handler.Handle(context.Background(), nil, s.marshalNotification("u1"))
	require.NoError(s.T(), err)

	// Rejected once, never retried, never escalated to other subscribers
	assert.Equal(s.T(), 1, notifier.notifyCount())
	assert.Empty(s.T(), notifier.heartbeats)
	assert.Empty(s.T(), notifier.terminations)
}

func (s *NotificationsHandlerTestSuite) TestHandle_TargetlessNotification_DroppedQuietly() {
	registry := business.NewRegistry()
	notifier := business.NewTwinUpdateNotifier(registry, nil, nil)
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	ctx := context.Background()
	ch := business.NewOutputChannel("client-a", 8)
	require.NoError(s.T(), registry.Add(ctx, "client-a", ch))

	payload, err := json.Marshal(&notifyv1.TwinUpdateNotification{
		UpdateID:  "u-empty",
		TwinID:    "twin-1",
		ClientIDs: []string{},
		Timestamp: time.Now(),
	})
	require.NoError(s.T(), err)

	require.NoError(s.T(), handler.Handle(ctx, nil, payload))

	select {
	case update := <-ch.Updates():
		s.T().Fatalf("subscriber received unexpected update %q with status %v", update.UpdateID, update.Status)
	default:
	}
	select {
	case <-ch.Done():
		s.T().Fatal("subscriber stream was terminated")
	default:
	}
}

func (s *NotificationsHandlerTestSuite) TestHandle_OpenBreaker_StaysOnTransientPath() {
	s.cfg.BreakerSlidingWindowSize = 2
	s.cfg.RetryMaxAttempts = 2

	notifier := &mockNotifier{failures: 100, failWith: &service.DeliveryError{
		Temporary: true,
		Message:   "broker down",
	}}
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	// First message fills the breaker window with failures and opens it
	require.NoError(s.T(), handler.Handle(context.Background(), nil, s.marshalNotification("u1")))
	attemptsSoFar := notifier.notifyCount()

	// Second message is rejected by the open breaker without reaching the notifier
	require.NoError(s.T(), handler.Handle(context.Background(), nil, s.marshalNotification("u2")))

	assert.Equal(s.T(), attemptsSoFar, notifier.notifyCount())
	assert.Empty(s.T(), notifier.terminations)
	assert.Equal(s.T(), notifyv1.UpdateStatusUnavailable, notifier.heartbeats[len(notifier.heartbeats)-1])
}

func (s *NotificationsHandlerTestSuite) TestHandle_EndToEnd_DeliversToSubscribedClientOnly() {
	registry := business.NewRegistry()
	notifier := business.NewTwinUpdateNotifier(registry, nil, nil)
	handler := queues.NewNotificationsQueueHandler(s.cfg, notifier)

	ctx := context.Background()

	chA := business.NewOutputChannel("client-a", 8)
	chB := business.NewOutputChannel("client-b", 8)
	require.NoError(s.T(), registry.Add(ctx, "client-a", chA))
	require.NoError(s.T(), registry.Add(ctx, "client-b", chB))

	payload, err := json.Marshal(&notifyv1.TwinUpdateNotification{
		UpdateID:  "u-e2e",
		TwinID:    "twin-7",
		ClientIDs: []string{"client-a"},
		Timestamp: time.Now(),
	})
	require.NoError(s.T(), err)

	require.NoError(s.T(), handler.Handle(ctx, nil, payload))

	select {
	case update := <-chA.Updates():
		assert.Equal(s.T(), "u-e2e", update.UpdateID)
		assert.Equal(s.T(), notifyv1.TwinEventTypeTwinUpdate, update.EventType)
		assert.Equal(s.T(), notifyv1.UpdateStatusSuccess, update.Status)
		assert.Equal(s.T(), []string{"twin-7"}, update.UpdatedTwinIDs)
	default:
		s.T().Fatal("subscribed client received no update")
	}

	select {
	case update := <-chB.Updates():
		s.T().Fatalf("unsubscribed client received update %q", update.UpdateID)
	default:
	}
}

// mockNotifier records pipeline interactions. The first `failures` delivery
// attempts fail with `failWith`.
type mockNotifier struct {
	mu sync.Mutex

	failures int
	failWith error

	notified     []*notifyv1.TwinUpdateNotification
	heartbeats   []notifyv1.UpdateStatus
	terminations []notifyv1.UpdateStatus
}

func (m *mockNotifier) NotifyTwinUpdate(_ context.Context, n *notifyv1.TwinUpdateNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notified = append(m.notified, n)
	if m.failures > 0 {
		m.failures--
		return m.failWith
	}
	return nil
}

func (m *mockNotifier) BroadcastHeartbeat(_ context.Context, status notifyv1.UpdateStatus, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, status)
}

func (m *mockNotifier) TerminateStreams(_ context.Context, status notifyv1.UpdateStatus, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminations = append(m.terminations, status)
}

func (m *mockNotifier) notifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notified)
}
