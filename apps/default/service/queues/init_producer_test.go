package queues_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alcosi/twinhorn/apps/default/config"
	"github.com/alcosi/twinhorn/apps/default/service/queues"
	"github.com/alcosi/twinhorn/internal"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/pitabwire/frame/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestInitialData_PublishesRequest(t *testing.T) {
	cfg := &config.HornConfig{
		QueueInitializeNotifyName: "twins.initialize.notify",
	}

	mockPub := &mockPublisher{}
	mockQM := &mockQueueManager{
		publishers: map[string]queue.Publisher{
			cfg.QueueInitializeNotifyName: mockPub,
		},
	}

	producer := queues.NewInitializeNotificationProducer(cfg, mockQM)

	err := producer.RequestInitialData(context.Background(), "client-1")
	require.NoError(t, err)

	assert.Equal(t, 1, mockPub.publishCount)

	request, ok := mockPub.lastMsg.(*notifyv1.InitializeNotificationRequest)
	require.True(t, ok)
	assert.Equal(t, "client-1", request.ClientID)
	assert.False(t, request.RequestedAt.IsZero())

	require.Len(t, mockPub.lastHeaders, 1)
	assert.Equal(t, "client-1", mockPub.lastHeaders[0][internal.HeaderClientID])
	assert.Equal(t, "subscription", mockPub.lastHeaders[0][internal.HeaderRequestOrigin])
}

func TestRequestInitialData_UnknownPublisher_ReturnsError(t *testing.T) {
	cfg := &config.HornConfig{
		QueueInitializeNotifyName: "twins.initialize.notify",
	}

	mockQM := &mockQueueManager{publishers: map[string]queue.Publisher{}}
	producer := queues.NewInitializeNotificationProducer(cfg, mockQM)

	err := producer.RequestInitialData(context.Background(), "client-1")
	require.Error(t, err)
}

func TestRequestInitialData_PublishFailure_Propagates(t *testing.T) {
	cfg := &config.HornConfig{
		QueueInitializeNotifyName: "twins.initialize.notify",
	}

	mockPub := &mockPublisher{publishErr: errors.New("broker unavailable")}
	mockQM := &mockQueueManager{
		publishers: map[string]queue.Publisher{
			cfg.QueueInitializeNotifyName: mockPub,
		},
	}

	producer := queues.NewInitializeNotificationProducer(cfg, mockQM)

	err := producer.RequestInitialData(context.Background(), "client-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}

// Mock implementations

type mockQueueManager struct {
	publishers map[string]queue.Publisher
}

func (m *mockQueueManager) AddPublisher(_ context.Context, _ string, _ string) error {
	return nil
}

func (m *mockQueueManager) GetPublisher(reference string) (queue.Publisher, error) {
	pub, ok := m.publishers[reference]
	if !ok {
		return nil, errors.New("publisher not registered: " + reference)
	}
	return pub, nil
}

func (m *mockQueueManager) DiscardPublisher(_ context.Context, _ string) error {
	return nil
}

func (m *mockQueueManager) AddSubscriber(
	_ context.Context,
	_ string,
	_ string,
	_ ...queue.SubscribeWorker,
) error {
	return nil
}

func (m *mockQueueManager) DiscardSubscriber(_ context.Context, _ string) error {
	return nil
}

func (m *mockQueueManager) GetSubscriber(_ string) (queue.Subscriber, error) {
	return nil, nil
}

func (m *mockQueueManager) Publish(_ context.Context, _ string, _ any, _ ...map[string]string) error {
	return nil
}

func (m *mockQueueManager) Init(_ context.Context) error {
	return nil
}

type mockPublisher struct {
	publishCount int
	publishErr   error
	lastMsg      any
	lastHeaders  []map[string]string
	initiated    bool
	ref          string
}

func (m *mockPublisher) Initiated() bool {
	return m.initiated
}

func (m *mockPublisher) Ref() string {
	return m.ref
}

func (m *mockPublisher) Init(_ context.Context) error {
	m.initiated = true
	return nil
}

func (m *mockPublisher) Publish(_ context.Context, msg any, headers ...map[string]string) error {
	m.publishCount++
	m.lastMsg = msg
	m.lastHeaders = headers
	return m.publishErr
}

func (m *mockPublisher) Stop(_ context.Context) error {
	return nil
}

func (m *mockPublisher) As(_ any) bool {
	return false
}
