//nolint:testpackage // tests exercise unexported internals
package business

import (
	"context"
	"testing"
	"time"

	"github.com/alcosi/twinhorn/apps/default/service"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_DropsNotificationWithoutUpdateID(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	n := NewTwinUpdateNotifier(registry, nil, nil)

	ch := NewOutputChannel("client-1", 4)
	require.NoError(t, registry.Add(ctx, "client-1", ch))

	err := n.NotifyTwinUpdate(ctx, &notifyv1.TwinUpdateNotification{
		ClientIDs: []string{"client-1"},
	})
	require.NoError(t, err)

	select {
	case <-ch.Updates():
		t.Fatal("an update without an id must not be delivered")
	default:
	}
}

func TestNotifier_DropsNotificationWithoutTargets(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	n := NewTwinUpdateNotifier(registry, nil, nil)

	ch := NewOutputChannel("client-1", 4)
	require.NoError(t, registry.Add(ctx, "client-1", ch))

	err := n.NotifyTwinUpdate(ctx, &notifyv1.TwinUpdateNotification{
		UpdateID: "u1",
		TwinID:   "twin-1",
	})
	require.NoError(t, err)

	select {
	case <-ch.Updates():
		t.Fatal("a targetless update must not be delivered")
	default:
	}
	select {
	case <-ch.Done():
		t.Fatal("a targetless update must not terminate the stream")
	default:
	}
}

func TestNotifier_DeliversToTargetedClients(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	n := NewTwinUpdateNotifier(registry, nil, nil)

	chA := NewOutputChannel("client-a", 4)
	chB := NewOutputChannel("client-b", 4)
	require.NoError(t, registry.Add(ctx, "client-a", chA))
	require.NoError(t, registry.Add(ctx, "client-b", chB))

	sentAt := time.Now().Add(-time.Minute)
	err := n.NotifyTwinUpdate(ctx, &notifyv1.TwinUpdateNotification{
		UpdateID:  "u1",
		TwinID:    "twin-1",
		ClientIDs: []string{"client-a"},
		Timestamp: sentAt,
	})
	require.NoError(t, err)

	got := <-chA.Updates()
	assert.Equal(t, "u1", got.UpdateID)
	assert.Equal(t, notifyv1.TwinEventTypeTwinUpdate, got.EventType)
	assert.Equal(t, notifyv1.UpdateStatusSuccess, got.Status)
	assert.Equal(t, []string{"twin-1"}, got.UpdatedTwinIDs)
	assert.Equal(t, sentAt, got.Timestamp)

	select {
	case <-chB.Updates():
		t.Fatal("untargeted client must not receive the update")
	default:
	}
}

func TestNotifier_FillsMissingTimestamp(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	n := NewTwinUpdateNotifier(registry, nil, nil)

	ch := NewOutputChannel("client-a", 4)
	require.NoError(t, registry.Add(ctx, "client-a", ch))

	require.NoError(t, n.NotifyTwinUpdate(ctx, &notifyv1.TwinUpdateNotification{
		UpdateID:  "u1",
		TwinID:    "twin-1",
		ClientIDs: []string{"client-a"},
	}))

	got := <-ch.Updates()
	assert.False(t, got.Timestamp.IsZero())
}

func TestNotifier_NoSubscribersWithoutStoreIsSilent(t *testing.T) {
	n := NewTwinUpdateNotifier(NewRegistry(), nil, nil)

	// No batch repository wired: the update is simply dropped for the
	// detached client and the operation still succeeds.
	err := n.NotifyTwinUpdate(context.Background(), &notifyv1.TwinUpdateNotification{
		UpdateID:  "u1",
		TwinID:    "twin-1",
		ClientIDs: []string{"client-offline"},
	})
	require.NoError(t, err)
}

func TestNotifier_BroadcastHeartbeat(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	n := NewTwinUpdateNotifier(registry, nil, nil)

	ch := NewOutputChannel("client-a", 4)
	require.NoError(t, registry.Add(ctx, "client-a", ch))

	n.BroadcastHeartbeat(ctx, notifyv1.UpdateStatusTransientError, "retrying delivery")

	got := <-ch.Updates()
	assert.NotEmpty(t, got.UpdateID)
	assert.Equal(t, notifyv1.UpdateStatusTransientError, got.Status)
	assert.Equal(t, "retrying delivery", got.ErrorMessage)

	// Stream stays open
	select {
	case <-ch.Done():
		t.Fatal("heartbeat must not terminate the stream")
	default:
	}
}

func TestNotifier_TerminateStreams(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	n := NewTwinUpdateNotifier(registry, nil, nil)

	ch := NewOutputChannel("client-a", 4)
	require.NoError(t, registry.Add(ctx, "client-a", ch))

	n.TerminateStreams(ctx, notifyv1.UpdateStatusDataLoss, "payload corruption threshold exceeded")

	got := <-ch.Updates()
	assert.Equal(t, notifyv1.TwinEventTypeConnectionClosed, got.EventType)
	assert.Equal(t, notifyv1.UpdateStatusDataLoss, got.Status)

	<-ch.Done()
	var domainErr *service.Error
	require.ErrorAs(t, ch.Err(), &domainErr)
	assert.Equal(t, service.ReasonStreamProcessing, domainErr.Reason)
	assert.Equal(t, int64(0), registry.Size())
}
