package business

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/internal/telemetry"
	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
	"github.com/pitabwire/util"
)

// Registry tracks the output channels attached for each client id. A client id
// is present in the map iff it has at least one attached channel. Channels that
// reject a push are detached and failed on the spot so a stalled subscriber
// cannot hold up the pipeline.
type Registry struct {
	mu       sync.RWMutex
	channels map[string][]*OutputChannel

	size atomic.Int64
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string][]*OutputChannel),
	}
}

// Add attaches a channel under the given client id.
func (r *Registry) Add(ctx context.Context, clientID string, ch *OutputChannel) error {
	if clientID == "" {
		return service.ErrClientIDRequired
	}

	r.mu.Lock()
	r.channels[clientID] = append(r.channels[clientID], ch)
	r.mu.Unlock()
	r.size.Add(1)
	telemetry.SubscribersAttachedCounter.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"client_id":   clientID,
		"subscribers": r.size.Load(),
	}).Debug("subscriber attached")
	return nil
}

// Remove detaches a channel. Removing the last channel for a client id drops
// the key entirely.
func (r *Registry) Remove(ctx context.Context, clientID string, ch *OutputChannel) {
	r.mu.Lock()
	removed := r.removeLocked(clientID, ch)
	r.mu.Unlock()

	if removed {
		r.size.Add(-1)
		telemetry.SubscribersDetachedCounter.Add(ctx, 1)
		util.Log(ctx).WithField("client_id", clientID).Debug("subscriber detached")
	}
}

// removeLocked must be called with r.mu held for writing.
func (r *Registry) removeLocked(clientID string, ch *OutputChannel) bool {
	channels, ok := r.channels[clientID]
	if !ok {
		return false
	}

	for i, existing := range channels {
		if existing != ch {
			continue
		}

		channels = append(channels[:i], channels[i+1:]...)
		if len(channels) == 0 {
			delete(r.channels, clientID)
		} else {
			r.channels[clientID] = channels
		}
		return true
	}
	return false
}

// Broadcast pushes an update to every channel attached for the client id.
// Channels that reject the push are detached and failed. Returns the number of
// successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, clientID string, update *notifyv1.SubscribeUpdate) int {
	r.mu.RLock()
	snapshot := make([]*OutputChannel, len(r.channels[clientID]))
	copy(snapshot, r.channels[clientID])
	r.mu.RUnlock()

	delivered := 0
	var stalled []*OutputChannel
	for _, ch := range snapshot {
		if ch.Push(update) {
			delivered++
		} else {
			stalled = append(stalled, ch)
		}
	}

	r.evict(ctx, clientID, stalled)
	return delivered
}

// BroadcastAll pushes an update to every attached channel of every client.
func (r *Registry) BroadcastAll(ctx context.Context, update *notifyv1.SubscribeUpdate) {
	for _, clientID := range r.ClientIDs() {
		r.Broadcast(ctx, clientID, update)
	}
}

// FailAll terminates every channel attached for the client id with the given
// error and detaches them.
func (r *Registry) FailAll(ctx context.Context, clientID string, err error) {
	r.mu.Lock()
	channels := r.channels[clientID]
	delete(r.channels, clientID)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Fail(err)
		r.size.Add(-1)
	}

	if len(channels) > 0 {
		logger := util.Log(ctx).WithFields(map[string]any{
			"client_id": clientID,
			"streams":   len(channels),
		})
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Info("terminated subscriber streams")
	}
}

// Terminate broadcasts a final update to every subscriber, then terminates all
// their streams with the given error and clears the registry.
func (r *Registry) Terminate(ctx context.Context, update *notifyv1.SubscribeUpdate, err error) {
	if update != nil {
		r.BroadcastAll(ctx, update)
	}
	telemetry.StreamsTerminatedCounter.Add(ctx, r.size.Load())
	for _, clientID := range r.ClientIDs() {
		r.FailAll(ctx, clientID, err)
	}
}

// Subscribers returns the number of channels attached for a client id.
func (r *Registry) Subscribers(clientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[clientID])
}

// Size returns the total number of attached channels.
func (r *Registry) Size() int64 {
	return r.size.Load()
}

// ClientIDs returns a snapshot of client ids with at least one subscriber.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

// evict detaches stalled channels and fails them so their stream handlers
// return an error to the subscriber.
func (r *Registry) evict(ctx context.Context, clientID string, stalled []*OutputChannel) {
	if len(stalled) == 0 {
		return
	}

	r.mu.Lock()
	removed := 0
	for _, ch := range stalled {
		if r.removeLocked(clientID, ch) {
			removed++
		}
	}
	r.mu.Unlock()
	r.size.Add(int64(-removed))
	telemetry.SubscribersEvictedCounter.Add(ctx, int64(len(stalled)))

	pushErr := service.NewError(service.ReasonStreamProcessing, "subscriber stream is not keeping up")
	for _, ch := range stalled {
		ch.Fail(pushErr)
	}

	util.Log(ctx).WithFields(map[string]any{
		"client_id": clientID,
		"evicted":   len(stalled),
	}).Warn("evicted stalled subscriber streams")
}
