package business

import (
	"sync"

	notifyv1 "github.com/alcosi/twinhorn/proto/notify/v1"
)

const defaultDispatchBuffer = 64

// OutputChannel is one subscriber stream attachment. Updates are pushed into a
// buffered dispatch queue without blocking; the stream handler drains it. A
// full buffer means the consumer is not keeping up and the push fails.
type OutputChannel struct {
	clientID string
	updates  chan *notifyv1.SubscribeUpdate
	done     chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	failure error
}

// NewOutputChannel creates a channel for the given client id. A non-positive
// buffer falls back to the default dispatch buffer size.
func NewOutputChannel(clientID string, buffer int) *OutputChannel {
	if buffer <= 0 {
		buffer = defaultDispatchBuffer
	}
	return &OutputChannel{
		clientID: clientID,
		updates:  make(chan *notifyv1.SubscribeUpdate, buffer),
		done:     make(chan struct{}),
	}
}

// ClientID returns the client id this channel was registered under.
func (oc *OutputChannel) ClientID() string {
	return oc.clientID
}

// Push enqueues an update without blocking. It returns false when the channel
// is closed or the dispatch buffer is full.
func (oc *OutputChannel) Push(update *notifyv1.SubscribeUpdate) bool {
	select {
	case <-oc.done:
		return false
	default:
	}

	select {
	case oc.updates <- update:
		return true
	default:
		return false
	}
}

// Fail terminates the channel with an error the stream handler surfaces to
// the subscriber. Later calls to Fail or Close are no-ops.
func (oc *OutputChannel) Fail(err error) {
	oc.closeOnce.Do(func() {
		oc.mu.Lock()
		oc.failure = err
		oc.mu.Unlock()
		close(oc.done)
	})
}

// Close terminates the channel without an error, ending the stream normally.
func (oc *OutputChannel) Close() {
	oc.closeOnce.Do(func() {
		close(oc.done)
	})
}

// Updates exposes the dispatch queue for the stream handler to drain.
func (oc *OutputChannel) Updates() <-chan *notifyv1.SubscribeUpdate {
	return oc.updates
}

// Done is closed once the channel is terminated.
func (oc *OutputChannel) Done() <-chan struct{} {
	return oc.done
}

// Err returns the terminal error, nil for a normal close.
func (oc *OutputChannel) Err() error {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.failure
}
