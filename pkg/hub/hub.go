// Package hub fans committed execution events out to live stream
// subscribers. Each subscriber gets a full-state snapshot first, then every
// event in commit order, plus periodic heartbeats so proxies keep the
// connection open.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomline/loomline/pkg/events"
)

const (
	// DefaultHeartbeatInterval keeps intermediaries from reaping idle streams.
	DefaultHeartbeatInterval = 15 * time.Second

	subscriberBuffer = 64
)

// SnapshotFunc loads the current full state of an execution. The hub calls
// it under the registration lock so the snapshot and the subsequent event
// stream cannot miss or duplicate a transition.
type SnapshotFunc func(ctx context.Context, executionID string) (*events.Snapshot, error)

// Subscriber is one attached stream consumer.
type Subscriber struct {
	executionID string
	ch          chan events.Event
	once        sync.Once
}

// Events returns the ordered event channel. The channel closes when the
// execution reaches a terminal state or the subscriber is detached.
func (s *Subscriber) Events() <-chan events.Event {
	return s.ch
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub implements the ledger's Broadcaster and owns the subscriber registry.
type Hub struct {
	snapshot SnapshotFunc
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub and starts its heartbeat loop.
func NewHub(snapshot SnapshotFunc, heartbeat time.Duration, logger *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	h := &Hub{
		snapshot:    snapshot,
		logger:      logger.With("module", "hub"),
		subscribers: make(map[string]map[*Subscriber]struct{}),
		done:        make(chan struct{}),
	}

	go h.heartbeatLoop(heartbeat)

	return h
}

// Subscribe attaches a consumer to an execution's stream. The snapshot is
// queued before registration completes, so the consumer always sees current
// state first. A terminal execution yields the snapshot and a closed channel.
func (h *Hub) Subscribe(ctx context.Context, executionID string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot, err := h.snapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		executionID: executionID,
		ch:          make(chan events.Event, subscriberBuffer),
	}
	sub.ch <- snapshot

	if snapshot.Status.IsTerminal() {
		sub.close()

		return sub, nil
	}

	set, ok := h.subscribers[executionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subscribers[executionID] = set
	}

	set[sub] = struct{}{}

	return sub, nil
}

// Unsubscribe detaches a consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	h.detachLocked(sub)
	h.mu.Unlock()

	sub.close()
}

func (h *Hub) detachLocked(sub *Subscriber) {
	set, ok := h.subscribers[sub.executionID]
	if !ok {
		return
	}

	delete(set, sub)

	if len(set) == 0 {
		delete(h.subscribers, sub.executionID)
	}
}

// Broadcast delivers a committed event to every subscriber of the execution.
// Slow consumers are dropped rather than allowed to stall the ledger. A
// terminal event closes all remaining channels for the execution.
func (h *Hub) Broadcast(executionID string, event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[executionID]
	if !ok {
		return
	}

	for sub := range set {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("Dropping slow stream subscriber",
				"execution_id", executionID,
				"event_type", event.GetType(),
			)
			h.detachLocked(sub)
			sub.close()
		}
	}

	if isTerminalEvent(event.GetType()) {
		for sub := range set {
			sub.close()
		}

		delete(h.subscribers, executionID)
	}
}

func isTerminalEvent(t events.EventType) bool {
	return t == events.ExecutionCompletedEvent || t == events.ExecutionFailedEvent
}

// SubscriberCount reports attached consumers for an execution.
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscribers[executionID])
}

// Close stops the heartbeat loop and detaches every subscriber.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()

	for executionID, set := range h.subscribers {
		for sub := range set {
			sub.close()
		}

		delete(h.subscribers, executionID)
	}
}

func (h *Hub) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.RLock()
			for executionID, set := range h.subscribers {
				event := events.Heartbeat{
					BaseEvent: events.NewBaseEvent(events.HeartbeatEvent, executionID),
				}

				for sub := range set {
					select {
					case sub.ch <- event:
					default:
						// Backpressure is handled on the next real broadcast.
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}
