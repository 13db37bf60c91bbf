package canvas

import (
	"context"
	"sync"
	"time"
)

// Broadcast bus. Every committed mutation fans out on its canvas's topic,
// including to the originator's own connections. Payloads carry the full
// canonical post-mutation objects, so delivery is at-least-once and
// unordered-safe: clients converge by overwriting per object id after an
// update-timestamp comparison.

const (
	EventObjectCreated    = "object_created"
	EventObjectUpdated    = "object_updated"
	EventObjectDeleted    = "object_deleted"
	EventObjectLocked     = "object_locked"
	EventObjectUnlocked   = "object_unlocked"
	EventObjectsReordered = "objects_reordered"
	EventObjectsGrouped   = "objects_grouped"
	EventObjectsUngrouped = "objects_ungrouped"
	EventHistoryApplied   = "history_applied"
)

// Event is one canonical state announcement. Objects holds the full
// post-mutation rows; DeletedIDs names objects that no longer exist.
// CorrelationID echoes the client-supplied id so the originator can
// recognize its own event.
type Event struct {
	ID            string    `json:"id"`
	CanvasID      string    `json:"canvasId"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Objects       []Object  `json:"objects,omitempty"`
	DeletedIDs    []string  `json:"deletedIds,omitempty"`
	GroupID       string    `json:"groupId,omitempty"`
	HistoryKind   string    `json:"historyKind,omitempty"`
	Lock          *LockInfo `json:"lock,omitempty"`
}

// Broker fans events out to canvas-scoped subscribers. Publish is
// fire-and-forget from the mutator's point of view; a subscriber that falls
// behind misses events and is expected to resync.
type Broker interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, canvasID string) (<-chan Event, func(), error)
	Close() error
}

const subscriberBuffer = 64

// MemoryBroker is the in-process broker: one subscriber set per canvas,
// non-blocking sends that drop to slow consumers.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[int]chan Event{}}
}

func (b *MemoryBroker) Publish(_ context.Context, event Event) error {
	if b == nil || event.CanvasID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs[event.CanvasID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, canvasID string) (<-chan Event, func(), error) {
	if b == nil || canvasID == "" {
		return nil, nil, ErrInvalidInput
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrInvalidInput
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.subs[canvasID] == nil {
		b.subs[canvasID] = map[int]chan Event{}
	}
	b.subs[canvasID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[canvasID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, canvasID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// SubscriberCount reports live subscriptions for a canvas.
func (b *MemoryBroker) SubscriberCount(canvasID string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[canvasID])
}

func (b *MemoryBroker) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for canvasID, set := range b.subs {
		for id, ch := range set {
			delete(set, id)
			close(ch)
		}
		delete(b.subs, canvasID)
	}
	return nil
}
