// Package notify provides an in-process pub/sub bus surfacing durability
// progress: event appends, segment flushes, snapshot creation, and
// compaction cycles. Subscribers poll their channel; slow consumers lose
// notifications rather than stalling the write path.
package notify

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// EventType identifies what progressed.
type EventType int

const (
	EventAppended EventType = iota
	SegmentFlushed
	SnapshotCreated
	CompactionCompleted
)

// Notification describes one progress event. Sequence is the highest
// global sequence the event covers. TenantID is empty for bus-wide events
// such as compaction cycles.
type Notification struct {
	Type      EventType
	TenantID  string
	EntityID  string
	SegmentID string
	Sequence  uint64
	Timestamp int64
}

// Subscriber receives notifications on C until Unsubscribe closes it.
type Subscriber struct {
	ID      string
	Tenants []string
	C       chan Notification
}

// Bus fans notifications out to subscribers.
type Bus struct {
	subscribers sync.Map
	bufferSize  int
}

// NewBus creates a bus. bufferSize is the per-subscriber channel depth.
func NewBus(bufferSize int) *Bus {
	return &Bus{bufferSize: bufferSize}
}

// Publish delivers n to every matching subscriber. It never blocks: a full
// subscriber channel drops the notification. Publish on a nil bus is a
// no-op, so components can run without one.
func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	b.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if matches(sub, n.TenantID) {
			select {
			case sub.C <- n:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber under id. With no tenant filters the
// subscriber receives everything; otherwise only notifications whose tenant
// starts with one of the filters, plus bus-wide events.
func (b *Bus) Subscribe(id string, tenants ...string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Tenants: tenants,
		C:       make(chan Notification, b.bufferSize),
	}
	b.subscribers.Store(id, sub)
	return sub
}

// SubscribeAutoID registers a subscriber under a generated id.
func (b *Bus) SubscribeAutoID(tenants ...string) *Subscriber {
	return b.Subscribe(uuid.NewString(), tenants...)
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	if value, ok := b.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).C)
	}
}

func matches(sub *Subscriber, tenantID string) bool {
	if len(sub.Tenants) == 0 || tenantID == "" {
		return true
	}
	for _, prefix := range sub.Tenants {
		if strings.HasPrefix(tenantID, prefix) {
			return true
		}
	}
	return false
}
