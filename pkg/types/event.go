// Package types provides core data types for Chronik.
package types

import "time"

// Event is the immutable unit of data in the store. Once an event has been
// appended and assigned a sequence number, none of its fields ever change.
type Event struct {
	// ID is the time-ordered unique identifier assigned at ingest.
	ID EventID `json:"id"`

	// TenantID identifies the tenant this event belongs to. Every index and
	// storage key carries tenant identity; no read path crosses tenants.
	TenantID string `json:"tenant_id"`

	// EntityID identifies the entity this event describes.
	EntityID string `json:"entity_id"`

	// EventType categorizes the event (e.g. "user.created", "order.shipped").
	EventType string `json:"event_type"`

	// Payload contains the schema-free event data.
	Payload map[string]interface{} `json:"payload"`

	// Timestamp is the wall-clock time of the event in Unix nanoseconds.
	Timestamp int64 `json:"timestamp"`

	// Sequence is the global monotonic order number assigned at append time.
	Sequence uint64 `json:"sequence"`
}

// Time returns the event timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Less reports whether e sorts before other in the store's total order:
// ascending (Timestamp, Sequence), with Sequence breaking timestamp ties.
func (e *Event) Less(other *Event) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}
	return e.Sequence < other.Sequence
}
