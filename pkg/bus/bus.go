// Package bus moves opaque events between backbone processes. It knows
// nothing about rooms, presence, or documents; channel naming is the
// caller's convention. Delivery is at-most-once and best-effort; publish
// order is preserved within one channel from one publisher.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of replication. Origin carries the publishing process id
// so subscribers can skip their own loop-backs.
type Event struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Room   string          `json:"room,omitempty"`
	Origin string          `json:"origin,omitempty"`
	At     string          `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func NewEvent(kind, room, origin string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		ID:     uuid.New().String(),
		Kind:   kind,
		Room:   room,
		Origin: origin,
		At:     time.Now().UTC().Format(time.RFC3339Nano),
		Data:   raw,
	}
}

// Subscription drains events for one channel pattern. Close releases it;
// the events channel is closed afterwards.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Bus is the fan-out contract shared by every backbone process.
type Bus interface {
	Publish(ctx context.Context, channel string, evt Event) error
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// RoomChannel and DocChannel are the backbone's channel naming convention:
// one channel per room for presence/chat, one per document for edit
// operations, bounding fan-out to interested processes.
func RoomChannel(roomID string) string { return "room." + roomID }

func DocChannel(docID string) string { return "doc." + docID }
