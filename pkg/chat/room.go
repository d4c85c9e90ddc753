// Package chat implements the bounded message ring embedded in every user
// channel.
package chat

import (
	"time"

	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// HistorySize is the number of recent messages a room retains.
const HistorySize = 100

// Room is a bounded ring of recent chat messages. It is not safe for
// concurrent use; all mutation happens inside the owning channel's
// executor.
type Room struct {
	id       uint32
	messages []protocol.ChatEntry
	start    int
	lastTS   uint64
	now      func() time.Time
}

// NewRoom creates an empty room for the given channel id.
func NewRoom(id uint32) *Room {
	return &Room{id: id, now: time.Now}
}

// NewRoomWithClock creates a room with an injected clock for tests.
func NewRoomWithClock(id uint32, now func() time.Time) *Room {
	return &Room{id: id, now: now}
}

// ID returns the channel id the room belongs to.
func (r *Room) ID() uint32 {
	return r.id
}

// AddMessage appends a message, evicting the oldest once the ring is full,
// and returns the stored entry. Timestamps are strictly monotonic even if
// the wall clock steps backwards.
func (r *Room) AddMessage(sender string, userType protocol.UserType, text string) protocol.ChatEntry {
	ts := uint64(r.now().UnixMilli())
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts

	entry := protocol.ChatEntry{
		Sender:    sender,
		Type:      userType,
		Text:      text,
		Timestamp: ts,
	}

	if len(r.messages) < HistorySize {
		r.messages = append(r.messages, entry)
		return entry
	}
	r.messages[r.start] = entry
	r.start = (r.start + 1) % HistorySize
	return entry
}

// History copies the ring out in chronological order.
func (r *Room) History() []protocol.ChatEntry {
	out := make([]protocol.ChatEntry, 0, len(r.messages))
	for i := 0; i < len(r.messages); i++ {
		out = append(out, r.messages[(r.start+i)%len(r.messages)])
	}
	return out
}

// Len returns the number of retained messages.
func (r *Room) Len() int {
	return len(r.messages)
}
