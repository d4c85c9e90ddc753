// Package channel implements the shared room attached to a VM or to the
// global lobby: the membership set, its chat room, the turn queue, and
// vote-for-reset state.
//
// A Channel is owned by exactly one executor (the VM's owner, or the global
// chat owner); none of its methods are safe to call from outside that
// owner.
package channel

import (
	"net"
	"time"

	"github.com/collabvm/collabvm-server/pkg/chat"
	"github.com/collabvm/collabvm-server/pkg/protocol"
	"github.com/collabvm/collabvm-server/pkg/turn"
)

// Sender is a channel member's outbound pipe: the per-socket send pipeline.
// Implementations must be comparable (sessions are pointers).
type Sender interface {
	QueueMessage(msg []byte)
}

// UserData is the per-member state a channel tracks.
type UserData struct {
	Username string
	Type     protocol.UserType
	IP       net.IP

	voted    bool
	votedYes bool
}

// IsAdmin reports whether the member holds admin capability.
func (u *UserData) IsAdmin() bool {
	return u.Type == protocol.UserTypeAdmin
}

// Channel is one shared room.
type Channel struct {
	id       uint32
	dispatch func(func())

	users map[Sender]*UserData
	order []Sender

	room *chat.Room
	turn *turn.Controller[Sender]

	voteTime     func() time.Duration
	onVoteEnd    func(passed bool)
	voteActive   bool
	voteDeadline time.Time
	voteYes      uint32
	voteNo       uint32
	voteTimer    *time.Timer
	voteGen      uint64

	now func() time.Time
}

// New creates a channel. dispatch re-enters the owning executor and is used
// by the turn and vote timers. turnTime and voteTime are read from the VM
// settings at each use. onVoteEnd reports a finished reset vote to the VM
// owner; it may be nil for chat-only channels.
func New(id uint32, dispatch func(func()), turnTime, voteTime func() time.Duration, onVoteEnd func(passed bool)) *Channel {
	c := &Channel{
		id:        id,
		dispatch:  dispatch,
		users:     make(map[Sender]*UserData),
		room:      chat.NewRoom(id),
		voteTime:  voteTime,
		onVoteEnd: onVoteEnd,
		now:       time.Now,
	}
	c.turn = turn.New[Sender](turnTime, dispatch, c.broadcastTurnInfo)
	return c
}

// ID returns the channel id (0 is the global lobby).
func (c *Channel) ID() uint32 {
	return c.id
}

// ChatRoom returns the embedded chat ring.
func (c *Channel) ChatRoom() *chat.Room {
	return c.room
}

// Turn returns the embedded turn controller.
func (c *Channel) Turn() *turn.Controller[Sender] {
	return c.turn
}

// Len returns the member count.
func (c *Channel) Len() int {
	return len(c.users)
}

// GetUserData returns the member state for a session, if present.
func (c *Channel) GetUserData(s Sender) (*UserData, bool) {
	u, ok := c.users[s]
	return u, ok
}

// ForEachUser visits every member in join order.
func (c *Channel) ForEachUser(fn func(data *UserData, s Sender)) {
	for _, s := range c.order {
		fn(c.users[s], s)
	}
}

// Broadcast queues msg on every member's send pipeline. The buffer is
// shared across recipients and must not be mutated after this call.
func (c *Channel) Broadcast(msg []byte) {
	for _, s := range c.order {
		s.QueueMessage(msg)
	}
}

// AddUser inserts a member, sends it the full user list (admin variant for
// admins), and broadcasts the join to everyone else.
func (c *Channel) AddUser(data UserData, s Sender) {
	if _, exists := c.users[s]; exists {
		return
	}
	c.users[s] = &data
	c.order = append(c.order, s)

	if data.IsAdmin() {
		s.QueueMessage(protocol.EncodeAdminUserList(c.id, c.userEntries(true)))
	} else {
		s.QueueMessage(protocol.EncodeUserList(c.id, c.userEntries(false)))
	}

	if len(c.users) <= 1 {
		return
	}

	entry := c.userEntry(&data, true)
	addMsg := protocol.EncodeUserListAdd(c.id, entry)
	adminAddMsg := protocol.EncodeAdminUserListAdd(c.id, entry)
	c.ForEachUser(func(other *UserData, member Sender) {
		if member == s {
			return
		}
		if other.IsAdmin() {
			member.QueueMessage(adminAddMsg)
		} else {
			member.QueueMessage(addMsg)
		}
	})
}

// RemoveUser erases a member, purges it from the turn state and the vote
// tally, and broadcasts the leave.
func (c *Channel) RemoveUser(s Sender) {
	data, ok := c.users[s]
	if !ok {
		return
	}
	retally := c.voteActive && data.voted
	if retally {
		if data.votedYes {
			c.voteYes--
		} else {
			c.voteNo--
		}
	}
	delete(c.users, s)
	for i, member := range c.order {
		if member == s {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.turn.Remove(s)
	c.Broadcast(protocol.EncodeUserListRemove(c.id, data.Username))
	if retally {
		c.broadcastVoteStatus()
	}
}

// Rename rewrites a member's username and broadcasts the change.
// Renaming to the current name is a no-op.
func (c *Channel) Rename(s Sender, newName string) {
	data, ok := c.users[s]
	if !ok || data.Username == newName {
		return
	}
	oldName := data.Username
	data.Username = newName
	c.Broadcast(protocol.EncodeUsernameChanged(c.id, oldName, newName))
}

// AddChatMessage appends to the ring and broadcasts the message.
func (c *Channel) AddChatMessage(s Sender, text string) {
	data, ok := c.users[s]
	if !ok {
		return
	}
	entry := c.room.AddMessage(data.Username, data.Type, text)
	c.Broadcast(protocol.EncodeChat(c.id, entry))
}

// RequestTurn enqueues a turn request from a member.
func (c *Channel) RequestTurn(s Sender) {
	if _, ok := c.users[s]; !ok {
		return
	}
	c.turn.Request(s)
}

// EndTurn releases the turn if s holds it.
func (c *Channel) EndTurn(s Sender) {
	c.turn.End(s)
}

// Clear removes all members and resets turn and vote state. Used when a VM
// is deleted.
func (c *Channel) Clear() {
	c.users = make(map[Sender]*UserData)
	c.order = nil
	c.turn.Clear()
	c.cancelVote()
}

func (c *Channel) userEntries(withIP bool) []protocol.UserEntry {
	entries := make([]protocol.UserEntry, 0, len(c.order))
	for _, s := range c.order {
		entries = append(entries, c.userEntry(c.users[s], withIP))
	}
	return entries
}

func (c *Channel) userEntry(data *UserData, withIP bool) protocol.UserEntry {
	entry := protocol.UserEntry{Username: data.Username, Type: data.Type}
	if withIP {
		entry.IPHi, entry.IPLo = IPToPair(data.IP)
	}
	return entry
}

func (c *Channel) broadcastTurnInfo() {
	var users []string
	if holder, ok := c.turn.Holder(); ok {
		if data, ok := c.users[holder]; ok {
			users = append(users, data.Username)
		}
	}
	for _, queued := range c.turn.Queue() {
		if data, ok := c.users[queued]; ok {
			users = append(users, data.Username)
		}
	}
	remaining := uint32(c.turn.Remaining().Milliseconds())
	c.Broadcast(protocol.EncodeTurnInfo(c.id, remaining, c.turn.Paused(), users))
}

// IPToPair splits a 16-byte address into the two big-endian words used on
// the wire. IPv4 addresses are IPv4-mapped IPv6.
func IPToPair(ip net.IP) (hi, lo uint64) {
	ip16 := ip.To16()
	if ip16 == nil {
		return 0, 0
	}
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(ip16[i])
		lo = lo<<8 | uint64(ip16[i+8])
	}
	return hi, lo
}
