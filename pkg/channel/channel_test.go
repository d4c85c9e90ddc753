package channel

import (
	"net"
	"testing"
	"time"

	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// fakeSender records queued frames.
type fakeSender struct {
	msgs [][]byte
}

func (f *fakeSender) QueueMessage(msg []byte) {
	f.msgs = append(f.msgs, msg)
}

func (f *fakeSender) tags() []protocol.ServerTag {
	out := make([]protocol.ServerTag, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, protocol.ServerTag(m[0]))
	}
	return out
}

func (f *fakeSender) lastTag() protocol.ServerTag {
	return protocol.ServerTag(f.msgs[len(f.msgs)-1][0])
}

func syncDispatch(f func()) { f() }

func newTestChannel(voteTime time.Duration, onVoteEnd func(bool)) *Channel {
	return New(7, syncDispatch,
		func() time.Duration { return time.Hour },
		func() time.Duration { return voteTime },
		onVoteEnd)
}

func guest(name string) UserData {
	return UserData{Username: name, Type: protocol.UserTypeGuest, IP: net.IPv4(10, 0, 0, 1)}
}

func TestAddUserSendsUserListAndBroadcastsJoin(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	bob := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.AddUser(guest("bob"), bob)

	if len(alice.msgs) < 2 {
		t.Fatalf("alice got %d messages, want list + join", len(alice.msgs))
	}
	if got := protocol.ServerTag(alice.msgs[0][0]); got != protocol.ServerUserList {
		t.Fatalf("alice first tag = 0x%02x, want user list", got)
	}
	if got := alice.lastTag(); got != protocol.ServerUserListAdd {
		t.Fatalf("alice last tag = 0x%02x, want user list add", got)
	}
	// The joiner gets the full list, not its own join notice.
	if got := bob.lastTag(); got != protocol.ServerUserList {
		t.Fatalf("bob last tag = 0x%02x, want user list", got)
	}
}

func TestAdminGetsAdminUserList(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	admin := &fakeSender{}
	c.AddUser(UserData{Username: "root", Type: protocol.UserTypeAdmin}, admin)

	if got := protocol.ServerTag(admin.msgs[0][0]); got != protocol.ServerAdminUserList {
		t.Fatalf("admin first tag = 0x%02x, want admin user list", got)
	}
}

func TestRemoveUserBroadcastsLeave(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	bob := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.AddUser(guest("bob"), bob)

	c.RemoveUser(alice)

	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if got := bob.lastTag(); got != protocol.ServerUserListRemove {
		t.Fatalf("bob last tag = 0x%02x, want user list remove", got)
	}
}

func TestRemoveHolderReleasesTurn(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	bob := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.AddUser(guest("bob"), bob)

	c.RequestTurn(alice)
	c.RequestTurn(bob)
	c.RemoveUser(alice)

	holder, ok := c.Turn().Holder()
	if !ok || holder != Sender(bob) {
		t.Fatal("turn did not pass to bob when the holder left")
	}
}

func TestRenameBroadcasts(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.Rename(alice, "alicia")

	if got := alice.lastTag(); got != protocol.ServerUsernameChanged {
		t.Fatalf("last tag = 0x%02x, want username changed", got)
	}
	data, _ := c.GetUserData(alice)
	if data.Username != "alicia" {
		t.Fatalf("username = %q, want alicia", data.Username)
	}
}

func TestRenameToSameNameIsNoop(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	before := len(alice.msgs)
	c.Rename(alice, "alice")
	if len(alice.msgs) != before {
		t.Fatal("no-op rename broadcast a change")
	}
}

func TestChatMessageBroadcastsToAll(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	bob := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.AddUser(guest("bob"), bob)

	c.AddChatMessage(alice, "hello")

	if got := alice.lastTag(); got != protocol.ServerChat {
		t.Fatalf("alice last tag = 0x%02x, want chat", got)
	}
	if got := bob.lastTag(); got != protocol.ServerChat {
		t.Fatalf("bob last tag = 0x%02x, want chat", got)
	}
	if c.ChatRoom().Len() != 1 {
		t.Fatalf("room len = %d, want 1", c.ChatRoom().Len())
	}
}

func TestNoVoteCannotStartVote(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	before := len(alice.msgs)

	c.Vote(alice, false)

	if len(alice.msgs) != before {
		t.Fatal("a no vote started a vote")
	}
}

func awaitVote(t *testing.T, results chan bool) bool {
	t.Helper()
	select {
	case passed := <-results:
		return passed
	case <-time.After(time.Second):
		t.Fatal("vote never ended")
		return false
	}
}

func TestVotePassesWhenYesOutnumbersNo(t *testing.T) {
	results := make(chan bool, 1)
	c := newTestChannel(20*time.Millisecond, func(passed bool) {
		results <- passed
	})

	alice := &fakeSender{}
	bob := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.AddUser(guest("bob"), bob)

	c.Vote(alice, true)
	c.Vote(bob, true)

	if !awaitVote(t, results) {
		t.Fatal("vote failed, want passed")
	}
}

func TestLeavingVoterRetallies(t *testing.T) {
	results := make(chan bool, 1)
	c := newTestChannel(20*time.Millisecond, func(passed bool) {
		results <- passed
	})

	alice := &fakeSender{}
	bob := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.AddUser(guest("bob"), bob)

	c.Vote(alice, true)
	c.Vote(bob, false)
	// The only yes voter leaves; 0 yes vs 1 no fails.
	c.RemoveUser(alice)

	if awaitVote(t, results) {
		t.Fatal("vote passed after the yes voter left")
	}
}

func TestLeavingVoterRebroadcastsTally(t *testing.T) {
	c := newTestChannel(time.Hour, nil)

	alice := &fakeSender{}
	bob := &fakeSender{}
	charlie := &fakeSender{}
	c.AddUser(guest("alice"), alice)
	c.AddUser(guest("bob"), bob)
	c.AddUser(guest("charlie"), charlie)

	c.Vote(alice, true)
	c.Vote(bob, true)

	// A voter leaving changes the tally, so the remaining users get a
	// fresh vote status after the leave notice.
	c.RemoveUser(alice)
	if got := bob.lastTag(); got != protocol.ServerVoteStatus {
		t.Fatalf("bob last tag = 0x%02x, want vote status", got)
	}
	if c.voteYes != 1 {
		t.Fatalf("voteYes = %d, want 1", c.voteYes)
	}

	// A non-voter leaving does not.
	c.RemoveUser(charlie)
	if got := bob.lastTag(); got != protocol.ServerUserListRemove {
		t.Fatalf("bob last tag = 0x%02x, want user list remove", got)
	}
}

func TestChangingSidesRetallies(t *testing.T) {
	results := make(chan bool, 1)
	c := newTestChannel(20*time.Millisecond, func(passed bool) {
		results <- passed
	})

	alice := &fakeSender{}
	c.AddUser(guest("alice"), alice)

	c.Vote(alice, true)
	c.Vote(alice, false)

	if awaitVote(t, results) {
		t.Fatal("vote passed after the voter switched to no")
	}
}

func TestIPToPair(t *testing.T) {
	hi, lo := IPToPair(net.ParseIP("192.0.2.1"))
	// IPv4-mapped: ::ffff:192.0.2.1
	if hi != 0 {
		t.Fatalf("hi = %#x, want 0", hi)
	}
	if lo != 0x0000ffffc0000201 {
		t.Fatalf("lo = %#x, want 0x0000ffffc0000201", lo)
	}
}
