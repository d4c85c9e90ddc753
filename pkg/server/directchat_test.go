package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/collabvm/collabvm-server/pkg/channel"
	"github.com/collabvm/collabvm-server/pkg/executor"
	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// newPipelineServer builds a server with live executors but no sockets or
// database, enough to route messages between sessions.
func newPipelineServer(t *testing.T) *Server {
	t.Helper()
	srv := &Server{
		state:         executor.New("server-state", nil),
		metrics:       NewMetrics(prometheus.NewRegistry()),
		sessions:      make(map[*Session]struct{}),
		byUsername:    make(map[string]*Session),
		byID:          make(map[string]*Session),
		reserved:      make(map[string]struct{}),
		configViewers: make(map[*Session]struct{}),
		settings:      protocol.DefaultServerSettings(),
	}
	srv.lobby = channel.New(lobbyID, srv.state.Dispatch,
		func() time.Duration { return 0 },
		func() time.Duration { return 0 },
		nil)
	t.Cleanup(srv.state.Close)
	return srv
}

// newPipelineSession builds a session whose send pipeline only queues:
// sending stays latched so no write turn ever reaches a socket.
func newPipelineSession(t *testing.T, srv *Server, name string) *Session {
	t.Helper()
	s := &Session{
		server:      srv,
		exec:        executor.New("session-"+name, nil),
		logger:      slog.Default(),
		username:    name,
		userType:    protocol.UserTypeGuest,
		directChats: make(map[uint32]directPeer),
		sending:     true,
	}
	srv.sessions[s] = struct{}{}
	srv.byUsername[strings.ToLower(name)] = s
	t.Cleanup(s.exec.Close)
	return s
}

// onSession runs f on the session owner and waits for it.
func onSession(t *testing.T, s *Session, f func()) {
	t.Helper()
	done := make(chan struct{})
	s.Dispatch(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session task never ran")
	}
}

// onState runs f on the server state owner and waits for it.
func onState(t *testing.T, srv *Server, f func()) {
	t.Helper()
	done := make(chan struct{})
	srv.state.Dispatch(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("state task never ran")
	}
}

// queuedFrames snapshots the session's outbound queue.
func queuedFrames(t *testing.T, s *Session) [][]byte {
	t.Helper()
	var frames [][]byte
	onSession(t, s, func() {
		frames = append(frames, s.queue...)
	})
	return frames
}

func hasTag(frames [][]byte, tag protocol.ServerTag) bool {
	for _, f := range frames {
		if len(f) > 0 && protocol.ServerTag(f[0]) == tag {
			return true
		}
	}
	return false
}

func hasFrame(frames [][]byte, want []byte) bool {
	for _, f := range frames {
		if bytes.Equal(f, want) {
			return true
		}
	}
	return false
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDirectChatSetupDeliversBothEnds(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")
	bob := newPipelineSession(t, srv, "bob")

	onSession(t, alice, func() { alice.openDirectChat("bob", "hey") })

	waitUntil(t, "initial message never reached both ends", func() bool {
		return hasTag(queuedFrames(t, alice), protocol.ServerChat) &&
			hasTag(queuedFrames(t, bob), protocol.ServerChat)
	})

	// Both ends announce the new chat channel before the message.
	if !hasTag(queuedFrames(t, alice), protocol.ServerNewChatChannel) {
		t.Error("alice never got the new chat channel notice")
	}
	if !hasTag(queuedFrames(t, bob), protocol.ServerNewChatChannel) {
		t.Error("bob never got the new chat channel notice")
	}

	// The table rows cross-reference each other's local ids.
	var aliceID, alicePeerID uint32
	onSession(t, alice, func() {
		if len(alice.directChats) != 1 {
			t.Errorf("alice has %d chats, want 1", len(alice.directChats))
			return
		}
		for id, dc := range alice.directChats {
			if dc.peer != bob || dc.peerID == 0 {
				t.Errorf("alice row = %+v", dc)
			}
			aliceID, alicePeerID = id, dc.peerID
		}
	})
	onSession(t, bob, func() {
		dc, ok := bob.directChats[alicePeerID]
		if !ok || dc.peer != alice || dc.peerID != aliceID {
			t.Errorf("bob row for id %d = %+v, %v", alicePeerID, dc, ok)
		}
	})
}

func TestDirectChatUnknownUser(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")

	onSession(t, alice, func() { alice.openDirectChat("nobody", "hi") })

	want := protocol.EncodeChatResponse(protocol.ChatUserNotFound)
	waitUntil(t, "no user-not-found response", func() bool {
		return hasFrame(queuedFrames(t, alice), want)
	})
	onSession(t, alice, func() {
		if len(alice.directChats) != 0 {
			t.Errorf("alice has %d chats after a failed open", len(alice.directChats))
		}
	})
}

func TestDirectChatSenderAtLimit(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")
	bob := newPipelineSession(t, srv, "bob")

	onSession(t, alice, func() {
		for i := 0; i < maxDirectChats; i++ {
			alice.nextDirectID++
			alice.directChats[alice.nextDirectID] = directPeer{peer: &Session{}, peerID: 1}
		}
		alice.openDirectChat("bob", "hi")
	})

	want := protocol.EncodeChatResponse(protocol.ChatLimitReached)
	waitUntil(t, "no limit-reached response", func() bool {
		return hasFrame(queuedFrames(t, alice), want)
	})
	onState(t, srv, func() {})
	onSession(t, bob, func() {
		if len(bob.queue) != 0 || len(bob.directChats) != 0 {
			t.Error("a full sender table still reached the peer")
		}
	})
}

func TestDirectChatPeerAtLimitRollsBack(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")
	bob := newPipelineSession(t, srv, "bob")

	onSession(t, bob, func() {
		for i := 0; i < maxDirectChats; i++ {
			bob.nextDirectID++
			bob.directChats[bob.nextDirectID] = directPeer{peer: &Session{}, peerID: 1}
		}
	})

	onSession(t, alice, func() { alice.openDirectChat("bob", "hi") })

	want := protocol.EncodeChatResponse(protocol.ChatRecipientLimitReached)
	waitUntil(t, "no recipient-limit response", func() bool {
		return hasFrame(queuedFrames(t, alice), want)
	})

	// The sender's pending row was rolled back; the peer saw nothing.
	onSession(t, alice, func() {
		if len(alice.directChats) != 0 {
			t.Errorf("alice has %d chats after rollback", len(alice.directChats))
		}
	})
	if hasTag(queuedFrames(t, bob), protocol.ServerNewChatChannel) {
		t.Error("full peer still got a new chat channel notice")
	}
}

func TestDirectChatClosedPeerRollsBack(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")
	bob := newPipelineSession(t, srv, "bob")

	onSession(t, bob, func() { bob.closed = true })
	onSession(t, alice, func() { alice.openDirectChat("bob", "hi") })

	want := protocol.EncodeChatResponse(protocol.ChatUserNotFound)
	waitUntil(t, "no user-not-found response for a closed peer", func() bool {
		return hasFrame(queuedFrames(t, alice), want)
	})
	onSession(t, alice, func() {
		if len(alice.directChats) != 0 {
			t.Errorf("alice has %d chats after rollback", len(alice.directChats))
		}
	})
}

func TestDirectChatSenderClosedMidSetupUnwindsPeer(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")
	bob := newPipelineSession(t, srv, "bob")

	// Phase one ran, then the sender went away before completion.
	var id uint32
	onSession(t, alice, func() {
		alice.nextDirectID++
		id = alice.nextDirectID
		alice.directChats[id] = directPeer{peer: bob}
		alice.closed = true
	})
	onSession(t, bob, func() { alice.acceptDirectChat(bob, id, "alice", "hi") })

	waitUntil(t, "peer row never unwound", func() bool {
		empty := false
		onSession(t, bob, func() { empty = len(bob.directChats) == 0 })
		return empty
	})
}
