package server

import (
	"testing"

	"github.com/collabvm/collabvm-server/pkg/protocol"
)

func TestCaptchaGateBlocksChat(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")
	bob := newPipelineSession(t, srv, "bob")

	msg := protocol.ChatMessage{DestKind: protocol.ChatDestNewDirect, Username: "bob", Text: "psst"}
	onSession(t, alice, func() {
		alice.captchaRequired = true
		alice.handle(msg)
	})
	onState(t, srv, func() {})
	onSession(t, bob, func() {
		if len(bob.queue) != 0 || len(bob.directChats) != 0 {
			t.Error("gated chat reached the peer")
		}
	})

	// Passing the gate lets the identical message through.
	onSession(t, alice, func() {
		alice.captchaRequired = false
		alice.handle(msg)
	})
	waitUntil(t, "ungated chat never arrived", func() bool {
		return hasTag(queuedFrames(t, bob), protocol.ServerChat)
	})
}

func TestCaptchaGateBlocksRename(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")

	onSession(t, alice, func() {
		alice.captchaRequired = true
		alice.handle(protocol.ChangeUsername{Username: "fresh"})
	})
	onState(t, srv, func() {})
	onSession(t, alice, func() {
		if alice.username != "alice" {
			t.Errorf("username = %q, want alice", alice.username)
		}
		if len(alice.queue) != 0 {
			t.Error("gated rename produced a reply")
		}
	})

	onSession(t, alice, func() {
		alice.captchaRequired = false
		alice.handle(protocol.ChangeUsername{Username: "fresh"})
	})
	waitUntil(t, "ungated rename never applied", func() bool {
		name := ""
		onSession(t, alice, func() { name = alice.username })
		return name == "fresh"
	})
}

func TestCaptchaGateBlocksChannelJoin(t *testing.T) {
	srv := newPipelineServer(t)
	alice := newPipelineSession(t, srv, "alice")

	onSession(t, alice, func() {
		alice.captchaRequired = true
		alice.handle(protocol.ConnectToChannel{Channel: lobbyID})
	})
	onState(t, srv, func() {})
	onSession(t, alice, func() {
		if alice.inChannel || len(alice.queue) != 0 {
			t.Error("gated join entered the lobby")
		}
	})

	onSession(t, alice, func() {
		alice.captchaRequired = false
		alice.handle(protocol.ConnectToChannel{Channel: lobbyID})
	})
	waitUntil(t, "ungated join never completed", func() bool {
		joined := false
		onSession(t, alice, func() { joined = alice.inChannel })
		return joined && hasTag(queuedFrames(t, alice), protocol.ServerConnectResult)
	})
}

func TestServerConfigRequiresAdmin(t *testing.T) {
	srv := newPipelineServer(t)
	guest := newPipelineSession(t, srv, "guest1000")
	admin := newPipelineSession(t, srv, "root")
	onSession(t, admin, func() { admin.userType = protocol.UserTypeAdmin })

	onSession(t, guest, func() { guest.handle(protocol.ServerConfigRequest{}) })
	onState(t, srv, func() {
		if len(srv.configViewers) != 0 {
			t.Error("guest entered the config viewer set")
		}
	})
	onSession(t, guest, func() {
		if len(guest.queue) != 0 {
			t.Error("guest got a config reply")
		}
	})

	onSession(t, admin, func() { admin.handle(protocol.ServerConfigRequest{}) })
	waitUntil(t, "admin never got the config", func() bool {
		return hasTag(queuedFrames(t, admin), protocol.ServerConfig)
	})
	onState(t, srv, func() {
		if _, ok := srv.configViewers[admin]; !ok {
			t.Error("admin missing from the config viewer set")
		}
	})
}

func TestServerConfigHiddenRequiresAdmin(t *testing.T) {
	srv := newPipelineServer(t)
	s := newPipelineSession(t, srv, "alice")
	onState(t, srv, func() { srv.configViewers[s] = struct{}{} })

	// Not an admin: the hide is ignored.
	onSession(t, s, func() { s.handle(protocol.ServerConfigHidden{}) })
	onState(t, srv, func() {
		if _, ok := srv.configViewers[s]; !ok {
			t.Error("non-admin hide removed the viewer entry")
		}
	})

	onSession(t, s, func() {
		s.userType = protocol.UserTypeAdmin
		s.handle(protocol.ServerConfigHidden{})
	})
	waitUntil(t, "admin hide never applied", func() bool {
		present := false
		onState(t, srv, func() { _, present = srv.configViewers[s] })
		return !present
	})
}
