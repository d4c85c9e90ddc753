package server

import (
	"strings"

	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// The functions in this file run inside the state owner: the executor
// that serializes the session table, guest names, the lobby channel, the
// reserved-name snapshot, and the server settings.

// registerSession claims a guest name for a fresh connection and enters
// it into the table. Returns the allocated name.
func (srv *Server) registerSession(s *Session) string {
	name := srv.allocateGuestName()
	srv.sessions[s] = struct{}{}
	srv.byUsername[strings.ToLower(name)] = s
	return name
}

// dropSession erases every table entry for a closed session.
func (srv *Server) dropSession(s *Session) {
	if _, ok := srv.sessions[s]; !ok {
		return
	}
	delete(srv.sessions, s)
	delete(srv.configViewers, s)
	srv.lobby.RemoveUser(s)
	// The username entry may have been claimed by a newer session of the
	// same account; only remove it if it still points here.
	for key, owner := range srv.byUsername {
		if owner == s {
			delete(srv.byUsername, key)
		}
	}
	for key, owner := range srv.byID {
		if owner == s {
			delete(srv.byID, key)
		}
	}
}

// claimUsername moves a session's table entry to a new name. Fails when
// another live session holds the name or it is reserved. The logged-in
// flag bypasses the reservation check: accounts own their names.
func (srv *Server) claimUsername(s *Session, oldName, newName string, loggedIn bool) bool {
	key := strings.ToLower(newName)
	if owner, taken := srv.byUsername[key]; taken && owner != s {
		return false
	}
	if !loggedIn {
		if _, reserved := srv.reserved[key]; reserved {
			return false
		}
	}
	delete(srv.byUsername, strings.ToLower(oldName))
	srv.byUsername[key] = s
	return true
}

// bindSessionID indexes a logged-in session by its opaque id and evicts
// any prior session bound to the replaced id.
func (srv *Server) bindSessionID(s *Session, id, previous []byte) {
	if len(previous) > 0 {
		if old, ok := srv.byID[string(previous)]; ok && old != s {
			delete(srv.byID, string(previous))
			old.QueueMessage(protocol.EncodeSessionEnded())
			old.Dispatch(old.teardown)
		}
	}
	srv.byID[string(id)] = s
}

// findSessionByUsername resolves a live session by name.
func (srv *Server) findSessionByUsername(name string) (*Session, bool) {
	s, ok := srv.byUsername[strings.ToLower(name)]
	return s, ok
}
