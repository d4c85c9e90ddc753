package server

import (
	"time"

	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// maxDirectChats caps the direct-chat table of one session.
const maxDirectChats = 10

// A direct chat is a pair of symmetric table rows, one per participant,
// cross-referencing each other's local ids. Setup is a two-phase hop
// through both session owners; a pending row carries peer id 0 until the
// far side has allocated its own. Local ids start at 1, so deleting id 0
// on a peer is always a no-op.

// sendDirectChat routes one message through an established direct chat.
// Owner-only.
func (s *Session) sendDirectChat(localID uint32, text string) {
	dc, ok := s.directChats[localID]
	if !ok || dc.peerID == 0 {
		return
	}
	entry := protocol.ChatEntry{
		Sender:    s.username,
		Type:      s.userType,
		Text:      text,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	dc.peer.QueueMessage(protocol.EncodeChat(dc.peerID, entry))
	s.QueueMessage(protocol.EncodeChat(localID, entry))
}

// openDirectChat establishes a direct chat with the named user and
// delivers the initial message. Owner-only.
func (s *Session) openDirectChat(username string, text string) {
	if len(s.directChats) >= maxDirectChats {
		s.QueueMessage(protocol.EncodeChatResponse(protocol.ChatLimitReached))
		return
	}
	srv := s.server
	srv.state.Dispatch(func() {
		peer, ok := srv.findSessionByUsername(username)
		if !ok || peer == s {
			s.QueueMessage(protocol.EncodeChatResponse(protocol.ChatUserNotFound))
			return
		}
		s.Dispatch(func() {
			if s.closed {
				return
			}
			s.beginDirectChat(peer, text)
		})
	})
}

// beginDirectChat runs phase one on the sender's owner: reuse or allocate
// the local row, then hop to the peer.
func (s *Session) beginDirectChat(peer *Session, text string) {
	for id, dc := range s.directChats {
		if dc.peer != peer {
			continue
		}
		if dc.peerID != 0 {
			s.sendDirectChat(id, text)
		}
		// Setup still in flight; the concurrent completion will finish it.
		return
	}
	if len(s.directChats) >= maxDirectChats {
		s.QueueMessage(protocol.EncodeChatResponse(protocol.ChatLimitReached))
		return
	}
	s.nextDirectID++
	senderID := s.nextDirectID
	s.directChats[senderID] = directPeer{peer: peer, peerID: 0}

	senderName := s.username
	peer.Dispatch(func() {
		s.acceptDirectChat(peer, senderID, senderName, text)
	})
}

// acceptDirectChat runs phase two on the peer's owner: allocate or reuse
// the peer-side row, then hop back to complete the sender's row. Runs on
// peer's owner; s is the initiating session.
func (s *Session) acceptDirectChat(peer *Session, senderID uint32, senderName, text string) {
	if peer.closed {
		s.Dispatch(func() {
			delete(s.directChats, senderID)
			s.QueueMessage(protocol.EncodeChatResponse(protocol.ChatUserNotFound))
		})
		return
	}

	var recipientID uint32
	for id, dc := range peer.directChats {
		if dc.peer != s {
			continue
		}
		if dc.peerID == 0 {
			// Both sides initiated concurrently; cross-link this one.
			peer.directChats[id] = directPeer{peer: s, peerID: senderID}
		}
		recipientID = id
		break
	}
	if recipientID == 0 {
		if len(peer.directChats) >= maxDirectChats {
			s.Dispatch(func() {
				delete(s.directChats, senderID)
				s.QueueMessage(protocol.EncodeChatResponse(protocol.ChatRecipientLimitReached))
			})
			return
		}
		peer.nextDirectID++
		recipientID = peer.nextDirectID
		peer.directChats[recipientID] = directPeer{peer: s, peerID: senderID}
		peer.QueueMessage(protocol.EncodeNewChatChannel(recipientID, senderName))
	}

	rID, peerName := recipientID, peer.username
	s.Dispatch(func() {
		s.completeDirectChat(peer, senderID, rID, peerName, text)
	})
}

// completeDirectChat runs the final phase on the sender's owner: fill in
// the peer id and deliver the initial message to both ends.
func (s *Session) completeDirectChat(peer *Session, senderID, recipientID uint32, peerName, text string) {
	dc, ok := s.directChats[senderID]
	if !ok || s.closed {
		// The sender went away mid-setup; unwind the peer-side row.
		peer.Dispatch(func() {
			delete(peer.directChats, recipientID)
		})
		return
	}
	if dc.peerID == 0 {
		dc.peerID = recipientID
		s.directChats[senderID] = dc
		s.QueueMessage(protocol.EncodeNewChatChannel(senderID, peerName))
	}
	s.sendDirectChat(senderID, text)
}
