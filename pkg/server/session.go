package server

import (
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabvm/collabvm-server/pkg/channel"
	"github.com/collabvm/collabvm-server/pkg/executor"
	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// directPeer is one end of an established direct chat as seen from the
// session that owns the table entry.
type directPeer struct {
	peer   *Session
	peerID uint32 // the id the peer knows this chat by
}

var sessionSeq atomic.Uint64

// Session is one live client connection. All fields below the connection
// handles are owned by the session's executor; other owners reach them
// only through Dispatch or QueueMessage.
type Session struct {
	server *Server
	exec   *executor.Executor
	conn   *websocket.Conn
	logger *slog.Logger
	ip     net.IP

	sessionID []byte // opaque id, present only when logged in
	userType  protocol.UserType
	username  string

	captchaRequired bool

	// Pending two-factor continuation from a login that returned
	// TWO_FACTOR_REQUIRED.
	pendingTOTP      string
	pendingTOTPUser  string
	pendingTOTPAdmin bool

	inChannel bool
	channelID uint32 // meaningful only when inChannel; 0 is the lobby

	viewingList  bool
	viewingAdmin bool

	lastChat   time.Time
	lastRename time.Time

	directChats  map[uint32]directPeer
	nextDirectID uint32

	// Send pipeline.
	queue   [][]byte
	sending bool
	closed  bool
}

func newSession(server *Server, conn *websocket.Conn, ip net.IP) *Session {
	id := sessionSeq.Add(1)
	logger := server.logger.With("component", "session", "session", id)
	return &Session{
		server:      server,
		exec:        executor.New("session-"+strconv.FormatUint(id, 10), logger),
		conn:        conn,
		logger:      logger,
		ip:          ip,
		userType:    protocol.UserTypeGuest,
		directChats: make(map[uint32]directPeer),
	}
}

// Dispatch enqueues a task on the session's owner.
func (s *Session) Dispatch(task func()) {
	s.exec.Dispatch(task)
}

// IsAdmin reports admin capability. Owner-only.
func (s *Session) IsAdmin() bool {
	return s.userType == protocol.UserTypeAdmin
}

// QueueMessage appends a frame to the outbound queue, starting a write
// turn when none is in flight. Implements channel.Sender; safe from any
// goroutine.
func (s *Session) QueueMessage(msg []byte) {
	s.exec.Dispatch(func() {
		if s.closed {
			return
		}
		s.queue = append(s.queue, msg)
		if s.sending {
			if len(s.queue) > sendQueueLimit {
				// Slow consumer: the socket cannot keep up with fan-out.
				s.server.metrics.slowConsumers.Inc()
				s.logger.Warn("send queue overflow, disconnecting", "queued", len(s.queue))
				s.teardown()
			}
			return
		}
		s.startSend()
	})
}

// readLoop consumes client frames until the socket dies. Runs on its own
// goroutine; everything it learns hops into the session owner.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.exec.Dispatch(s.teardown)
			return
		}
		s.server.metrics.framesIn.Inc()

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			// Protocol violation: close rather than guess.
			s.server.metrics.protocolErrors.Inc()
			s.logger.Warn("protocol violation", "error", err)
			s.exec.Dispatch(s.teardown)
			return
		}
		s.exec.Dispatch(func() {
			s.handle(msg)
		})
	}
}

// teardown closes the socket and detaches the session from every owner
// that references it. Owner-only; idempotent.
func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	_ = s.conn.Close()

	// Tear both ends off every direct chat.
	for id, dc := range s.directChats {
		delete(s.directChats, id)
		peer, peerID := dc.peer, dc.peerID
		peer.Dispatch(func() {
			delete(peer.directChats, peerID)
		})
	}

	if s.inChannel {
		s.leaveChannel()
	}

	srv := s.server
	srv.state.Dispatch(func() {
		srv.dropSession(s)
	})
	srv.registry.Dispatch(func() {
		srv.registry.RemoveViewer(s)
	})
	srv.ipTable.Release(s.ip.String())
	srv.metrics.activeSessions.Dec()

	// The executor cannot drain itself from inside a task.
	go s.exec.Close()
}

// leaveChannel detaches from the connected channel. Owner-only.
func (s *Session) leaveChannel() {
	if !s.inChannel {
		return
	}
	id := s.channelID
	s.inChannel = false
	s.channelID = 0

	if id == lobbyID {
		srv := s.server
		srv.state.Dispatch(func() {
			srv.lobby.RemoveUser(s)
		})
		return
	}
	if vm, ok := s.server.lookupVM(id); ok {
		vm.Dispatch(func() {
			vm.Channel.RemoveUser(s)
		})
	}
}

func (s *Session) startSend() {
	batch := s.queue
	s.queue = nil
	s.sending = true
	go s.writeBatch(batch)
}

// writeBatch writes one drained batch frame by frame, then hops back to
// the owner to either continue or go idle.
func (s *Session) writeBatch(batch [][]byte) {
	for _, frame := range batch {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.exec.Dispatch(func() {
				s.sending = false
				s.teardown()
			})
			return
		}
		s.server.metrics.framesOut.Inc()
	}
	s.exec.Dispatch(func() {
		s.sending = false
		if s.closed || len(s.queue) == 0 {
			return
		}
		s.startSend()
	})
}

var _ channel.Sender = (*Session)(nil)
