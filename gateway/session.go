package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collab.evalgo.org/common"
)

const (
	// sendBuffer bounds the per-session outbound queue. A session that
	// cannot drain it is considered dead and closed.
	sendBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Session is one WebSocket connection. Identity arrives via authenticate;
// until then the session acts as "anonymous". All writes to the socket go
// through the send channel so the write pump is the only writer.
type Session struct {
	ClientID string

	conn *websocket.Conn
	send chan []byte

	mu          sync.Mutex
	closed      bool
	userID      string
	userName    string
	userPicture string
	diagramID   string
}

func newSession(clientID string, conn *websocket.Conn) *Session {
	return &Session{
		ClientID: clientID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
}

// Identity returns the session's user fields, falling back to "anonymous"
// for sessions that never authenticated.
func (s *Session) Identity() (userID, userName, userPicture string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		return "anonymous", "", ""
	}
	return s.userID, s.userName, s.userPicture
}

func (s *Session) setIdentity(userID, userName, userPicture string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.userName = userName
	s.userPicture = userPicture
}

// DiagramID returns the diagram the session has joined, or "".
func (s *Session) DiagramID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diagramID
}

func (s *Session) setDiagramID(diagramID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagramID = diagramID
}

// Send queues a message for delivery. A full queue closes the session: a
// client that cannot keep up would otherwise stall fan-out buffers forever.
// Messages sent after close are dropped; the channel send and the channel
// close both happen under s.mu so a concurrent disconnect cannot panic a
// broadcasting goroutine.
func (s *Session) Send(event string, data interface{}) {
	msg, err := encode(event, data)
	if err != nil {
		common.Logger.WithError(err).WithField("event", event).Error("Failed to encode outbound message")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.send <- msg:
		s.mu.Unlock()
	default:
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		common.Logger.WithField("client", s.ClientID).Warn("Session send buffer full, closing")
	}
}

// close stops the write pump, which closes the socket and unblocks the read
// loop. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// writePump is the only goroutine writing to the connection. It drains the
// send queue in order and keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
