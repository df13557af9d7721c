package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	outBufferSize  = 64
)

// session owns one device connection. All writes go through the out channel
// so a single goroutine touches the socket's write side.
type session struct {
	deviceID uuid.UUID
	conn     *websocket.Conn
	out      chan []byte
	done     chan struct{}
}

func newSession(deviceID uuid.UUID, conn *websocket.Conn) *session {
	return &session{
		deviceID: deviceID,
		conn:     conn,
		out:      make(chan []byte, outBufferSize),
		done:     make(chan struct{}),
	}
}

// send queues a frame for the writer pump. Returns false when the session
// is gone or its buffer is full, which callers treat as "not deliverable".
func (s *session) send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// writePump drains the out channel onto the socket until close.
func (s *session) writePump() {
	for {
		select {
		case frame, ok := <-s.out:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.conn.Close()
}
