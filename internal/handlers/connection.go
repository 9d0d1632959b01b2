// internal/handlers/connection.go
package handlers

import (
	"sync"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/blockfall/internal/match"
	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/sirupsen/logrus"
)

// outQueueSize bounds the events buffered for one client.
const outQueueSize = 64

// Connection is a single client's live transport. It only remembers which
// room and player it is bound to; room state lives in the coordinator.
type Connection struct {
	ID         string
	RemoteAddr string
	OutChan    chan protocol.Event

	logger *logrus.Entry

	mu      sync.Mutex
	binding match.Binding

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   websocket.StatusCode
	closeReason string

	// done is closed once the write pump has stopped.
	done chan struct{}
}

func newConnection(id, remoteAddr string, logger *logrus.Logger) *Connection {
	return &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		OutChan:    make(chan protocol.Event, outQueueSize),
		logger:     logger.WithFields(logrus.Fields{"conn": id, "remote": remoteAddr}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Send queues ev for the write pump without blocking. A client that stops
// reading is disconnected rather than allowed to stall its room.
func (conn *Connection) Send(ev protocol.Event) {
	select {
	case conn.OutChan <- ev:
	default:
		conn.logger.Warnf("OutChan full; dropped %s and closing slow client.", ev.EventType())
		conn.Close(SlowConsumerClose, "outbound queue overflow")
	}
}

// WriteError sends the error frame for err.
func (conn *Connection) WriteError(err error) {
	conn.Send(match.ErrorEvent(err))
}

// Close asks the write pump to flush what is queued and close the socket.
func (conn *Connection) Close(code websocket.StatusCode, reason string) {
	conn.closeOnce.Do(func() {
		conn.closeCode = code
		conn.closeReason = reason
		close(conn.closing)
	})
}

// Binding returns the room binding, if any.
func (conn *Connection) Binding() match.Binding {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.binding
}

func (conn *Connection) bind(b match.Binding) {
	conn.mu.Lock()
	conn.binding = b
	conn.mu.Unlock()
}

func (conn *Connection) unbind() {
	conn.mu.Lock()
	conn.binding = match.Binding{}
	conn.mu.Unlock()
}
