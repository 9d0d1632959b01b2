package client

import "github.com/jason-s-yu/blockfall/internal/protocol"

// EventKind enumerates every callback slot a Session exposes.
type EventKind int

const (
	// Local transport lifecycle.
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventReconnectFailed
	EventTransportError

	// Server-pushed.
	EventRoomCreated
	EventRoomJoined
	EventReconnected
	EventPlayerJoined
	EventPlayerReady
	EventGameStart
	EventOpponentUpdate
	EventIncomingGarbage
	EventGarbageSent
	EventPlayerGameOver
	EventPlayerEliminated
	EventRoyaleResults
	EventRematchRequested
	EventRematchDeclined
	EventRematchStarting
	EventEmojiReceived
	EventPlayerLeft
	EventPlayerDisconnected
	EventPlayerReconnected
	EventError
	EventRoomExpired
	EventServerShutdown
	EventPong

	numEventKinds
)

var eventNames = [numEventKinds]string{
	EventConnected:          "connected",
	EventDisconnected:       "disconnected",
	EventReconnecting:       "reconnecting",
	EventReconnectFailed:    "reconnect_failed",
	EventTransportError:     "transport_error",
	EventRoomCreated:        string(protocol.TypeRoomCreated),
	EventRoomJoined:         string(protocol.TypeRoomJoined),
	EventReconnected:        string(protocol.TypeReconnected),
	EventPlayerJoined:       string(protocol.TypePlayerJoined),
	EventPlayerReady:        string(protocol.TypePlayerReady),
	EventGameStart:          string(protocol.TypeGameStart),
	EventOpponentUpdate:     string(protocol.TypeOpponentUpdate),
	EventIncomingGarbage:    string(protocol.TypeIncomingGarbage),
	EventGarbageSent:        string(protocol.TypeGarbageSent),
	EventPlayerGameOver:     string(protocol.TypePlayerGameOver),
	EventPlayerEliminated:   string(protocol.TypePlayerEliminated),
	EventRoyaleResults:      string(protocol.TypeRoyaleResults),
	EventRematchRequested:   string(protocol.TypeRematchRequested),
	EventRematchDeclined:    string(protocol.TypeRematchDeclined),
	EventRematchStarting:    string(protocol.TypeRematchStarting),
	EventEmojiReceived:      string(protocol.TypeEmojiReceived),
	EventPlayerLeft:         string(protocol.TypePlayerLeft),
	EventPlayerDisconnected: string(protocol.TypePlayerDisconnected),
	EventPlayerReconnected:  string(protocol.TypePlayerReconnected),
	EventError:              string(protocol.TypeError),
	EventRoomExpired:        string(protocol.TypeRoomExpired),
	EventServerShutdown:     string(protocol.TypeServerShutdown),
	EventPong:               string(protocol.TypePong),
}

func (k EventKind) String() string {
	if k < 0 || k >= numEventKinds {
		return "unknown"
	}
	return eventNames[k]
}

var kindByType = func() map[protocol.MessageType]EventKind {
	m := make(map[protocol.MessageType]EventKind)
	for k := EventRoomCreated; k < numEventKinds; k++ {
		m[protocol.MessageType(eventNames[k])] = k
	}
	return m
}()

// Event is what a handler receives. Payload is set for server-pushed events
// and is one of the protocol event pointer types (e.g. *protocol.GameStart).
type Event struct {
	Kind    EventKind
	Payload protocol.Event

	// Attempt and MaxAttempts are set for EventReconnecting.
	Attempt     int
	MaxAttempts int
	// Err is set for EventTransportError.
	Err error
}

// Handler receives events on the session's read goroutine. It must not block.
type Handler func(Event)
