// internal/protocol/codec.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned for frames that are not valid JSON objects
	// or are missing fields their type requires.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownType is returned for well-formed frames with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
)

var inboundTypes = map[MessageType]bool{
	TypeCreateRoom:     true,
	TypeJoinRoom:       true,
	TypeReconnect:      true,
	TypeReady:          true,
	TypeLeaveRoom:      true,
	TypeGameUpdate:     true,
	TypeGameOver:       true,
	TypeSendGarbage:    true,
	TypeSendEmoji:      true,
	TypeRequestRematch: true,
	TypeDeclineRematch: true,
	TypePing:           true,
}

// ParseInbound decodes a client frame and checks the fields its type needs.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if !inboundTypes[in.Type] {
		return in, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}

	switch in.Type {
	case TypeJoinRoom:
		if in.RoomCode == "" {
			return in, fmt.Errorf("%w: join_room requires roomCode", ErrMalformedMessage)
		}
	case TypeReconnect:
		if in.Token == "" {
			return in, fmt.Errorf("%w: reconnect requires token", ErrMalformedMessage)
		}
	case TypeGameUpdate, TypeGameOver:
		if in.Score < 0 || in.Level < 0 || in.Lines < 0 {
			return in, fmt.Errorf("%w: negative counters", ErrMalformedMessage)
		}
	case TypeSendGarbage:
		if in.Lines < 0 {
			return in, fmt.Errorf("%w: negative lines", ErrMalformedMessage)
		}
	}
	return in, nil
}

// Encode marshals an outbound event or inbound frame.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeEvent turns a server frame back into its typed event. Used by the
// client proxy.
func DecodeEvent(data []byte) (Event, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var ev Event
	switch h.Type {
	case TypeRoomCreated:
		ev = &RoomCreated{}
	case TypeRoomJoined:
		ev = &RoomJoined{}
	case TypeReconnected:
		ev = &Reconnected{}
	case TypePlayerJoined:
		ev = &PlayerJoined{}
	case TypePlayerReady:
		ev = &PlayerReady{}
	case TypeGameStart:
		ev = &GameStart{}
	case TypeOpponentUpdate:
		ev = &OpponentUpdate{}
	case TypeIncomingGarbage:
		ev = &IncomingGarbage{}
	case TypeGarbageSent:
		ev = &GarbageSent{}
	case TypePlayerGameOver:
		ev = &PlayerGameOver{}
	case TypePlayerEliminated:
		ev = &PlayerEliminated{}
	case TypeRoyaleResults:
		ev = &RoyaleResults{}
	case TypeRematchRequested:
		ev = &RematchRequested{}
	case TypeRematchDeclined:
		ev = &RematchDeclined{}
	case TypeRematchStarting:
		ev = &RematchStarting{}
	case TypeEmojiReceived:
		ev = &EmojiReceived{}
	case TypePlayerLeft, TypePlayerDisconnected, TypePlayerReconnected:
		ev = &PlayerPresence{}
	case TypeError:
		ev = &Error{}
	case TypeRoomExpired:
		ev = &RoomExpired{}
	case TypeServerShutdown:
		ev = &ServerShutdown{}
	case TypePong:
		ev = &Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return ev, nil
}

// NewError builds an error frame.
func NewError(code, message string) Error {
	return Error{Header: Header{Type: TypeError}, Code: code, Message: message}
}

// NewPresence builds player_left, player_disconnected or player_reconnected.
func NewPresence(t MessageType, playerID string) PlayerPresence {
	return PlayerPresence{Header: Header{Type: t}, PlayerID: playerID}
}
