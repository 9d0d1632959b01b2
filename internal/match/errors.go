// internal/match/errors.go
package match

import (
	"errors"

	"github.com/jason-s-yu/blockfall/internal/protocol"
)

// Protocol-level failures. They are reported to the originating connection
// only and never affect other participants.
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room is full")
	ErrRoomNotJoinable  = errors.New("room has already started")
	ErrInvalidToken     = errors.New("invalid or expired reconnect token")
	ErrNotInRoom        = errors.New("not in a room")
	ErrAlreadyInRoom    = errors.New("already in a room")
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrInvalidRoomType  = errors.New("invalid room type")
	ErrInvalidState     = errors.New("action not allowed in current room state")
	ErrNotCompleted     = errors.New("match has not completed")
	ErrNoFreeCode       = errors.New("no free room code")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrRoomNotFound, "room_not_found"},
	{ErrRoomFull, "room_full"},
	{ErrRoomNotJoinable, "room_not_joinable"},
	{ErrInvalidToken, "invalid_token"},
	{ErrNotInRoom, "not_in_room"},
	{ErrAlreadyInRoom, "already_in_room"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrInvalidRoomType, "invalid_room_type"},
	{ErrInvalidState, "invalid_state"},
	{ErrNotCompleted, "not_completed"},
	{ErrNoFreeCode, "no_free_code"},
	{protocol.ErrMalformedMessage, "malformed_message"},
	{protocol.ErrUnknownType, "unknown_type"},
}

// ErrorCode maps an error to the stable code sent on error frames.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal_error"
}

// ErrorEvent builds the error frame for err.
func ErrorEvent(err error) protocol.Error {
	code := ErrorCode(err)
	msg := err.Error()
	if code == "internal_error" {
		msg = "internal server error"
	}
	return protocol.NewError(code, msg)
}
