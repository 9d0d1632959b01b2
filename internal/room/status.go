// internal/room/status.go
package room

import (
	"errors"
	"fmt"
)

// Status is a room's lifecycle state.
//
//	waiting -> starting -> in_progress -> completed
//	                            |
//	                            +-------> abandoned
//
// completed -> starting is the rematch transition; it reuses the lobby with a
// fresh seed.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid room status transition")

var transitions = map[Status][]Status{
	StatusWaiting:    {StatusStarting, StatusAbandoned},
	StatusStarting:   {StatusInProgress, StatusAbandoned},
	StatusInProgress: {StatusCompleted, StatusAbandoned},
	StatusCompleted:  {StatusStarting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is the only place Status is changed.
func (r *Room) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// Started reports whether gameplay state exists for the current match.
func (s Status) Started() bool {
	return s == StatusStarting || s == StatusInProgress
}

// Type is the room's match format.
type Type string

const (
	TypeHeadToHead Type = "head_to_head"
	TypeRoyale     Type = "royale"
)

// ParseType validates a wire room type. An empty string means head-to-head.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "", TypeHeadToHead:
		return TypeHeadToHead, nil
	case TypeRoyale:
		return TypeRoyale, nil
	}
	return "", fmt.Errorf("unknown room type %q", s)
}
