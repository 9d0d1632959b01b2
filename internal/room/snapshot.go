// internal/room/snapshot.go
package room

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jason-s-yu/blockfall/internal/protocol"
)

// CodeLength is the length of a room code.
const CodeLength = 4

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns a random room code. Uniqueness is checked by the caller.
func GenerateCode() string {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}

// NormalizeCode uppercases and trims user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Snapshot is the serialisable form of a room, written to the session store.
type Snapshot struct {
	Code           string                `json:"code"`
	Type           Type                  `json:"type"`
	Capacity       int                   `json:"capacity"`
	Seed           int64                 `json:"seed"`
	Status         Status                `json:"status"`
	HostID         string                `json:"hostId"`
	Players        []protocol.PlayerInfo `json:"players"`
	RematchVotes   []string              `json:"rematchVotes,omitempty"`
	Winner         string                `json:"winner,omitempty"`
	Tie            bool                  `json:"tie,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	LastActivityAt time.Time             `json:"lastActivityAt"`
}

// Snapshot captures the room's durable state. Boards are left out.
func (r *Room) Snapshot() Snapshot {
	votes := make([]string, 0, len(r.RematchVotes))
	for _, id := range r.Order {
		if r.RematchVotes[id] {
			votes = append(votes, id)
		}
	}
	return Snapshot{
		Code:           r.Code,
		Type:           r.Type,
		Capacity:       r.Capacity,
		Seed:           r.Seed,
		Status:         r.Status,
		HostID:         r.HostID,
		Players:        r.PlayerInfos(),
		RematchVotes:   votes,
		Winner:         r.Winner,
		Tie:            r.Tie,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}
