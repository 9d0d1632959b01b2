// internal/room/room.go
package room

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jason-s-yu/blockfall/internal/protocol"
)

// Conn is the outbound half of a live transport connection.
type Conn interface {
	// Send queues an event without blocking.
	Send(ev protocol.Event)
}

// Player is one participant's state within a room.
type Player struct {
	ID   string
	Name string
	Conn Conn

	// TokenID identifies the player's current reconnect token in the session store.
	TokenID string

	Ready     bool
	Connected bool

	Score int
	Level int
	Lines int
	// Board is the latest snapshot only; earlier snapshots are overwritten.
	Board json.RawMessage

	Alive     bool
	Done      bool
	Placement int
	Forfeited bool

	JoinedAt time.Time

	// GraceTimer fires when a dropped player has not come back in time.
	// GraceGen identifies the current timer so a stale one can be ignored.
	GraceTimer *time.Timer
	GraceGen   uint64
}

// Info returns the public view of the player.
func (p *Player) Info(hostID string) protocol.PlayerInfo {
	return protocol.PlayerInfo{
		ID:        p.ID,
		Name:      p.Name,
		IsHost:    p.ID == hostID,
		Ready:     p.Ready,
		Connected: p.Connected,
		Alive:     p.Alive,
		Score:     p.Score,
		Level:     p.Level,
		Lines:     p.Lines,
		Placement: p.Placement,
		Forfeited: p.Forfeited,
	}
}

// Result returns the player's line in a results table.
func (p *Player) Result() protocol.Result {
	return protocol.Result{
		PlayerID:  p.ID,
		Name:      p.Name,
		Score:     p.Score,
		Level:     p.Level,
		Lines:     p.Lines,
		Forfeited: p.Forfeited,
		Placement: p.Placement,
	}
}

func (p *Player) stopGrace() {
	if p.GraceTimer != nil {
		p.GraceTimer.Stop()
		p.GraceTimer = nil
	}
}

// Room groups players sharing a seed and a lifecycle.
//
// Callers must hold Mu for every method and field access below.
type Room struct {
	Code     string
	Type     Type
	Capacity int
	Seed     int64
	Status   Status
	HostID   string

	Players map[string]*Player
	// Order is join order; it drives results ordering and target selection.
	Order []string

	CreatedAt      time.Time
	LastActivityAt time.Time

	RematchVotes map[string]bool

	Winner string
	Tie    bool

	// Closed is set once the room has been removed from the session store.
	Closed bool

	targets *rand.Rand

	Mu sync.Mutex
}

// New creates a waiting room with its seed already fixed.
func New(code string, typ Type, capacity int, seed int64, now time.Time) *Room {
	if typ == TypeHeadToHead {
		capacity = 2
	}
	r := &Room{
		Code:           code,
		Type:           typ,
		Capacity:       capacity,
		Status:         StatusWaiting,
		Players:        make(map[string]*Player),
		CreatedAt:      now,
		LastActivityAt: now,
		RematchVotes:   make(map[string]bool),
	}
	r.reseed(seed)
	return r
}

func (r *Room) reseed(seed int64) {
	r.Seed = seed
	r.targets = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// Touch records activity for idle expiry.
func (r *Room) Touch(now time.Time) {
	r.LastActivityAt = now
}

// Full reports whether the room is at capacity.
func (r *Room) Full() bool {
	return len(r.Players) >= r.Capacity
}

// AddPlayer appends a connected player. The caller checks capacity and status.
func (r *Room) AddPlayer(p *Player) {
	p.Connected = true
	p.Alive = true
	r.Players[p.ID] = p
	r.Order = append(r.Order, p.ID)
	if r.HostID == "" {
		r.HostID = p.ID
	}
}

// RemovePlayer frees a player's slot entirely.
func (r *Room) RemovePlayer(id string) *Player {
	p, ok := r.Players[id]
	if !ok {
		return nil
	}
	p.stopGrace()
	delete(r.Players, id)
	delete(r.RematchVotes, id)
	for i, pid := range r.Order {
		if pid == id {
			r.Order = append(r.Order[:i:i], r.Order[i+1:]...)
			break
		}
	}
	if r.HostID == id {
		r.HostID = ""
		if len(r.Order) > 0 {
			r.HostID = r.Order[0]
		}
	}
	return p
}

// Each visits players in join order.
func (r *Room) Each(fn func(p *Player)) {
	for _, id := range r.Order {
		if p, ok := r.Players[id]; ok {
			fn(p)
		}
	}
}

// Broadcast sends ev to every connected player. Events are queued while the
// lock is held so every recipient sees room events in the order they happened.
func (r *Room) Broadcast(ev protocol.Event) {
	r.BroadcastExcept("", ev)
}

// BroadcastExcept sends ev to every connected player but skip.
func (r *Room) BroadcastExcept(skip string, ev protocol.Event) {
	r.Each(func(p *Player) {
		if p.ID == skip || !p.Connected || p.Conn == nil {
			return
		}
		p.Conn.Send(ev)
	})
}

// SendTo sends ev to one connected player and reports whether it was queued.
func (r *Room) SendTo(id string, ev protocol.Event) bool {
	p, ok := r.Players[id]
	if !ok || !p.Connected || p.Conn == nil {
		return false
	}
	p.Conn.Send(ev)
	return true
}

// ConnectedCount counts players with a live connection.
func (r *Room) ConnectedCount() int {
	n := 0
	for _, p := range r.Players {
		if p.Connected {
			n++
		}
	}
	return n
}

// AliveCount counts players still in the match.
func (r *Room) AliveCount() int {
	n := 0
	for _, p := range r.Players {
		if p.Alive {
			n++
		}
	}
	return n
}

// AllReady reports whether the room is full and every connected player is ready.
func (r *Room) AllReady() bool {
	if !r.Full() {
		return false
	}
	for _, p := range r.Players {
		if p.Connected && !p.Ready {
			return false
		}
	}
	return true
}

// AllDone reports whether every player has reported game over or forfeited.
func (r *Room) AllDone() bool {
	for _, p := range r.Players {
		if !p.Done {
			return false
		}
	}
	return len(r.Players) > 0
}

// Opponent returns the other player in a head-to-head room.
func (r *Room) Opponent(id string) *Player {
	for _, pid := range r.Order {
		if pid != id {
			return r.Players[pid]
		}
	}
	return nil
}

// PlayerInfos lists every participant in join order.
func (r *Room) PlayerInfos() []protocol.PlayerInfo {
	infos := make([]protocol.PlayerInfo, 0, len(r.Order))
	r.Each(func(p *Player) {
		infos = append(infos, p.Info(r.HostID))
	})
	return infos
}

// ResetForRematch clears match state and installs a new seed. Players that are
// no longer connected are dropped from the lobby.
func (r *Room) ResetForRematch(seed int64, now time.Time) []string {
	var dropped []string
	for _, id := range append([]string(nil), r.Order...) {
		if !r.Players[id].Connected {
			r.RemovePlayer(id)
			dropped = append(dropped, id)
		}
	}
	r.Each(func(p *Player) {
		p.Ready = true
		p.Score, p.Level, p.Lines = 0, 0, 0
		p.Board = nil
		p.Alive = true
		p.Done = false
		p.Placement = 0
		p.Forfeited = false
	})
	r.RematchVotes = make(map[string]bool)
	r.Winner = ""
	r.Tie = false
	r.reseed(seed)
	r.Touch(now)
	return dropped
}

// NewSeed draws a seed different from the current one.
func NewSeed(previous int64) int64 {
	for {
		s := rand.Int64()
		if s != previous {
			return s
		}
	}
}
