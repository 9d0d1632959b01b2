// internal/room/match.go
package room

import (
	"sort"

	"github.com/jason-s-yu/blockfall/internal/protocol"
)

// MaxAttackLines caps the garbage produced by a single clear.
const MaxAttackLines = 4

// AttackLines maps lines cleared in one move to garbage lines sent.
//
//	0,1 -> 0   2 -> 1   3 -> 2   4+ -> 4
func AttackLines(cleared int) int {
	switch {
	case cleared <= 1:
		return 0
	case cleared == 2:
		return 1
	case cleared == 3:
		return 2
	default:
		return MaxAttackLines
	}
}

// PickTarget chooses who receives garbage from the given sender. Head-to-head
// always targets the opponent; royale draws uniformly among living
// opponents from the room's PRNG, which is seeded from the room seed.
func (r *Room) PickTarget(from string) (*Player, bool) {
	if r.Type == TypeHeadToHead {
		opp := r.Opponent(from)
		return opp, opp != nil && opp.Alive
	}

	var candidates []*Player
	r.Each(func(p *Player) {
		if p.ID != from && p.Alive {
			candidates = append(candidates, p)
		}
	})
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[r.targets.IntN(len(candidates))], true
}

// Eliminate knocks a royale player out and assigns their placement, which is
// the number of players alive at the moment they fell.
func (r *Room) Eliminate(p *Player) int {
	if !p.Alive {
		return p.Placement
	}
	p.Placement = r.AliveCount()
	p.Alive = false
	p.Done = true
	return p.Placement
}

// LastStanding returns the sole living player, if exactly one remains.
func (r *Room) LastStanding() *Player {
	var last *Player
	for _, p := range r.Players {
		if p.Alive {
			if last != nil {
				return nil
			}
			last = p
		}
	}
	return last
}

// Results lists every player's final line in join order.
func (r *Room) Results() []protocol.Result {
	out := make([]protocol.Result, 0, len(r.Order))
	r.Each(func(p *Player) {
		out = append(out, p.Result())
	})
	return out
}

// Standings lists results sorted by placement.
func (r *Room) Standings() []protocol.Result {
	out := r.Results()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Placement < out[j].Placement
	})
	return out
}

// DecideHeadToHead records the winner of a finished head-to-head match. A
// forfeited player always loses; otherwise the higher score wins and equal
// scores are a tie.
func (r *Room) DecideHeadToHead() {
	if len(r.Order) < 2 {
		if len(r.Order) == 1 {
			r.Winner = r.Order[0]
		}
		return
	}
	a, b := r.Players[r.Order[0]], r.Players[r.Order[1]]
	switch {
	case a.Forfeited && !b.Forfeited:
		r.Winner = b.ID
	case b.Forfeited && !a.Forfeited:
		r.Winner = a.ID
	case a.Score > b.Score:
		r.Winner = a.ID
	case b.Score > a.Score:
		r.Winner = b.ID
	default:
		r.Winner = ""
		r.Tie = true
	}
}
