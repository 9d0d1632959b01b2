// internal/match/rematch.go
package match

import (
	"context"

	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/jason-s-yu/blockfall/internal/room"
)

// minRematchPlayers is the fewest connected players a rematch can start with.
const minRematchPlayers = 2

// RequestRematch records the player's vote and starts a new match on the same
// room once every connected participant has voted.
func (c *Coordinator) RequestRematch(ctx context.Context, b Binding, conn room.Conn) error {
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		if r.Status != room.StatusCompleted {
			return ErrNotCompleted
		}
		if r.RematchVotes[p.ID] {
			return nil
		}
		r.RematchVotes[p.ID] = true
		r.Broadcast(protocol.RematchRequested{
			Header:   protocol.Header{Type: protocol.TypeRematchRequested},
			PlayerID: p.ID,
			Votes:    len(r.RematchVotes),
			Needed:   r.ConnectedCount(),
		})
		c.checkRematchLocked(ctx, r)
		return nil
	})
}

// DeclineRematch cancels the pending vote round.
func (c *Coordinator) DeclineRematch(ctx context.Context, b Binding, conn room.Conn) error {
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		if r.Status != room.StatusCompleted {
			return ErrNotCompleted
		}
		clear(r.RematchVotes)
		r.BroadcastExcept(p.ID, protocol.RematchDeclined{
			Header:   protocol.Header{Type: protocol.TypeRematchDeclined},
			PlayerID: p.ID,
		})
		c.roomLog(r).WithField("player", p.ID).Infof("%s declined the rematch.", p.Name)
		return nil
	})
}

// checkRematchLocked starts the rematch when the votes are unanimous among
// connected players. It is re-run whenever the set of connected players
// shrinks, since a departure can complete an otherwise pending vote.
func (c *Coordinator) checkRematchLocked(ctx context.Context, r *room.Room) {
	if r.Status != room.StatusCompleted || len(r.RematchVotes) == 0 {
		return
	}
	connected := 0
	for _, p := range r.Players {
		if !p.Connected {
			continue
		}
		connected++
		if !r.RematchVotes[p.ID] {
			return
		}
	}
	if connected < minRematchPlayers {
		return
	}

	r.Each(func(p *room.Player) {
		if !p.Connected {
			c.revokeToken(ctx, p.TokenID)
		}
	})
	for _, id := range r.ResetForRematch(room.NewSeed(r.Seed), c.now()) {
		c.roomLog(r).WithField("player", id).Infof("Dropped from lobby for the rematch.")
	}
	if err := r.Transition(room.StatusStarting); err != nil {
		c.roomLog(r).Warnf("Cannot start rematch: %v", err)
		return
	}
	r.Broadcast(protocol.RematchStarting{
		Header:    protocol.Header{Type: protocol.TypeRematchStarting},
		Seed:      r.Seed,
		Countdown: c.opts.CountdownSeconds,
	})
	_ = r.Transition(room.StatusInProgress)
	c.persistBestEffort(ctx, r)
	c.roomLog(r).Infof("Rematch started with %d players (seed %d).", len(r.Players), r.Seed)
}
