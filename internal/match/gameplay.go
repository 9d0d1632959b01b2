// internal/match/gameplay.go
package match

import (
	"context"
	"encoding/json"

	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/jason-s-yu/blockfall/internal/room"
)

// Update carries a player's counters and, for game_update, their board.
type Update struct {
	Score int
	Level int
	Lines int
	Board json.RawMessage
}

// GameUpdate stores the sender's latest snapshot and forwards it to the rest
// of the room. Only the newest snapshot is retained.
func (c *Coordinator) GameUpdate(ctx context.Context, b Binding, conn room.Conn, u Update) error {
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		if r.Status != room.StatusInProgress || p.Done {
			return nil
		}
		p.Score, p.Level, p.Lines = u.Score, u.Level, u.Lines
		p.Board = u.Board
		r.BroadcastExcept(p.ID, protocol.OpponentUpdate{
			Header:   protocol.Header{Type: protocol.TypeOpponentUpdate},
			PlayerID: p.ID,
			Score:    p.Score,
			Level:    p.Level,
			Lines:    p.Lines,
			Board:    p.Board,
		})
		return nil
	})
}

// SendGarbage turns a clear of cleared lines into an attack on one opponent.
func (c *Coordinator) SendGarbage(ctx context.Context, b Binding, conn room.Conn, cleared int) error {
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		if r.Status != room.StatusInProgress || !p.Alive {
			return nil
		}
		attack := room.AttackLines(cleared)
		if attack == 0 {
			return nil
		}
		target, ok := r.PickTarget(p.ID)
		if !ok {
			return nil
		}
		sent := r.SendTo(target.ID, protocol.IncomingGarbage{
			Header:     protocol.Header{Type: protocol.TypeIncomingGarbage},
			Lines:      attack,
			FromPlayer: p.ID,
		})
		if !sent {
			c.roomLog(r).WithField("player", target.ID).Debugf("Dropping %d garbage line(s) for disconnected player.", attack)
		}
		r.SendTo(p.ID, protocol.GarbageSent{
			Header:   protocol.Header{Type: protocol.TypeGarbageSent},
			Lines:    attack,
			ToPlayer: target.ID,
		})
		return nil
	})
}

// GameOver records a player's final counters. Head-to-head completes once
// both players have reported; royale eliminates the player immediately.
func (c *Coordinator) GameOver(ctx context.Context, b Binding, conn room.Conn, u Update) error {
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		if r.Status != room.StatusInProgress || p.Done {
			return nil
		}
		p.Score, p.Level, p.Lines = u.Score, u.Level, u.Lines

		if r.Type == room.TypeRoyale {
			c.eliminateLocked(ctx, r, p, false)
			return nil
		}

		p.Done = true
		p.Alive = false
		if r.AllDone() {
			c.completeHeadToHeadLocked(ctx, r, p)
			return nil
		}
		r.Broadcast(protocol.PlayerGameOver{
			Header:   protocol.Header{Type: protocol.TypePlayerGameOver},
			PlayerID: p.ID,
			Score:    p.Score,
		})
		return nil
	})
}

// forfeitLocked assigns an automatic loss to p, who left or never came back.
func (c *Coordinator) forfeitLocked(ctx context.Context, r *room.Room, p *room.Player) {
	if r.Status != room.StatusInProgress {
		return
	}
	if r.Type == room.TypeRoyale {
		if p.Alive {
			c.eliminateLocked(ctx, r, p, true)
		}
		return
	}

	p.Forfeited = true
	p.Done = true
	p.Alive = false
	r.Each(func(other *room.Player) {
		other.Done = true
	})
	c.completeHeadToHeadLocked(ctx, r, p)
}

// completeHeadToHeadLocked decides the winner, announces the result and
// clears the per-match game-over record.
func (c *Coordinator) completeHeadToHeadLocked(ctx context.Context, r *room.Room, last *room.Player) {
	r.DecideHeadToHead()
	if err := r.Transition(room.StatusCompleted); err != nil {
		c.roomLog(r).Warnf("Cannot complete match: %v", err)
		return
	}
	r.Broadcast(protocol.PlayerGameOver{
		Header:   protocol.Header{Type: protocol.TypePlayerGameOver},
		PlayerID: last.ID,
		Score:    last.Score,
		AllDone:  true,
		Winner:   r.Winner,
		Tie:      r.Tie,
		Results:  r.Results(),
	})
	c.finishLocked(ctx, r)
}

// eliminateLocked knocks a royale player out and completes the room once a
// single player remains.
func (c *Coordinator) eliminateLocked(ctx context.Context, r *room.Room, p *room.Player, forfeit bool) {
	placement := r.Eliminate(p)
	p.Forfeited = forfeit
	r.Broadcast(protocol.PlayerEliminated{
		Header:     protocol.Header{Type: protocol.TypePlayerEliminated},
		PlayerID:   p.ID,
		Name:       p.Name,
		Placement:  placement,
		AliveCount: r.AliveCount(),
		Forfeited:  forfeit,
	})

	winner := r.LastStanding()
	if winner == nil && r.AliveCount() > 0 {
		return
	}
	if winner != nil {
		winner.Placement = 1
		winner.Alive = false
		winner.Done = true
		r.Winner = winner.ID
	}
	if err := r.Transition(room.StatusCompleted); err != nil {
		c.roomLog(r).Warnf("Cannot complete royale: %v", err)
		return
	}
	r.Broadcast(protocol.RoyaleResults{
		Header:    protocol.Header{Type: protocol.TypeRoyaleResults},
		Winner:    r.Winner,
		Standings: r.Standings(),
	})
	c.finishLocked(ctx, r)
}

// finishLocked runs after any match completes.
func (c *Coordinator) finishLocked(ctx context.Context, r *room.Room) {
	r.Each(func(p *room.Player) {
		p.Ready = false
		p.Board = nil
	})
	c.publishResult(r)
	c.persistBestEffort(ctx, r)
	if r.Tie {
		c.roomLog(r).Infof("Match completed in a tie.")
	} else {
		c.roomLog(r).Infof("Match completed; winner %s.", r.Winner)
	}
}

// EmojiAllowList is the fixed set of reactions relayed between players.
var EmojiAllowList = map[string]bool{
	"👍": true,
	"👏": true,
	"😂": true,
	"😮": true,
	"😭": true,
	"😡": true,
	"🔥": true,
	"💀": true,
	"🎉": true,
	"🤝": true,
}

// Emoji relays an allowed reaction to the rest of the room. Anything else is
// dropped silently.
func (c *Coordinator) Emoji(ctx context.Context, b Binding, conn room.Conn, emoji string) error {
	if !EmojiAllowList[emoji] {
		c.logger.Debugf("Dropping emoji %q from %s outside the allow-list.", emoji, b.PlayerID)
		return nil
	}
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		r.BroadcastExcept(p.ID, protocol.EmojiReceived{
			Header:   protocol.Header{Type: protocol.TypeEmojiReceived},
			PlayerID: p.ID,
			Emoji:    emoji,
		})
		return nil
	})
}
