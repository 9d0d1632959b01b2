// internal/match/lobby.go
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/blockfall/internal/auth"
	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/jason-s-yu/blockfall/internal/room"
	"github.com/jason-s-yu/blockfall/internal/store"
)

const (
	maxNameLength    = 24
	maxCodeAttempts  = 32
	defaultGuestName = "Player"
)

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultGuestName
	}
	if r := []rune(name); len(r) > maxNameLength {
		name = string(r[:maxNameLength])
	}
	return name
}

func (c *Coordinator) capacityFor(typ room.Type, requested int) int {
	if typ == room.TypeHeadToHead {
		return 2
	}
	if requested == 0 {
		return c.opts.RoyaleDefaultCapacity
	}
	return min(max(requested, 2), c.opts.RoyaleMaxCapacity)
}

// reserveCode claims a fresh room code in the store. A store failure refuses
// the creation outright.
func (c *Coordinator) reserveCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := c.opts.NewCode()
		if c.lookup(code) != nil {
			continue
		}
		ok, err := c.store.SetNX(ctx, store.RoomKey(code), []byte(`{}`), c.opts.RoomTTL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrNoFreeCode, maxCodeAttempts)
}

// CreateRoom allocates a room, seats the creator as host and replies with
// room_created.
func (c *Coordinator) CreateRoom(ctx context.Context, conn room.Conn, name, roomType string, capacity int) (Binding, error) {
	typ, err := room.ParseType(roomType)
	if err != nil {
		return Binding{}, fmt.Errorf("%w: %v", ErrInvalidRoomType, err)
	}

	code, err := c.reserveCode(ctx)
	if err != nil {
		return Binding{}, err
	}

	now := c.now()
	r := room.New(code, typ, c.capacityFor(typ, capacity), room.NewSeed(0), now)
	p := &room.Player{
		ID:       uuid.NewString(),
		Name:     cleanName(name),
		Conn:     conn,
		JoinedAt: now,
	}

	token, tokenID, err := c.mintToken(ctx, r, p.ID)
	if err != nil {
		_ = c.store.Delete(ctx, store.RoomKey(code))
		return Binding{}, err
	}
	p.TokenID = tokenID
	r.AddPlayer(p)

	if err := c.persist(ctx, r); err != nil {
		_ = c.store.Delete(ctx, store.RoomKey(code), store.TokenKey(tokenID))
		return Binding{}, err
	}

	c.mu.Lock()
	c.rooms[code] = r
	c.mu.Unlock()

	conn.Send(protocol.RoomCreated{
		Header:         protocol.Header{Type: protocol.TypeRoomCreated},
		RoomCode:       code,
		PlayerID:       p.ID,
		Seed:           r.Seed,
		ReconnectToken: token,
		RoomType:       string(r.Type),
		Capacity:       r.Capacity,
	})
	c.roomLog(r).WithField("player", p.ID).Infof("Room created (%s, capacity %d) by %s.", r.Type, r.Capacity, p.Name)
	return Binding{RoomCode: code, PlayerID: p.ID}, nil
}

// opponentInfo returns the other head-to-head player for room_joined and
// reconnected replies.
func opponentInfo(r *room.Room, self string) *protocol.PlayerInfo {
	if r.Type != room.TypeHeadToHead {
		return nil
	}
	opp := r.Opponent(self)
	if opp == nil {
		return nil
	}
	info := opp.Info(r.HostID)
	return &info
}

// JoinRoom seats a new player in a waiting room.
func (c *Coordinator) JoinRoom(ctx context.Context, conn room.Conn, code, name string) (Binding, error) {
	r := c.lookup(code)
	if r == nil {
		return Binding{}, ErrRoomNotFound
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if r.Closed {
		return Binding{}, ErrRoomNotFound
	}
	if r.Full() {
		return Binding{}, ErrRoomFull
	}
	if r.Status != room.StatusWaiting {
		return Binding{}, ErrRoomNotJoinable
	}

	now := c.now()
	p := &room.Player{
		ID:       uuid.NewString(),
		Name:     cleanName(name),
		Conn:     conn,
		JoinedAt: now,
	}
	token, tokenID, err := c.mintToken(ctx, r, p.ID)
	if err != nil {
		return Binding{}, err
	}
	p.TokenID = tokenID
	r.AddPlayer(p)
	r.Touch(now)

	if err := c.persist(ctx, r); err != nil {
		r.RemovePlayer(p.ID)
		c.revokeToken(ctx, tokenID)
		return Binding{}, err
	}

	r.BroadcastExcept(p.ID, protocol.PlayerJoined{
		Header: protocol.Header{Type: protocol.TypePlayerJoined},
		Player: p.Info(r.HostID),
	})
	conn.Send(protocol.RoomJoined{
		Header:         protocol.Header{Type: protocol.TypeRoomJoined},
		RoomCode:       r.Code,
		PlayerID:       p.ID,
		Seed:           r.Seed,
		ReconnectToken: token,
		RoomType:       string(r.Type),
		Capacity:       r.Capacity,
		Opponent:       opponentInfo(r, p.ID),
		Players:        r.PlayerInfos(),
	})
	c.roomLog(r).WithField("player", p.ID).Infof("%s joined (%d/%d).", p.Name, len(r.Players), r.Capacity)
	return Binding{RoomCode: r.Code, PlayerID: p.ID}, nil
}

// Reconnect rebinds conn to the player slot named by token. The token is
// rotated: the reply carries a fresh one and the old one is revoked.
func (c *Coordinator) Reconnect(ctx context.Context, conn room.Conn, token string) (Binding, error) {
	claims, err := c.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return Binding{}, ErrInvalidToken
		}
		return Binding{}, err
	}

	data, err := c.store.Get(ctx, store.TokenKey(claims.ID))
	if errors.Is(err, store.ErrNotFound) {
		return Binding{}, ErrInvalidToken
	}
	if err != nil {
		return Binding{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var rec tokenRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Room != claims.Room || rec.PlayerID != claims.Subject {
		return Binding{}, ErrInvalidToken
	}

	r := c.lookup(rec.Room)
	if r == nil {
		return Binding{}, ErrInvalidToken
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()

	p, ok := r.Players[rec.PlayerID]
	if r.Closed || !ok || p.TokenID != claims.ID {
		return Binding{}, ErrInvalidToken
	}

	newToken, newTokenID, err := c.mintToken(ctx, r, p.ID)
	if err != nil {
		return Binding{}, err
	}
	c.revokeToken(ctx, p.TokenID)
	p.TokenID = newTokenID

	if p.GraceTimer != nil {
		p.GraceTimer.Stop()
		p.GraceTimer = nil
	}
	p.Conn = conn
	p.Connected = true
	r.Touch(c.now())
	c.persistBestEffort(ctx, r)

	conn.Send(protocol.Reconnected{
		Header:         protocol.Header{Type: protocol.TypeReconnected},
		RoomCode:       r.Code,
		PlayerID:       p.ID,
		Seed:           r.Seed,
		GameStarted:    r.Status == room.StatusInProgress,
		Status:         string(r.Status),
		ReconnectToken: newToken,
		Opponent:       opponentInfo(r, p.ID),
		Players:        r.PlayerInfos(),
	})
	r.BroadcastExcept(p.ID, protocol.NewPresence(protocol.TypePlayerReconnected, p.ID))
	c.roomLog(r).WithField("player", p.ID).Infof("%s reconnected (status %s).", p.Name, r.Status)
	return Binding{RoomCode: r.Code, PlayerID: p.ID}, nil
}

// Ready marks the player ready and starts the match once the room is full and
// every connected player is ready.
func (c *Coordinator) Ready(ctx context.Context, b Binding, conn room.Conn) error {
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		if r.Status != room.StatusWaiting {
			return ErrInvalidState
		}
		if p.Ready {
			return nil
		}
		p.Ready = true
		r.BroadcastExcept(p.ID, protocol.PlayerReady{
			Header:   protocol.Header{Type: protocol.TypePlayerReady},
			PlayerID: p.ID,
		})
		if r.AllReady() {
			c.startMatchLocked(ctx, r)
		}
		return nil
	})
}

// startMatchLocked moves waiting -> starting -> in_progress. The server treats
// the countdown as cosmetic: gameplay state exists from the broadcast onward.
func (c *Coordinator) startMatchLocked(ctx context.Context, r *room.Room) {
	if err := r.Transition(room.StatusStarting); err != nil {
		c.roomLog(r).Warnf("Cannot start match: %v", err)
		return
	}
	r.Broadcast(protocol.GameStart{
		Header:    protocol.Header{Type: protocol.TypeGameStart},
		Seed:      r.Seed,
		Countdown: c.opts.CountdownSeconds,
	})
	_ = r.Transition(room.StatusInProgress)
	c.persistBestEffort(ctx, r)
	c.roomLog(r).Infof("Match started with %d players (seed %d).", len(r.Players), r.Seed)
}

// Leave frees the player's slot immediately. Leaving mid-match is a forfeit.
func (c *Coordinator) Leave(ctx context.Context, b Binding, conn room.Conn) error {
	return c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		c.roomLog(r).WithField("player", p.ID).Infof("%s left the room.", p.Name)
		c.departLocked(ctx, r, p)
		return nil
	})
}

// departLocked removes a player for good, or, mid-match, forfeits them and
// keeps their line for the results table.
func (c *Coordinator) departLocked(ctx context.Context, r *room.Room, p *room.Player) {
	c.revokeToken(ctx, p.TokenID)
	p.TokenID = ""

	if r.Status == room.StatusInProgress {
		p.Connected = false
		p.Conn = nil
		if p.GraceTimer != nil {
			p.GraceTimer.Stop()
			p.GraceTimer = nil
		}
		if r.ConnectedCount() == 0 {
			c.abandonLocked(ctx, r)
			return
		}
		r.Broadcast(protocol.NewPresence(protocol.TypePlayerLeft, p.ID))
		c.forfeitLocked(ctx, r, p)
	} else {
		r.RemovePlayer(p.ID)
		r.Broadcast(protocol.NewPresence(protocol.TypePlayerLeft, p.ID))
		if r.Status == room.StatusCompleted {
			c.checkRematchLocked(ctx, r)
		}
	}

	if r.ConnectedCount() == 0 {
		c.abandonLocked(ctx, r)
		return
	}
	c.persistBestEffort(ctx, r)
}

// abandonLocked closes a room nobody is connected to any more.
func (c *Coordinator) abandonLocked(ctx context.Context, r *room.Room) {
	if r.Status == room.StatusInProgress {
		_ = r.Transition(room.StatusAbandoned)
	}
	c.closeRoomLocked(ctx, r)
}

// Disconnect handles an abnormal transport close. Before the match starts the
// slot is freed at once so the lobby does not stall; afterwards the player
// gets a grace window to reconnect.
func (c *Coordinator) Disconnect(ctx context.Context, b Binding, conn room.Conn) {
	err := c.withPlayer(b, conn, func(r *room.Room, p *room.Player) error {
		log := c.roomLog(r).WithField("player", p.ID)
		switch r.Status {
		case room.StatusWaiting, room.StatusStarting:
			log.Infof("%s disconnected before the match; freeing slot.", p.Name)
			c.departLocked(ctx, r, p)
			return nil
		}

		p.Connected = false
		p.Conn = nil
		r.Broadcast(protocol.NewPresence(protocol.TypePlayerDisconnected, p.ID))
		log.Infof("%s disconnected; grace window %s.", p.Name, c.opts.ReconnectGrace)

		p.GraceGen++
		gen := p.GraceGen
		p.GraceTimer = time.AfterFunc(c.opts.ReconnectGrace, func() {
			c.graceExpired(r, p.ID, gen)
		})

		if r.Status == room.StatusCompleted {
			delete(r.RematchVotes, p.ID)
			c.checkRematchLocked(ctx, r)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotInRoom) && !errors.Is(err, ErrRoomNotFound) {
		c.logger.Warnf("Disconnect for %s in %s failed: %v", b.PlayerID, b.RoomCode, err)
	}
}

// graceExpired runs when a dropped player did not reconnect in time.
func (c *Coordinator) graceExpired(r *room.Room, playerID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.Mu.Lock()
	defer r.Mu.Unlock()

	p, ok := r.Players[playerID]
	if r.Closed || !ok || p.Connected || p.GraceTimer == nil || p.GraceGen != gen {
		return
	}
	p.GraceTimer = nil
	c.roomLog(r).WithField("player", p.ID).Infof("%s did not reconnect in time.", p.Name)

	c.revokeToken(ctx, p.TokenID)
	p.TokenID = ""

	switch r.Status {
	case room.StatusInProgress:
		if r.ConnectedCount() == 0 {
			c.roomLog(r).Infof("Nobody left connected; abandoning match.")
			c.abandonLocked(ctx, r)
			return
		}
		r.Broadcast(protocol.NewPresence(protocol.TypePlayerLeft, p.ID))
		c.forfeitLocked(ctx, r, p)
	case room.StatusCompleted:
		r.RemovePlayer(p.ID)
		r.Broadcast(protocol.NewPresence(protocol.TypePlayerLeft, p.ID))
		c.checkRematchLocked(ctx, r)
	}

	if r.ConnectedCount() == 0 {
		c.abandonLocked(ctx, r)
		return
	}
	c.persistBestEffort(ctx, r)
}
