// internal/match/coordinator.go
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jason-s-yu/blockfall/internal/auth"
	"github.com/jason-s-yu/blockfall/internal/models"
	"github.com/jason-s-yu/blockfall/internal/room"
	"github.com/jason-s-yu/blockfall/internal/store"
	"github.com/sirupsen/logrus"
)

// ResultSink receives finished matches, e.g. for the historian queue.
type ResultSink interface {
	PublishMatchResult(ctx context.Context, res models.MatchResult) error
}

// Options tunes the coordinator. Zero values fall back to defaults.
type Options struct {
	RoomTTL               time.Duration
	ReconnectGrace        time.Duration
	CountdownSeconds      int
	RoyaleMaxCapacity     int
	RoyaleDefaultCapacity int
	// Now is the clock used for activity tracking.
	Now func() time.Time
	// NewCode generates candidate room codes.
	NewCode func() string
}

func (o *Options) applyDefaults() {
	if o.RoomTTL <= 0 {
		o.RoomTTL = 30 * time.Minute
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 30 * time.Second
	}
	if o.CountdownSeconds <= 0 {
		o.CountdownSeconds = 3
	}
	if o.RoyaleMaxCapacity < 2 {
		o.RoyaleMaxCapacity = 16
	}
	if o.RoyaleDefaultCapacity < 2 || o.RoyaleDefaultCapacity > o.RoyaleMaxCapacity {
		o.RoyaleDefaultCapacity = min(8, o.RoyaleMaxCapacity)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewCode == nil {
		o.NewCode = room.GenerateCode
	}
}

// Binding is what a connection handler remembers about its player: the room
// code and player id. Authoritative state is always re-fetched from the
// coordinator.
type Binding struct {
	RoomCode string
	PlayerID string
}

// Bound reports whether the connection has joined a room.
func (b Binding) Bound() bool {
	return b.RoomCode != "" && b.PlayerID != ""
}

type tokenRecord struct {
	Room     string `json:"room"`
	PlayerID string `json:"playerId"`
}

// Coordinator pairs players into rooms and relays match traffic between them.
// Rooms are independent: every room operation runs under that room's mutex,
// and the registry lock is never held while a room lock is being acquired.
type Coordinator struct {
	store   store.Store
	tokens  *auth.TokenIssuer
	results ResultSink
	logger  *logrus.Logger
	opts    Options

	mu    sync.Mutex
	rooms map[string]*room.Room

	scheduler gocron.Scheduler
}

// NewCoordinator wires a coordinator. results may be nil.
func NewCoordinator(st store.Store, tokens *auth.TokenIssuer, results ResultSink, logger *logrus.Logger, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		store:   st,
		tokens:  tokens,
		results: results,
		logger:  logger,
		opts:    opts,
		rooms:   make(map[string]*room.Room),
	}
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now()
}

func (c *Coordinator) roomLog(r *room.Room) *logrus.Entry {
	return c.logger.WithField("room", r.Code)
}

// lookup fetches a live room from the registry.
func (c *Coordinator) lookup(code string) *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room.NormalizeCode(code)]
}

// RoomCount returns the number of live rooms.
func (c *Coordinator) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// Snapshot returns a copy of a room's state.
func (c *Coordinator) Snapshot(code string) (room.Snapshot, bool) {
	r := c.lookup(code)
	if r == nil {
		return room.Snapshot{}, false
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.Closed {
		return room.Snapshot{}, false
	}
	return r.Snapshot(), true
}

// Seated reports whether conn is still the live connection for b. A room that
// expired or was abandoned leaves its connections unseated.
func (c *Coordinator) Seated(b Binding, conn room.Conn) bool {
	if !b.Bound() {
		return false
	}
	r := c.lookup(b.RoomCode)
	if r == nil {
		return false
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	p, ok := r.Players[b.PlayerID]
	return !r.Closed && ok && p.Conn == conn
}

// withPlayer runs fn under the room lock for a bound player whose live
// connection is conn. A stale connection (replaced by a reconnect) is
// rejected with ErrNotInRoom.
func (c *Coordinator) withPlayer(b Binding, conn room.Conn, fn func(r *room.Room, p *room.Player) error) error {
	if !b.Bound() {
		return ErrNotInRoom
	}
	r := c.lookup(b.RoomCode)
	if r == nil {
		return ErrRoomNotFound
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.Closed {
		return ErrRoomNotFound
	}
	p, ok := r.Players[b.PlayerID]
	if !ok || p.Conn != conn {
		return ErrNotInRoom
	}
	r.Touch(c.now())
	return fn(r, p)
}

// mintToken issues a reconnect token for p and records it in the store.
func (c *Coordinator) mintToken(ctx context.Context, r *room.Room, playerID string) (token, tokenID string, err error) {
	token, tokenID, err = c.tokens.Mint(r.Code, playerID)
	if err != nil {
		return "", "", err
	}
	rec, _ := json.Marshal(tokenRecord{Room: r.Code, PlayerID: playerID})
	if err := c.store.Set(ctx, store.TokenKey(tokenID), rec, c.tokens.TTL()); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token, tokenID, nil
}

func (c *Coordinator) revokeToken(ctx context.Context, tokenID string) {
	if tokenID == "" {
		return
	}
	if err := c.store.Delete(ctx, store.TokenKey(tokenID)); err != nil {
		c.logger.Warnf("Failed to revoke reconnect token %s: %v", tokenID, err)
	}
}

// persist writes the room snapshot and refreshes its expiry.
func (c *Coordinator) persist(ctx context.Context, r *room.Room) error {
	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal room %s: %w", r.Code, err)
	}
	if err := c.store.Set(ctx, store.RoomKey(r.Code), data, c.opts.RoomTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// persistBestEffort is used after state changes that have already been
// announced to clients; a failure is logged rather than rolled back.
func (c *Coordinator) persistBestEffort(ctx context.Context, r *room.Room) {
	if err := c.persist(ctx, r); err != nil {
		c.roomLog(r).Warnf("Failed to persist room snapshot: %v", err)
	}
}

// closeRoomLocked removes the room from the registry and the store and
// invalidates every token it issued. r.Mu must be held.
func (c *Coordinator) closeRoomLocked(ctx context.Context, r *room.Room) {
	if r.Closed {
		return
	}
	r.Closed = true

	keys := []string{store.RoomKey(r.Code)}
	for _, p := range r.Players {
		if p.GraceTimer != nil {
			p.GraceTimer.Stop()
			p.GraceTimer = nil
		}
		if p.TokenID != "" {
			keys = append(keys, store.TokenKey(p.TokenID))
		}
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.roomLog(r).Warnf("Failed to delete room keys: %v", err)
	}

	c.mu.Lock()
	if c.rooms[r.Code] == r {
		delete(c.rooms, r.Code)
	}
	c.mu.Unlock()
	c.roomLog(r).Infof("Room closed (status %s).", r.Status)
}

// publishResult hands the finished match to the result sink off the room lock.
func (c *Coordinator) publishResult(r *room.Room) {
	if c.results == nil {
		return
	}
	res := models.MatchResult{
		MatchID:    uuid.NewString(),
		RoomCode:   r.Code,
		RoomType:   string(r.Type),
		Seed:       r.Seed,
		Winner:     r.Winner,
		Tie:        r.Tie,
		Standings:  r.Standings(),
		FinishedAt: c.now(),
	}
	if r.Type == room.TypeHeadToHead {
		res.Standings = r.Results()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.results.PublishMatchResult(ctx, res); err != nil {
			c.logger.WithField("room", res.RoomCode).Warnf("Failed to publish match result: %v", err)
		}
	}()
}

// StartSweeper schedules the idle-room sweep on a fixed interval.
func (c *Coordinator) StartSweeper(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create sweep scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if n := c.Sweep(ctx); n > 0 {
				c.logger.Infof("Idle sweep expired %d room(s).", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep job: %w", err)
	}
	sched.Start()
	c.scheduler = sched
	return nil
}

// Close stops the sweeper and every pending grace timer.
func (c *Coordinator) Close() error {
	var err error
	if c.scheduler != nil {
		err = c.scheduler.Shutdown()
	}

	c.mu.Lock()
	rooms := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		r.Mu.Lock()
		for _, p := range r.Players {
			if p.GraceTimer != nil {
				p.GraceTimer.Stop()
				p.GraceTimer = nil
			}
		}
		r.Mu.Unlock()
	}
	return err
}
