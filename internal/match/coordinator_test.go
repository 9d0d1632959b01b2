package match

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/blockfall/internal/auth"
	"github.com/jason-s-yu/blockfall/internal/models"
	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/jason-s-yu/blockfall/internal/room"
	"github.com/jason-s-yu/blockfall/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records every event queued for a player.
type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *fakeConn) Send(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *fakeConn) ofType(t protocol.MessageType) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, ev := range c.events {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) last(t protocol.MessageType) protocol.Event {
	evs := c.ofType(t)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type chanSink struct {
	ch chan models.MatchResult
}

func (s *chanSink) PublishMatchResult(_ context.Context, res models.MatchResult) error {
	select {
	case s.ch <- res:
	default:
	}
	return nil
}

type harness struct {
	c     *Coordinator
	store *store.MemoryStore
	clock *testClock
	sink  *chanSink
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStoreWithClock(clock.Now)
	tokens, err := auth.NewTokenIssuer(30 * time.Minute)
	require.NoError(t, err)
	tokens.SetClock(clock.Now)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sink := &chanSink{ch: make(chan models.MatchResult, 8)}
	opts.Now = clock.Now
	c := NewCoordinator(st, tokens, sink, logger, opts)
	t.Cleanup(func() { _ = c.Close() })
	return &harness{c: c, store: st, clock: clock, sink: sink}
}

func (h *harness) awaitResult(t *testing.T) models.MatchResult {
	t.Helper()
	select {
	case res := <-h.sink.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no match result published")
		return models.MatchResult{}
	}
}

type seat struct {
	conn  *fakeConn
	b     Binding
	token string
}

func (h *harness) create(t *testing.T, name, roomType string, capacity int) (seat, protocol.RoomCreated) {
	t.Helper()
	conn := &fakeConn{}
	b, err := h.c.CreateRoom(context.Background(), conn, name, roomType, capacity)
	require.NoError(t, err)
	created, ok := conn.last(protocol.TypeRoomCreated).(protocol.RoomCreated)
	require.True(t, ok)
	return seat{conn: conn, b: b, token: created.ReconnectToken}, created
}

func (h *harness) join(t *testing.T, code, name string) seat {
	t.Helper()
	conn := &fakeConn{}
	b, err := h.c.JoinRoom(context.Background(), conn, code, name)
	require.NoError(t, err)
	joined, ok := conn.last(protocol.TypeRoomJoined).(protocol.RoomJoined)
	require.True(t, ok)
	return seat{conn: conn, b: b, token: joined.ReconnectToken}
}

func (h *harness) ready(t *testing.T, seats ...seat) {
	t.Helper()
	for _, s := range seats {
		require.NoError(t, h.c.Ready(context.Background(), s.b, s.conn))
	}
}

// startHeadToHead seats two players and starts their match.
func (h *harness) startHeadToHead(t *testing.T) (a, b seat, seed int64) {
	t.Helper()
	a, created := h.create(t, "Alice", "head_to_head", 0)
	b = h.join(t, created.RoomCode, "Bob")
	h.ready(t, a, b)
	return a, b, created.Seed
}

func (h *harness) gameOver(t *testing.T, s seat, score int) {
	t.Helper()
	require.NoError(t, h.c.GameOver(context.Background(), s.b, s.conn, Update{Score: score}))
}

func TestHeadToHeadEndToEnd(t *testing.T) {
	h := newHarness(t, Options{})
	a, created := h.create(t, "Alice", "head_to_head", 0)
	require.Len(t, created.RoomCode, room.CodeLength)

	b := h.join(t, created.RoomCode, "Bob")
	joined := b.conn.last(protocol.TypeRoomJoined).(protocol.RoomJoined)
	assert.Equal(t, created.Seed, joined.Seed)
	require.NotNil(t, joined.Opponent)
	assert.Equal(t, a.b.PlayerID, joined.Opponent.ID)
	assert.NotEqual(t, a.token, b.token)
	assert.NotEqual(t, b.b.PlayerID, b.token, "token is distinct from player id")

	h.ready(t, a, b)
	for _, s := range []seat{a, b} {
		start, ok := s.conn.last(protocol.TypeGameStart).(protocol.GameStart)
		require.True(t, ok)
		assert.Equal(t, created.Seed, start.Seed)
		assert.Equal(t, 3, start.Countdown)
	}
	snap, ok := h.c.Snapshot(created.RoomCode)
	require.True(t, ok)
	assert.Equal(t, room.StatusInProgress, snap.Status)

	h.gameOver(t, a, 1000)
	partial := b.conn.last(protocol.TypePlayerGameOver).(protocol.PlayerGameOver)
	assert.False(t, partial.AllDone)
	assert.Equal(t, 1000, partial.Score)

	h.gameOver(t, b, 1500)
	for _, s := range []seat{a, b} {
		over := s.conn.last(protocol.TypePlayerGameOver).(protocol.PlayerGameOver)
		require.True(t, over.AllDone)
		assert.Equal(t, b.b.PlayerID, over.Winner)
		assert.False(t, over.Tie)
		require.Len(t, over.Results, 2)
		assert.Equal(t, a.b.PlayerID, over.Results[0].PlayerID)
		assert.Equal(t, 1000, over.Results[0].Score)
		assert.Equal(t, b.b.PlayerID, over.Results[1].PlayerID)
		assert.Equal(t, 1500, over.Results[1].Score)
	}

	res := h.awaitResult(t)
	assert.Equal(t, created.RoomCode, res.RoomCode)
	assert.Equal(t, b.b.PlayerID, res.Winner)
	assert.Len(t, res.Standings, 2)
}

func TestHeadToHeadOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		scoreA     int
		scoreB     int
		wantWinner string // "a", "b" or "" for a tie
	}{
		{"higher first reporter wins", 8000, 6000, "a"},
		{"higher second reporter wins", 6000, 8000, "b"},
		{"equal scores tie", 700, 700, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			a, b, _ := h.startHeadToHead(t)
			h.gameOver(t, a, tc.scoreA)
			h.gameOver(t, b, tc.scoreB)

			over := a.conn.last(protocol.TypePlayerGameOver).(protocol.PlayerGameOver)
			require.True(t, over.AllDone)
			switch tc.wantWinner {
			case "a":
				assert.Equal(t, a.b.PlayerID, over.Winner)
			case "b":
				assert.Equal(t, b.b.PlayerID, over.Winner)
			default:
				assert.True(t, over.Tie)
				assert.Empty(t, over.Winner)
			}
		})
	}
}

func TestDuplicateGameOverIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	a, b, _ := h.startHeadToHead(t)
	h.gameOver(t, a, 100)
	h.gameOver(t, a, 99999)
	assert.Len(t, b.conn.ofType(protocol.TypePlayerGameOver), 1)
}

func TestJoinRoomErrors(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.c.JoinRoom(ctx, &fakeConn{}, "ZZZZ", "Nobody")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	a, created := h.create(t, "Alice", "head_to_head", 0)
	b := h.join(t, created.RoomCode, "Bob")

	_, err = h.c.JoinRoom(ctx, &fakeConn{}, created.RoomCode, "Carol")
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, "room_full", ErrorCode(err))

	h.ready(t, a, b)
	h.gameOver(t, a, 1)
	h.gameOver(t, b, 2)
	require.NoError(t, h.c.Leave(ctx, b.b, b.conn))

	_, err = h.c.JoinRoom(ctx, &fakeConn{}, created.RoomCode, "Carol")
	assert.ErrorIs(t, err, ErrRoomNotJoinable)
}

func TestJoinRoomIsCaseInsensitive(t *testing.T) {
	h := newHarness(t, Options{})
	_, created := h.create(t, "Alice", "head_to_head", 0)
	_, err := h.c.JoinRoom(context.Background(), &fakeConn{}, " "+strings.ToLower(created.RoomCode)+" ", "Bob")
	assert.NoError(t, err)
}

func TestReadyOnlyWhileWaiting(t *testing.T) {
	h := newHarness(t, Options{})
	a, _, _ := h.startHeadToHead(t)
	err := h.c.Ready(context.Background(), a.b, a.conn)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRoomNotStartedUntilFull(t *testing.T) {
	h := newHarness(t, Options{})
	a, created := h.create(t, "Alice", "royale", 3)
	b := h.join(t, created.RoomCode, "Bob")
	h.ready(t, a, b)
	assert.Empty(t, a.conn.ofType(protocol.TypeGameStart))
	assert.Len(t, a.conn.ofType(protocol.TypePlayerReady), 1)

	c := h.join(t, created.RoomCode, "Carol")
	h.ready(t, c)
	for _, s := range []seat{a, b, c} {
		assert.Len(t, s.conn.ofType(protocol.TypeGameStart), 1)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	h := newHarness(t, Options{RoyaleMaxCapacity: 6})
	_, err := h.c.CreateRoom(context.Background(), &fakeConn{}, "x", "squad", 0)
	assert.ErrorIs(t, err, ErrInvalidRoomType)

	_, created := h.create(t, "", "royale", 50)
	assert.Equal(t, 6, created.Capacity, "clamped to the configured maximum")
	snap, ok := h.c.Snapshot(created.RoomCode)
	require.True(t, ok)
	assert.Equal(t, "Player", snap.Players[0].Name)
	assert.True(t, snap.Players[0].IsHost)
}

func TestReconnectRotatesToken(t *testing.T) {
	h := newHarness(t, Options{ReconnectGrace: time.Minute})
	ctx := context.Background()
	a, b, seed := h.startHeadToHead(t)
	require.NoError(t, h.c.GameUpdate(ctx, b.b, b.conn, Update{Score: 300, Level: 2, Lines: 7}))

	h.c.Disconnect(ctx, b.b, b.conn)
	require.NotNil(t, a.conn.last(protocol.TypePlayerDisconnected))

	fresh := &fakeConn{}
	bound, err := h.c.Reconnect(ctx, fresh, b.token)
	require.NoError(t, err)
	assert.Equal(t, b.b, bound, "same player id is rebound")

	rec := fresh.last(protocol.TypeReconnected).(protocol.Reconnected)
	assert.True(t, rec.GameStarted)
	assert.Equal(t, seed, rec.Seed)
	assert.NotEqual(t, b.token, rec.ReconnectToken)
	require.NotNil(t, rec.Opponent)
	assert.Equal(t, a.b.PlayerID, rec.Opponent.ID)

	presence := a.conn.last(protocol.TypePlayerReconnected).(protocol.PlayerPresence)
	assert.Equal(t, b.b.PlayerID, presence.PlayerID)

	_, err = h.c.Reconnect(ctx, &fakeConn{}, b.token)
	assert.ErrorIs(t, err, ErrInvalidToken, "rotated token is revoked")

	err = h.c.GameUpdate(ctx, b.b, b.conn, Update{Score: 1})
	assert.ErrorIs(t, err, ErrNotInRoom, "stale connection is rejected")

	snap, _ := h.c.Snapshot(bound.RoomCode)
	assert.Len(t, snap.Players, 2)
	assert.Equal(t, 300, snap.Players[1].Score, "state survives the reconnect")
}

func TestReconnectRejectsBadTokens(t *testing.T) {
	h := newHarness(t, Options{ReconnectGrace: time.Hour})
	ctx := context.Background()
	_, b, _ := h.startHeadToHead(t)

	_, err := h.c.Reconnect(ctx, &fakeConn{}, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	h.c.Disconnect(ctx, b.b, b.conn)
	h.clock.Advance(31 * time.Minute)
	_, err = h.c.Reconnect(ctx, &fakeConn{}, b.token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "invalid_token", ErrorCode(err))

	snap, ok := h.c.Snapshot(b.b.RoomCode)
	require.True(t, ok)
	assert.Len(t, snap.Players, 2, "no new slot is created")
}

func TestForfeitAfterGraceWindow(t *testing.T) {
	h := newHarness(t, Options{ReconnectGrace: 20 * time.Millisecond})
	ctx := context.Background()
	a, b, _ := h.startHeadToHead(t)
	require.NoError(t, h.c.GameUpdate(ctx, a.b, a.conn, Update{Score: 100}))
	require.NoError(t, h.c.GameUpdate(ctx, b.b, b.conn, Update{Score: 5000}))

	h.c.Disconnect(ctx, b.b, b.conn)

	require.Eventually(t, func() bool {
		ev, ok := a.conn.last(protocol.TypePlayerGameOver).(protocol.PlayerGameOver)
		return ok && ev.AllDone
	}, 2*time.Second, 10*time.Millisecond)

	over := a.conn.last(protocol.TypePlayerGameOver).(protocol.PlayerGameOver)
	assert.Equal(t, a.b.PlayerID, over.Winner, "remaining player wins despite the lower score")
	require.Len(t, over.Results, 2)
	assert.False(t, over.Results[0].Forfeited)
	assert.True(t, over.Results[1].Forfeited)
	assert.Equal(t, 100, over.Results[0].Score)
	assert.NotNil(t, a.conn.last(protocol.TypePlayerLeft))

	res := h.awaitResult(t)
	assert.Equal(t, a.b.PlayerID, res.Winner)

	_, err := h.c.Reconnect(ctx, &fakeConn{}, b.token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLeaveMidMatchForfeitsImmediately(t *testing.T) {
	h := newHarness(t, Options{ReconnectGrace: time.Hour})
	a, b, _ := h.startHeadToHead(t)
	require.NoError(t, h.c.GameUpdate(context.Background(), a.b, a.conn, Update{Score: 900}))

	require.NoError(t, h.c.Leave(context.Background(), a.b, a.conn))
	over, ok := b.conn.last(protocol.TypePlayerGameOver).(protocol.PlayerGameOver)
	require.True(t, ok)
	assert.True(t, over.AllDone)
	assert.Equal(t, b.b.PlayerID, over.Winner)
	assert.True(t, over.Results[0].Forfeited)
}

func TestDisconnectBeforeStartFreesSlot(t *testing.T) {
	h := newHarness(t, Options{ReconnectGrace: time.Hour})
	a, created := h.create(t, "Alice", "head_to_head", 0)
	b := h.join(t, created.RoomCode, "Bob")

	h.c.Disconnect(context.Background(), b.b, b.conn)
	left := a.conn.last(protocol.TypePlayerLeft).(protocol.PlayerPresence)
	assert.Equal(t, b.b.PlayerID, left.PlayerID)

	h.join(t, created.RoomCode, "Carol")
}

func TestEveryoneGoneAbandonsRoom(t *testing.T) {
	h := newHarness(t, Options{ReconnectGrace: 20 * time.Millisecond})
	ctx := context.Background()
	a, b, _ := h.startHeadToHead(t)

	h.c.Disconnect(ctx, a.b, a.conn)
	h.c.Disconnect(ctx, b.b, b.conn)

	require.Eventually(t, func() bool {
		return h.c.RoomCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.store.Len(), "room and token keys are removed")

	select {
	case res := <-h.sink.ch:
		t.Fatalf("abandoned match published a result: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLastPlayerLeavingClosesRoom(t *testing.T) {
	h := newHarness(t, Options{})
	a, created := h.create(t, "Alice", "head_to_head", 0)
	require.NoError(t, h.c.Leave(context.Background(), a.b, a.conn))
	assert.Equal(t, 0, h.c.RoomCount())

	_, err := h.c.JoinRoom(context.Background(), &fakeConn{}, created.RoomCode, "Bob")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestGameUpdateRelay(t *testing.T) {
	h := newHarness(t, Options{})
	a, b, _ := h.startHeadToHead(t)
	board := json.RawMessage(`[[0,1],[2,0]]`)
	require.NoError(t, h.c.GameUpdate(context.Background(), a.b, a.conn, Update{Score: 40, Level: 1, Lines: 2, Board: board}))

	upd, ok := b.conn.last(protocol.TypeOpponentUpdate).(protocol.OpponentUpdate)
	require.True(t, ok)
	assert.Equal(t, a.b.PlayerID, upd.PlayerID)
	assert.Equal(t, 40, upd.Score)
	assert.JSONEq(t, string(board), string(upd.Board))
	assert.Empty(t, a.conn.ofType(protocol.TypeOpponentUpdate), "sender is not echoed")
}

func TestSendGarbage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a, b, _ := h.startHeadToHead(t)

	require.NoError(t, h.c.SendGarbage(ctx, a.b, a.conn, 1))
	assert.Empty(t, b.conn.ofType(protocol.TypeIncomingGarbage), "single clears send nothing")

	require.NoError(t, h.c.SendGarbage(ctx, a.b, a.conn, 4))
	in := b.conn.last(protocol.TypeIncomingGarbage).(protocol.IncomingGarbage)
	assert.Equal(t, 4, in.Lines)
	assert.Equal(t, a.b.PlayerID, in.FromPlayer)
	sent := a.conn.last(protocol.TypeGarbageSent).(protocol.GarbageSent)
	assert.Equal(t, 4, sent.Lines)
	assert.Equal(t, b.b.PlayerID, sent.ToPlayer)

	require.NoError(t, h.c.SendGarbage(ctx, a.b, a.conn, 3))
	in = b.conn.last(protocol.TypeIncomingGarbage).(protocol.IncomingGarbage)
	assert.Equal(t, 2, in.Lines)
}

func TestRoyaleStandings(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	host, created := h.create(t, "P0", "royale", 4)
	seats := []seat{host}
	for _, name := range []string{"P1", "P2", "P3"} {
		seats = append(seats, h.join(t, created.RoomCode, name))
	}
	h.ready(t, seats...)

	require.NoError(t, h.c.SendGarbage(ctx, seats[0].b, seats[0].conn, 4))
	sent := seats[0].conn.last(protocol.TypeGarbageSent).(protocol.GarbageSent)
	assert.NotEqual(t, seats[0].b.PlayerID, sent.ToPlayer, "never targets self")

	h.gameOver(t, seats[2], 300)
	elim := seats[0].conn.last(protocol.TypePlayerEliminated).(protocol.PlayerEliminated)
	assert.Equal(t, seats[2].b.PlayerID, elim.PlayerID)
	assert.Equal(t, "P2", elim.Name)
	assert.Equal(t, 4, elim.Placement)
	assert.Equal(t, 3, elim.AliveCount)

	before := incomingTotal(seats)
	require.NoError(t, h.c.SendGarbage(ctx, seats[2].b, seats[2].conn, 4))
	assert.Equal(t, before, incomingTotal(seats), "eliminated players cannot attack")

	h.gameOver(t, seats[0], 100)
	require.NoError(t, h.c.Leave(ctx, seats[3].b, seats[3].conn))

	results, ok := seats[1].conn.last(protocol.TypeRoyaleResults).(protocol.RoyaleResults)
	require.True(t, ok)
	assert.Equal(t, seats[1].b.PlayerID, results.Winner)
	require.Len(t, results.Standings, 4)
	for i, r := range results.Standings {
		assert.Equal(t, i+1, r.Placement)
	}
	assert.Equal(t, seats[1].b.PlayerID, results.Standings[0].PlayerID)
	assert.Equal(t, seats[3].b.PlayerID, results.Standings[1].PlayerID)
	assert.True(t, results.Standings[1].Forfeited)
	assert.Equal(t, seats[2].b.PlayerID, results.Standings[3].PlayerID)

	snap, _ := h.c.Snapshot(created.RoomCode)
	assert.Equal(t, room.StatusCompleted, snap.Status)
	assert.Equal(t, seats[1].b.PlayerID, h.awaitResult(t).Winner)
}

func incomingTotal(seats []seat) int {
	n := 0
	for _, s := range seats {
		n += len(s.conn.ofType(protocol.TypeIncomingGarbage))
	}
	return n
}

func completeHeadToHead(t *testing.T, h *harness) (a, b seat, seed int64) {
	t.Helper()
	a, b, seed = h.startHeadToHead(t)
	h.gameOver(t, a, 10)
	h.gameOver(t, b, 20)
	return a, b, seed
}

func TestRematchNeedsUnanimousVote(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	a, b, _ := h.startHeadToHead(t)
	assert.ErrorIs(t, h.c.RequestRematch(ctx, a.b, a.conn), ErrNotCompleted)
	h.gameOver(t, a, 10)
	h.gameOver(t, b, 20)
	snap, _ := h.c.Snapshot(a.b.RoomCode)
	seed := snap.Seed

	require.NoError(t, h.c.RequestRematch(ctx, a.b, a.conn))
	req := b.conn.last(protocol.TypeRematchRequested).(protocol.RematchRequested)
	assert.Equal(t, a.b.PlayerID, req.PlayerID)
	assert.Equal(t, 1, req.Votes)
	assert.Equal(t, 2, req.Needed)
	assert.Empty(t, a.conn.ofType(protocol.TypeRematchStarting))

	require.NoError(t, h.c.RequestRematch(ctx, b.b, b.conn))
	for _, s := range []seat{a, b} {
		start, ok := s.conn.last(protocol.TypeRematchStarting).(protocol.RematchStarting)
		require.True(t, ok)
		assert.NotEqual(t, seed, start.Seed)
		assert.Equal(t, 3, start.Countdown)
	}

	snap, _ = h.c.Snapshot(a.b.RoomCode)
	assert.Equal(t, room.StatusInProgress, snap.Status)
	assert.Empty(t, snap.Winner)
	for _, p := range snap.Players {
		assert.Zero(t, p.Score)
		assert.True(t, p.Alive)
	}

	h.gameOver(t, a, 5)
	h.gameOver(t, b, 1)
	over := b.conn.last(protocol.TypePlayerGameOver).(protocol.PlayerGameOver)
	assert.True(t, over.AllDone)
	assert.Equal(t, a.b.PlayerID, over.Winner)
}

func TestRematchSeedsDiffer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a, b, _ := completeHeadToHead(t, h)

	seen := map[int64]bool{}
	snap, _ := h.c.Snapshot(a.b.RoomCode)
	seen[snap.Seed] = true
	for i := 0; i < 20; i++ {
		require.NoError(t, h.c.RequestRematch(ctx, a.b, a.conn))
		require.NoError(t, h.c.RequestRematch(ctx, b.b, b.conn))
		start := a.conn.last(protocol.TypeRematchStarting).(protocol.RematchStarting)
		assert.False(t, seen[start.Seed], "seed repeated")
		seen[start.Seed] = true
		h.gameOver(t, a, 1)
		h.gameOver(t, b, 2)
	}
}

func TestDeclineRematchClearsVotes(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a, b, _ := completeHeadToHead(t, h)

	require.NoError(t, h.c.RequestRematch(ctx, a.b, a.conn))
	require.NoError(t, h.c.DeclineRematch(ctx, b.b, b.conn))
	declined := a.conn.last(protocol.TypeRematchDeclined).(protocol.RematchDeclined)
	assert.Equal(t, b.b.PlayerID, declined.PlayerID)

	snap, _ := h.c.Snapshot(a.b.RoomCode)
	assert.Empty(t, snap.RematchVotes)
	assert.Equal(t, room.StatusCompleted, snap.Status)

	require.NoError(t, h.c.RequestRematch(ctx, b.b, b.conn))
	assert.Empty(t, a.conn.ofType(protocol.TypeRematchStarting))
}

func TestRoyaleRematchDropsDisconnectedPlayers(t *testing.T) {
	h := newHarness(t, Options{ReconnectGrace: time.Hour})
	ctx := context.Background()
	p0, created := h.create(t, "P0", "royale", 3)
	p1 := h.join(t, created.RoomCode, "P1")
	p2 := h.join(t, created.RoomCode, "P2")
	h.ready(t, p0, p1, p2)
	h.gameOver(t, p0, 1)
	h.gameOver(t, p1, 2)
	require.NotNil(t, p2.conn.last(protocol.TypeRoyaleResults))

	h.c.Disconnect(ctx, p2.b, p2.conn)
	require.NoError(t, h.c.RequestRematch(ctx, p0.b, p0.conn))
	require.NoError(t, h.c.RequestRematch(ctx, p1.b, p1.conn))
	require.NotNil(t, p0.conn.last(protocol.TypeRematchStarting))

	snap, _ := h.c.Snapshot(created.RoomCode)
	assert.Len(t, snap.Players, 2)
	_, err := h.c.Reconnect(ctx, &fakeConn{}, p2.token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmojiAllowList(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a, b, _ := h.startHeadToHead(t)

	require.NoError(t, h.c.Emoji(ctx, a.b, a.conn, "🔥"))
	require.NoError(t, h.c.Emoji(ctx, a.b, a.conn, "<script>"))

	got := b.conn.ofType(protocol.TypeEmojiReceived)
	require.Len(t, got, 1)
	assert.Equal(t, "🔥", got[0].(protocol.EmojiReceived).Emoji)
	assert.Empty(t, a.conn.ofType(protocol.TypeEmojiReceived))
}

func TestSweepExpiresIdleRooms(t *testing.T) {
	h := newHarness(t, Options{RoomTTL: 30 * time.Minute})
	ctx := context.Background()
	a, created := h.create(t, "Alice", "head_to_head", 0)
	_, fresh := h.create(t, "Bob", "head_to_head", 0)

	h.clock.Advance(20 * time.Minute)
	assert.Equal(t, 0, h.c.Sweep(ctx))

	_, err := h.c.JoinRoom(ctx, &fakeConn{}, fresh.RoomCode, "Carol")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, h.c.Sweep(ctx))

	expired := a.conn.last(protocol.TypeRoomExpired).(protocol.RoomExpired)
	assert.Equal(t, created.RoomCode, expired.RoomCode)
	_, ok := h.c.Snapshot(created.RoomCode)
	assert.False(t, ok)
	_, ok = h.c.Snapshot(fresh.RoomCode)
	assert.True(t, ok)

	_, err = h.c.Reconnect(ctx, &fakeConn{}, a.token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestShutdownNotifiesEveryone(t *testing.T) {
	h := newHarness(t, Options{})
	a, b, _ := h.startHeadToHead(t)

	h.c.Shutdown(context.Background(), "maintenance")
	for _, s := range []seat{a, b} {
		ev, ok := s.conn.last(protocol.TypeServerShutdown).(protocol.ServerShutdown)
		require.True(t, ok)
		assert.Equal(t, "maintenance", ev.Message)
	}
	assert.Equal(t, 0, h.c.RoomCount())
}

// downStore fails every call, like a Redis backend that has gone away.
type downStore struct{}

func (downStore) Set(context.Context, string, []byte, time.Duration) error { return store.ErrUnavailable }
func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}
func (downStore) Get(context.Context, string) ([]byte, error) { return nil, store.ErrUnavailable }
func (downStore) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}
func (downStore) Delete(context.Context, ...string) error { return store.ErrUnavailable }
func (downStore) Ping(context.Context) error              { return store.ErrUnavailable }
func (downStore) Close() error                            { return nil }

func TestStoreUnavailableRefusesNewRooms(t *testing.T) {
	tokens, err := auth.NewTokenIssuer(time.Minute)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := NewCoordinator(downStore{}, tokens, nil, logger, Options{})

	conn := &fakeConn{}
	_, err = c.CreateRoom(context.Background(), conn, "Alice", "", 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "store_unavailable", ErrorCode(err))
	assert.Equal(t, 0, c.RoomCount())
	assert.Empty(t, conn.ofType(protocol.TypeRoomCreated))

	ev := ErrorEvent(err)
	assert.Equal(t, protocol.TypeError, ev.Type)
	assert.Equal(t, "store_unavailable", ev.Code)
}

func TestErrorEventHidesInternalErrors(t *testing.T) {
	ev := ErrorEvent(assert.AnError)
	assert.Equal(t, "internal_error", ev.Code)
	assert.Equal(t, "internal server error", ev.Message)
}

// sequence returns a code generator that yields codes in order and then
// repeats the last one.
func sequence(codes ...string) func() string {
	var (
		mu sync.Mutex
		i  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		code := codes[min(i, len(codes)-1)]
		i++
		return code
	}
}

func TestRoomCodeSkipsTakenCodes(t *testing.T) {
	h := newHarness(t, Options{NewCode: sequence("TAKN", "FREE", "FREE", "NEXT")})
	ok, err := h.store.SetNX(context.Background(), store.RoomKey("TAKN"), []byte(`{}`), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, first := h.create(t, "Alice", "head_to_head", 0)
	assert.Equal(t, "FREE", first.RoomCode, "code held in the store is skipped")

	_, second := h.create(t, "Bob", "head_to_head", 0)
	assert.Equal(t, "NEXT", second.RoomCode, "code of a live room is skipped")
	assert.Equal(t, 2, h.c.RoomCount())
}

func TestRoomCodesAreDistinct(t *testing.T) {
	h := newHarness(t, Options{})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, created := h.create(t, "P", "head_to_head", 0)
		assert.False(t, seen[created.RoomCode], "duplicate code %s", created.RoomCode)
		seen[created.RoomCode] = true
	}
}

func TestRoomCodeExhaustion(t *testing.T) {
	h := newHarness(t, Options{NewCode: sequence("SAME")})
	h.create(t, "Alice", "head_to_head", 0)

	conn := &fakeConn{}
	_, err := h.c.CreateRoom(context.Background(), conn, "Bob", "head_to_head", 0)
	assert.ErrorIs(t, err, ErrNoFreeCode)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "no_free_code", ErrorCode(err))
	assert.Empty(t, conn.ofType(protocol.TypeRoomCreated))
	assert.Equal(t, 1, h.c.RoomCount())
}

// concurrently runs fn for every seat at once.
func concurrently(seats []seat, fn func(i int, s seat)) {
	var wg sync.WaitGroup
	for i, s := range seats {
		wg.Add(1)
		go func(i int, s seat) {
			defer wg.Done()
			fn(i, s)
		}(i, s)
	}
	wg.Wait()
}

func TestConcurrentReadyAndGameOverHeadToHead(t *testing.T) {
	ctx := context.Background()
	for iter := 0; iter < 100; iter++ {
		h := newHarness(t, Options{})
		a, created := h.create(t, "Alice", "head_to_head", 0)
		b := h.join(t, created.RoomCode, "Bob")
		seats := []seat{a, b}

		concurrently(seats, func(_ int, s seat) {
			assert.NoError(t, h.c.Ready(ctx, s.b, s.conn))
		})
		for _, s := range seats {
			require.Len(t, s.conn.ofType(protocol.TypeGameStart), 1, "iteration %d", iter)
		}

		concurrently(seats, func(i int, s seat) {
			assert.NoError(t, h.c.GameOver(ctx, s.b, s.conn, Update{Score: 1000 + i*500}))
		})
		for _, s := range seats {
			allDone := 0
			for _, ev := range s.conn.ofType(protocol.TypePlayerGameOver) {
				if ev.(protocol.PlayerGameOver).AllDone {
					allDone++
				}
			}
			require.Equal(t, 1, allDone, "iteration %d", iter)
		}
		res := h.awaitResult(t)
		assert.Equal(t, b.b.PlayerID, res.Winner)
		assert.Empty(t, h.sink.ch, "one result per match")
	}
}

func TestConcurrentGameOverRoyale(t *testing.T) {
	ctx := context.Background()
	for iter := 0; iter < 100; iter++ {
		h := newHarness(t, Options{})
		host, created := h.create(t, "P0", "royale", 3)
		seats := []seat{host, h.join(t, created.RoomCode, "P1"), h.join(t, created.RoomCode, "P2")}

		concurrently(seats, func(_ int, s seat) {
			assert.NoError(t, h.c.Ready(ctx, s.b, s.conn))
		})
		concurrently(seats, func(i int, s seat) {
			assert.NoError(t, h.c.GameOver(ctx, s.b, s.conn, Update{Score: i}))
		})

		for _, s := range seats {
			require.Len(t, s.conn.ofType(protocol.TypeGameStart), 1, "iteration %d", iter)
			require.Len(t, s.conn.ofType(protocol.TypeRoyaleResults), 1, "iteration %d", iter)
		}
		h.awaitResult(t)
		assert.Empty(t, h.sink.ch, "one result per match")
	}
}

func TestStoreMirrorsRoomSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	a, b, seed := h.startHeadToHead(t)

	data, err := h.store.Get(context.Background(), store.RoomKey(a.b.RoomCode))
	require.NoError(t, err)
	var snap room.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	live, ok := h.c.Snapshot(a.b.RoomCode)
	require.True(t, ok)
	assert.Equal(t, a.b.RoomCode, snap.Code)
	assert.Equal(t, room.StatusInProgress, snap.Status)
	assert.Equal(t, seed, snap.Seed)
	assert.Equal(t, a.b.PlayerID, snap.HostID)
	require.Len(t, snap.Players, 2)
	assert.Equal(t, b.b.PlayerID, snap.Players[1].ID)
	assert.Equal(t, live.Status, snap.Status)
}
