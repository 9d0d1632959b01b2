package room

import (
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *recordingConn) Send(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func newTestRoom(t *testing.T, typ Type, n int) *Room {
	t.Helper()
	r := New("TEST", typ, n, 99, time.Now())
	for i := 0; i < n; i++ {
		r.AddPlayer(&Player{ID: "p" + strconv.Itoa(i), Name: "player" + strconv.Itoa(i), Conn: &recordingConn{}})
	}
	return r
}

func TestAttackLinesTable(t *testing.T) {
	cases := map[int]int{-3: 0, 0: 0, 1: 0, 2: 1, 3: 2, 4: 4, 5: 4, 1000: 4}
	for cleared, want := range cases {
		assert.Equal(t, want, AttackLines(cleared), "cleared=%d", cleared)
	}
	for i := 0; i < 64; i++ {
		assert.LessOrEqual(t, AttackLines(i), MaxAttackLines)
	}
}

func TestTransitions(t *testing.T) {
	r := New("ABCD", TypeHeadToHead, 0, 1, time.Now())
	require.Equal(t, StatusWaiting, r.Status)
	assert.Equal(t, 2, r.Capacity, "head-to-head capacity is fixed")

	assert.ErrorIs(t, r.Transition(StatusInProgress), ErrInvalidTransition, "cannot skip starting")
	require.NoError(t, r.Transition(StatusStarting))
	require.NoError(t, r.Transition(StatusInProgress))
	assert.ErrorIs(t, r.Transition(StatusWaiting), ErrInvalidTransition, "never backward")
	require.NoError(t, r.Transition(StatusCompleted))
	assert.ErrorIs(t, r.Transition(StatusAbandoned), ErrInvalidTransition)
	require.NoError(t, r.Transition(StatusStarting), "rematch edge")
	require.NoError(t, r.Transition(StatusInProgress))
	require.NoError(t, r.Transition(StatusAbandoned))
	assert.ErrorIs(t, r.Transition(StatusStarting), ErrInvalidTransition, "abandoned is terminal")
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("")
	require.NoError(t, err)
	assert.Equal(t, TypeHeadToHead, typ)

	typ, err = ParseType("royale")
	require.NoError(t, err)
	assert.Equal(t, TypeRoyale, typ)

	_, err = ParseType("tournament")
	assert.Error(t, err)
}

func TestRoyalePlacementsFormPermutation(t *testing.T) {
	const n = 6
	r := newTestRoom(t, TypeRoyale, n)

	// knock players out in an arbitrary order
	for _, id := range []string{"p3", "p0", "p5", "p1", "p4"} {
		r.Eliminate(r.Players[id])
	}
	last := r.LastStanding()
	require.NotNil(t, last)
	assert.Equal(t, "p2", last.ID)
	last.Placement = 1

	var placements []int
	for _, p := range r.Players {
		placements = append(placements, p.Placement)
	}
	sort.Ints(placements)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, placements)

	standings := r.Standings()
	assert.Equal(t, "p2", standings[0].PlayerID)
	assert.Equal(t, "p3", standings[n-1].PlayerID, "first out places last")
}

func TestEliminateIsIdempotent(t *testing.T) {
	r := newTestRoom(t, TypeRoyale, 3)
	first := r.Eliminate(r.Players["p1"])
	again := r.Eliminate(r.Players["p1"])
	assert.Equal(t, 3, first)
	assert.Equal(t, first, again)
	assert.Equal(t, 2, r.AliveCount())
}

func TestPickTargetDeterministicForSeed(t *testing.T) {
	a := newTestRoom(t, TypeRoyale, 5)
	b := newTestRoom(t, TypeRoyale, 5)
	for i := 0; i < 50; i++ {
		ta, ok := a.PickTarget("p0")
		require.True(t, ok)
		tb, _ := b.PickTarget("p0")
		assert.Equal(t, ta.ID, tb.ID)
		assert.NotEqual(t, "p0", ta.ID, "never targets the sender")
	}

	a.Eliminate(a.Players["p1"])
	a.Eliminate(a.Players["p2"])
	for i := 0; i < 20; i++ {
		target, ok := a.PickTarget("p0")
		require.True(t, ok)
		assert.True(t, target.Alive)
	}
}

func TestPickTargetHeadToHead(t *testing.T) {
	r := newTestRoom(t, TypeHeadToHead, 2)
	target, ok := r.PickTarget("p0")
	require.True(t, ok)
	assert.Equal(t, "p1", target.ID)
}

func TestDecideHeadToHead(t *testing.T) {
	r := newTestRoom(t, TypeHeadToHead, 2)
	r.Players["p0"].Score = 8000
	r.Players["p1"].Score = 6000
	r.DecideHeadToHead()
	assert.Equal(t, "p0", r.Winner)
	assert.False(t, r.Tie)

	r = newTestRoom(t, TypeHeadToHead, 2)
	r.Players["p0"].Score = 500
	r.Players["p1"].Score = 500
	r.DecideHeadToHead()
	assert.True(t, r.Tie)
	assert.Empty(t, r.Winner)

	r = newTestRoom(t, TypeHeadToHead, 2)
	r.Players["p0"].Score = 9000
	r.Players["p0"].Forfeited = true
	r.Players["p1"].Score = 10
	r.DecideHeadToHead()
	assert.Equal(t, "p1", r.Winner, "forfeit loses regardless of score")
}

func TestRemovePlayerReassignsHost(t *testing.T) {
	r := newTestRoom(t, TypeRoyale, 3)
	require.Equal(t, "p0", r.HostID)
	r.RemovePlayer("p0")
	assert.Equal(t, "p1", r.HostID)
	assert.Equal(t, []string{"p1", "p2"}, r.Order)
	assert.Nil(t, r.RemovePlayer("nobody"))
}

func TestBroadcastSkipsDisconnected(t *testing.T) {
	r := newTestRoom(t, TypeRoyale, 3)
	r.Players["p1"].Connected = false
	r.BroadcastExcept("p0", protocol.NewPresence(protocol.TypePlayerLeft, "x"))

	assert.Empty(t, r.Players["p0"].Conn.(*recordingConn).events)
	assert.Empty(t, r.Players["p1"].Conn.(*recordingConn).events)
	assert.Len(t, r.Players["p2"].Conn.(*recordingConn).events, 1)
}

func TestSendToReportsDelivery(t *testing.T) {
	r := newTestRoom(t, TypeHeadToHead, 2)
	r.Players["p1"].Connected = false
	ev := protocol.NewPresence(protocol.TypePlayerLeft, "x")

	assert.True(t, r.SendTo("p0", ev))
	assert.False(t, r.SendTo("p1", ev), "disconnected")
	assert.False(t, r.SendTo("nobody", ev), "absent")
	assert.Len(t, r.Players["p0"].Conn.(*recordingConn).events, 1)
	assert.Empty(t, r.Players["p1"].Conn.(*recordingConn).events)
}

func TestResetForRematch(t *testing.T) {
	r := newTestRoom(t, TypeRoyale, 3)
	r.Status = StatusCompleted
	r.Players["p0"].Score = 100
	r.Players["p0"].Placement = 1
	r.Players["p2"].Connected = false
	r.RematchVotes["p0"] = true
	old := r.Seed

	seed := NewSeed(old)
	dropped := r.ResetForRematch(seed, time.Now())
	assert.Equal(t, []string{"p2"}, dropped)
	assert.NotEqual(t, old, r.Seed)
	assert.Zero(t, r.Players["p0"].Score)
	assert.Zero(t, r.Players["p0"].Placement)
	assert.Empty(t, r.RematchVotes)
	assert.Len(t, r.Players, 2)
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := GenerateCode()
		require.Len(t, code, CodeLength)
		for _, c := range code {
			assert.True(t, (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'), "bad rune %q", c)
		}
	}
	assert.Equal(t, "AB12", NormalizeCode(" ab12 "))
}
