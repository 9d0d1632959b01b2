package database

import (
	"context"
	"testing"
	"time"

	"github.com/jason-s-yu/blockfall/internal/models"
	"github.com/jason-s-yu/blockfall/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *MatchStore {
	t.Helper()
	if testing.Short() {
		t.Skip("needs a Postgres container")
	}
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("blockfall"),
		tcpostgres.WithUsername("blockfall"),
		tcpostgres.WithPassword("blockfall"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewMatchStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema creation is idempotent")
	return s
}

func TestInsertMatchResults(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	duel := models.MatchResult{
		MatchID:  "duel-1",
		RoomCode: "ABCD",
		RoomType: "head_to_head",
		Seed:     7,
		Winner:   "b",
		Standings: []protocol.Result{
			{PlayerID: "b", Name: "Bob", Score: 1500},
			{PlayerID: "a", Name: "Alice", Score: 1000, Forfeited: true},
		},
		FinishedAt: base,
	}
	tie := models.MatchResult{
		MatchID:    "duel-2",
		RoomCode:   "WXYZ",
		RoomType:   "head_to_head",
		Seed:       8,
		Tie:        true,
		Standings:  []protocol.Result{{PlayerID: "c", Name: "C", Score: 5}, {PlayerID: "d", Name: "D", Score: 5}},
		FinishedAt: base.Add(time.Minute),
	}
	require.NoError(t, s.InsertMatchResults(ctx, []models.MatchResult{duel, tie}))
	require.NoError(t, s.InsertMatchResults(ctx, []models.MatchResult{duel}), "redelivery is ignored")
	require.NoError(t, s.InsertMatchResults(ctx, nil))

	got, err := s.RecentMatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "duel-2", got[0].MatchID)
	assert.True(t, got[0].Tie)
	assert.Empty(t, got[0].Winner)

	assert.Equal(t, "duel-1", got[1].MatchID)
	assert.Equal(t, "b", got[1].Winner)
	assert.True(t, base.Equal(got[1].FinishedAt))
	assert.Equal(t, duel.Standings, got[1].Standings)
}
