// internal/database/results.go
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/blockfall/internal/models"
	"github.com/jason-s-yu/blockfall/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS match_results (
	match_id    TEXT PRIMARY KEY,
	room_code   TEXT NOT NULL,
	room_type   TEXT NOT NULL,
	seed        BIGINT NOT NULL,
	winner      TEXT,
	tie         BOOLEAN NOT NULL DEFAULT FALSE,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS match_standings (
	match_id  TEXT NOT NULL REFERENCES match_results(match_id) ON DELETE CASCADE,
	player_id TEXT NOT NULL,
	position  INTEGER NOT NULL,
	name      TEXT NOT NULL,
	score     INTEGER NOT NULL,
	level     INTEGER NOT NULL,
	lines     INTEGER NOT NULL,
	placement INTEGER NOT NULL DEFAULT 0,
	forfeited BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (match_id, player_id)
);

CREATE INDEX IF NOT EXISTS match_results_finished_at_idx ON match_results (finished_at DESC);
`

// MatchStore persists finished matches.
type MatchStore struct {
	pool *pgxpool.Pool
}

func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

// EnsureSchema creates the result tables if they do not exist.
func (s *MatchStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertMatchResults writes a batch in one transaction. Results already
// stored (same match_id) are skipped, so a redelivered batch is harmless.
func (s *MatchStore) InsertMatchResults(ctx context.Context, results []models.MatchResult) error {
	if len(results) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, res := range results {
			if err := insertMatchTx(ctx, tx, res); err != nil {
				return fmt.Errorf("match %s: %w", res.MatchID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx insert match results: %w", err)
	}
	return nil
}

func insertMatchTx(ctx context.Context, tx pgx.Tx, res models.MatchResult) error {
	q := `
		INSERT INTO match_results (match_id, room_code, room_type, seed, winner, tie, finished_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (match_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, q, res.MatchID, res.RoomCode, res.RoomType, res.Seed, res.Winner, res.Tie, res.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, st := range res.Standings {
		batch.Queue(`
			INSERT INTO match_standings (match_id, player_id, position, name, score, level, lines, placement, forfeited)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, res.MatchID, st.PlayerID, i, st.Name, st.Score, st.Level, st.Lines, st.Placement, st.Forfeited)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// RecentMatches returns the latest matches, newest first, with standings.
func (s *MatchStore) RecentMatches(ctx context.Context, limit int) ([]models.MatchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT match_id, room_code, room_type, seed, COALESCE(winner, ''), tie, finished_at
		FROM match_results
		ORDER BY finished_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MatchResult, error) {
		var m models.MatchResult
		err := row.Scan(&m.MatchID, &m.RoomCode, &m.RoomType, &m.Seed, &m.Winner, &m.Tie, &m.FinishedAt)
		return m, err
	})
	if err != nil {
		return nil, err
	}

	for i := range matches {
		rows, err := s.pool.Query(ctx, `
			SELECT player_id, name, score, level, lines, placement, forfeited
			FROM match_standings
			WHERE match_id = $1
			ORDER BY position
		`, matches[i].MatchID)
		if err != nil {
			return nil, err
		}
		matches[i].Standings, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (protocol.Result, error) {
			var r protocol.Result
			err := row.Scan(&r.PlayerID, &r.Name, &r.Score, &r.Level, &r.Lines, &r.Placement, &r.Forfeited)
			return r, err
		})
		if err != nil {
			return nil, err
		}
	}
	return matches, nil
}
