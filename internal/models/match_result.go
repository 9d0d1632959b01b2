// internal/models/match_result.go
package models

import (
	"time"

	"github.com/jason-s-yu/blockfall/internal/protocol"
)

// MatchResult is the record of one finished match, queued for the historian.
type MatchResult struct {
	MatchID    string            `json:"match_id"`
	RoomCode   string            `json:"room_code"`
	RoomType   string            `json:"room_type"`
	Seed       int64             `json:"seed"`
	Winner     string            `json:"winner,omitempty"`
	Tie        bool              `json:"tie,omitempty"`
	Standings  []protocol.Result `json:"standings"`
	FinishedAt time.Time         `json:"finished_at"`
}
