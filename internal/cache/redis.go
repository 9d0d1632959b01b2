// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/blockfall/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list (queue) name for finished matches.
const DefaultQueueName = "blockfall_results"

// Connect opens a Redis client and verifies it answers a ping.
func Connect(ctx context.Context, addr string, db int, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// ResultQueue carries finished matches from the server to the historian over
// a Redis list.
type ResultQueue struct {
	rdb  *redis.Client
	name string
}

func NewResultQueue(rdb *redis.Client, name string) *ResultQueue {
	if name == "" {
		name = DefaultQueueName
	}
	return &ResultQueue{rdb: rdb, name: name}
}

// Name returns the list key.
func (q *ResultQueue) Name() string {
	return q.name
}

// PublishMatchResult serializes the result to JSON, then pushes it to the queue.
func (q *ResultQueue) PublishMatchResult(ctx context.Context, res models.MatchResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal MatchResult: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// ErrEmpty is returned by Pop when nothing arrived within the timeout.
var ErrEmpty = errors.New("queue empty")

// Pop blocks up to timeout for the next result. Undecodable entries are
// returned as errors and are not re-queued.
func (q *ResultQueue) Pop(ctx context.Context, timeout time.Duration) (models.MatchResult, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return models.MatchResult{}, ErrEmpty
	}
	if err != nil {
		return models.MatchResult{}, fmt.Errorf("BLPop %s: %w", q.name, err)
	}
	if len(res) < 2 {
		return models.MatchResult{}, ErrEmpty
	}

	// res[0] is the queue name and res[1] the payload.
	var out models.MatchResult
	if err := json.Unmarshal([]byte(res[1]), &out); err != nil {
		return models.MatchResult{}, fmt.Errorf("invalid match result record: %w", err)
	}
	return out, nil
}
