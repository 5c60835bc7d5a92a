// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jason-s-yu/guess/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list that carries round actions to the historian.
const DefaultQueueName = "guess_round_actions"

// Pusher is the slice of the Redis client the recorder needs.
type Pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Recorder queues round actions for the historian.
type Recorder struct {
	Rdb   Pusher
	Queue string
}

// ConnectRedis dials addr and checks the connection with a PING.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRecorder pushes to queue, or DefaultQueueName when queue is empty.
func NewRecorder(rdb Pusher, queue string) *Recorder {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Recorder{Rdb: rdb, Queue: queue}
}

// Record serializes action to JSON and appends it to the queue.
func (r *Recorder) Record(ctx context.Context, action models.RoundAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal round action: %w", err)
	}
	if err := r.Rdb.RPush(ctx, r.Queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", r.Queue, err)
	}
	return nil
}
