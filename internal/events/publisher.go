// Package events publishes settlement side effects (mission progress,
// achievement checks, notifications) onto a Redis queue consumed by
// external workers. Publishing is fire-and-forget: failures are logged and
// never block game-over delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Event kinds understood by the downstream workers.
const (
	KindMissionProgress  = "mission.progress"
	KindAchievementCheck = "achievement.check"
	KindNotification     = "notification"
)

// Event is one settlement side effect. Payload always carries the
// post-update stats snapshot so workers never read mid-update values.
type Event struct {
	Kind      string                 `json:"kind"`
	UserID    uuid.UUID              `json:"user_id"`
	MatchID   uuid.UUID              `json:"match_id"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

// Publisher pushes events onto a Redis list. A nil Publisher is a no-op,
// which lets tests run without Redis.
type Publisher struct {
	rdb   *redis.Client
	queue string
	log   *logrus.Logger
}

// Connect initializes the Redis client and verifies connectivity.
func Connect(addr string, db int, queue string, log *logrus.Logger) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Publisher{rdb: rdb, queue: queue, log: log}, nil
}

// Publish serializes the event and pushes it onto the queue. Errors are
// logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorf("failed to marshal %s event for user %s: %v", ev.Kind, ev.UserID, err)
		return
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		p.log.Warnf("failed to enqueue %s event for user %s: %v", ev.Kind, ev.UserID, err)
	}
}
