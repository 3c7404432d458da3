package guard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"pushpay-service/internal/model"
)

const redisKeyPrefix = "pushpay:webhook-event:"

// RedisReplayStore keeps event ids as keys expiring after the replay horizon,
// so garbage collection is left to Redis.
type RedisReplayStore struct {
	client  redis.UniversalClient
	horizon time.Duration
}

func NewRedisReplayStore(client redis.UniversalClient, horizon time.Duration) *RedisReplayStore {
	if horizon <= 0 {
		horizon = DefaultReplayHorizon
	}
	return &RedisReplayStore{client: client, horizon: horizon}
}

func (s *RedisReplayStore) Claim(ctx context.Context, rec model.WebhookEventRecord) (bool, error) {
	value, err := json.Marshal(redisRecord{
		EventName:      rec.EventName,
		LocalReference: rec.LocalReference,
		ClientIP:       rec.ClientIP,
		UserAgent:      rec.UserAgent,
		ReceivedAt:     rec.ReceivedAt,
	})
	if err != nil {
		return false, errors.Wrap(err, "marshal webhook event record")
	}

	fresh, err := s.client.SetNX(ctx, redisKeyPrefix+rec.EventID, value, s.horizon).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim webhook event")
	}
	return fresh, nil
}

func (s *RedisReplayStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+eventID).Err(); err != nil {
		return errors.Wrap(err, "release webhook event")
	}
	return nil
}

// Purge is a no-op: keys expire on their own.
func (s *RedisReplayStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

type redisRecord struct {
	EventName      string    `json:"eventName"`
	LocalReference string    `json:"reference"`
	ClientIP       string    `json:"clientIp"`
	UserAgent      string    `json:"userAgent"`
	ReceivedAt     time.Time `json:"receivedAt"`
}
