package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"docmigrate/internal/domain"
)

const DefaultKeyPrefix = "docmigrate:checkpoint:"

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisStore shares checkpoints between hosts that resume each other's
// jobs. A checkpoint is one JSON value written with a single SET.
type RedisStore struct {
	client redisClient
	prefix string
}

func NewRedisStore(client redisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Connect accepts a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (s *RedisStore) key(jobID string) string { return s.prefix + jobID }

func (s *RedisStore) Load(ctx context.Context, jobID string) (domain.MigrationCheckpoint, bool, error) {
	raw, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.MigrationCheckpoint{JobID: jobID}, false, nil
	}
	if err != nil {
		return domain.MigrationCheckpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp domain.MigrationCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cp, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

func (s *RedisStore) Save(ctx context.Context, cp domain.MigrationCheckpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(cp.JobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
