package queue

import (
	"context"
	"fmt"
	"time"

	"grade-publisher/internal/config"
	"grade-publisher/internal/logger"

	"github.com/go-redis/redis/v8"
)

const pingTimeout = 5 * time.Second

// RedisClient owns the connection shared by the producer and consumer.
type RedisClient struct {
	client *redis.Client
	cfg    *config.Config
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	r := &RedisClient{client: rdb, cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := r.Ping(ctx); err != nil {
		rdb.Close()
		return nil, err
	}

	log := logger.Get()
	log.Info().Str("addr", cfg.RedisAddr()).Int("db", cfg.Redis.DB).Msg("Connected to Redis")
	return r, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Depths reports pending publish and export jobs, their dead letters and the
// number of scheduled expiry jobs.
func (r *RedisClient) Depths(ctx context.Context) (map[string]int64, error) {
	rc := r.cfg.Redis

	pipe := r.client.Pipeline()
	lists := map[string]*redis.IntCmd{
		rc.PublishQueue:                pipe.LLen(ctx, rc.PublishQueue),
		rc.PublishQueue + rc.DLQSuffix: pipe.LLen(ctx, rc.PublishQueue+rc.DLQSuffix),
		rc.ExportQueue:                 pipe.LLen(ctx, rc.ExportQueue),
		rc.ExportQueue + rc.DLQSuffix:  pipe.LLen(ctx, rc.ExportQueue+rc.DLQSuffix),
		rc.ExpirySchedule:              pipe.ZCard(ctx, rc.ExpirySchedule),
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}

	depths := make(map[string]int64, len(lists))
	for name, cmd := range lists {
		depths[name] = cmd.Val()
	}
	return depths, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) Client() *redis.Client {
	return r.client
}
