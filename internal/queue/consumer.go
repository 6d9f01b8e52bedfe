package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"grade-publisher/internal/config"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type Consumer struct {
	client       *redis.Client
	cfg          *config.Config
	blockTimeout time.Duration
	log          zerolog.Logger
}

type MessageHandler func(ctx context.Context, data []byte) error

func NewConsumer(redisClient *RedisClient, cfg *config.Config) *Consumer {
	return &Consumer{
		client:       redisClient.Client(),
		cfg:          cfg,
		blockTimeout: 5 * time.Second,
		log:          logger.Get(),
	}
}

func (c *Consumer) ConsumePublishQueue(ctx context.Context, handler MessageHandler) error {
	return c.consume(ctx, c.cfg.Redis.PublishQueue, handler)
}

func (c *Consumer) ConsumeExportQueue(ctx context.Context, handler MessageHandler) error {
	return c.consume(ctx, c.cfg.Redis.ExportQueue, handler)
}

func (c *Consumer) consume(ctx context.Context, queueName string, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			result, err := c.client.BRPop(ctx, c.blockTimeout, queueName).Result()
			if err != nil {
				if err == redis.Nil {
					continue // Timeout, continue polling
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Error().Err(err).Str("queue", queueName).Msg("Failed to consume message")
				continue
			}

			if len(result) < 2 {
				continue
			}

			message := result[1]
			if err := handler(ctx, []byte(message)); err != nil {
				c.log.Error().Err(err).Str("queue", queueName).Msg("Failed to process message")
				// Move to DLQ
				dlqName := queueName + c.cfg.Redis.DLQSuffix
				// The message is already popped; park it even if shutdown has started.
				if dlqErr := c.client.LPush(context.WithoutCancel(ctx), dlqName, message).Err(); dlqErr != nil {
					c.log.Error().Err(dlqErr).Str("dlq", dlqName).Msg("Failed to move message to DLQ")
				}
			}
		}
	}
}

// ClaimDueExpiries removes and returns every expiry whose run time has passed.
// A job removed by another poller first is skipped, so each runs once.
func (c *Consumer) ClaimDueExpiries(ctx context.Context, now time.Time) ([]model.ExpireJob, error) {
	key := c.cfg.Redis.ExpirySchedule
	members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var jobs []model.ExpireJob
	for _, member := range members {
		removed, err := c.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return jobs, err
		}
		if removed == 0 {
			continue
		}

		var job model.ExpireJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			c.log.Error().Err(err).Str("member", member).Msg("Dropping malformed expiry job")
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}
