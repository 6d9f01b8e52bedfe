package queue

import (
	"context"
	"encoding/json"
	"time"

	"grade-publisher/internal/config"
	"grade-publisher/internal/model"

	"github.com/go-redis/redis/v8"
)

// Producer enqueues background work. It satisfies publishing.Dispatcher.
type Producer struct {
	client *redis.Client
	cfg    *config.Config
}

func NewProducer(redisClient *RedisClient, cfg *config.Config) *Producer {
	return &Producer{
		client: redisClient.Client(),
		cfg:    cfg,
	}
}

func (p *Producer) EnqueuePublish(ctx context.Context, job model.PublishJob) error {
	return p.push(ctx, p.cfg.Redis.PublishQueue, job)
}

func (p *Producer) EnqueueExport(ctx context.Context, job model.ExportJob) error {
	return p.push(ctx, p.cfg.Redis.ExportQueue, job)
}

// ScheduleExpiry stores the job in a sorted set scored by its run time.
func (p *Producer) ScheduleExpiry(ctx context.Context, job model.ExpireJob, runAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return p.client.ZAdd(ctx, p.cfg.Redis.ExpirySchedule, &redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: data,
	}).Err()
}

func (p *Producer) push(ctx context.Context, queueName string, job interface{}) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return p.client.LPush(ctx, queueName, data).Err()
}
