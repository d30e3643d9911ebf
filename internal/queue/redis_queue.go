package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/models"
)

// RedisQueue hands job descriptors to workers through a ready list, tracking
// leased descriptors in an in-flight sorted set scored by lease deadline.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	payloadKey    string
	visibilityTTL time.Duration
	pollInterval  time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	name := cfg.QueueName
	if name == "" {
		name = "default"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	poll := cfg.WorkerPollInterval
	if poll == 0 {
		poll = time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("analysis:queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("analysis:queue:%s:inflight", name),
		payloadKey:    fmt.Sprintf("analysis:queue:%s:payloads", name),
		visibilityTTL: visibility,
		pollInterval:  poll,
	}
}

// Ping checks that the Redis transport is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping redis: %v", models.ErrQueue, err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends a descriptor to the ready list. It does not wait for execution.
func (q *RedisQueue) Enqueue(ctx context.Context, d models.Descriptor) error {
	if d.JobID == "" {
		return fmt.Errorf("%w: descriptor without job id", models.ErrQueue)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: encode descriptor: %v", models.ErrQueue, err)
	}
	if err := q.client.RPush(ctx, q.readyKey, body).Err(); err != nil {
		return fmt.Errorf("%w: push %s: %v", models.ErrQueue, d.JobID, err)
	}
	return nil
}

// TryDequeue pops one descriptor and leases it for the visibility timeout.
// ok is false when the ready list is empty.
func (q *RedisQueue) TryDequeue(ctx context.Context) (d models.Descriptor, ok bool, err error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey, q.payloadKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return models.Descriptor{}, false, nil
	}
	if err != nil {
		return models.Descriptor{}, false, fmt.Errorf("%w: dequeue: %v", models.ErrQueue, err)
	}
	raw, isString := res.(string)
	if !isString {
		return models.Descriptor{}, false, fmt.Errorf("%w: unexpected type from dequeue script: %T", models.ErrQueue, res)
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return models.Descriptor{}, false, fmt.Errorf("%w: decode descriptor: %v", models.ErrQueue, err)
	}
	return d, true, nil
}

// Dequeue blocks until a descriptor is leased or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.Descriptor, error) {
	for {
		d, ok, err := q.TryDequeue(ctx)
		if err != nil {
			return models.Descriptor{}, err
		}
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return models.Descriptor{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// ExtendLease pushes the visibility deadline forward for an in-flight job. It
// fails with models.ErrLeaseLost once the job is no longer leased, e.g. after
// it was acked or reclaimed for another worker.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	deadline := time.Now().Add(extension).UnixMilli()
	held, err := extendScript.Run(ctx, q.client, []string{q.inflightKey}, jobID, deadline).Int()
	if err != nil {
		return fmt.Errorf("%w: extend lease %s: %v", models.ErrQueue, jobID, err)
	}
	if held == 0 {
		return fmt.Errorf("%w: %s", models.ErrLeaseLost, jobID)
	}
	return nil
}

// Ack removes a job from in-flight tracking together with its stored descriptor.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HDel(ctx, q.payloadKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ack %s: %v", models.ErrQueue, jobID, err)
	}
	return nil
}

// RequeueExpired moves descriptors whose lease ran out back to the ready list
// and returns their job ids. This is the at-least-once redelivery path.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey, q.payloadKey, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: requeue expired: %v", models.ErrQueue, err)
	}
	return res, nil
}

// ReadyDepth returns the number of descriptors waiting to be leased.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of currently leased descriptors.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// KEYS: ready, inflight, payloads. ARGV: lease deadline (ms).
var dequeueScript = redis.NewScript(`
local payload = redis.call('LPOP', KEYS[1])
if not payload then
  return nil
end
local d = cjson.decode(payload)
redis.call('ZADD', KEYS[2], ARGV[1], d.job_id)
redis.call('HSET', KEYS[3], d.job_id, payload)
return payload
`)

// KEYS: inflight. ARGV: job id, new deadline (ms).
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: inflight, payloads, ready. ARGV: now (ms), limit.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    redis.call('HDEL', KEYS[2], id)
    redis.call('RPUSH', KEYS[3], payload)
    table.insert(moved, id)
  end
end
return moved
`)
