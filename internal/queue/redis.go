package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
)

// RedisConfig holds the configuration for the redis client.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 10 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Config controls queue behaviour on top of the redis connection.
type Config struct {
	Name            string        // key namespace, default "runbox"
	ResultTTL       time.Duration // retention of terminal job hashes
	StalledAfter    time.Duration // active jobs older than this are stalled
	RequeueStalled  bool          // re-deliver stalled jobs instead of parking them
	PromoteInterval time.Duration // delayed/stalled scan cadence
	FetchTimeout    time.Duration // per-iteration blocking pop timeout
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "runbox"
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = 5 * time.Minute
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Second
	}
}

// RedisQueue implements Queue on redis lists, sorted sets and hashes.
//
// Key layout:
//
//	<name>:jobs:waiting   list, LPUSH producer / BRPOPLPUSH consumer
//	<name>:jobs:active    list of in-flight job ids
//	<name>:jobs:delayed   zset scored by ready time (unix nanos)
//	<name>:job:<id>       hash with job fields
type RedisQueue struct {
	client *redis.Client
	cfg    Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRedisQueue connects to redis and starts the background movers.
func NewRedisQueue(redisCfg *RedisConfig, cfg Config) (*RedisQueue, error) {
	if redisCfg == nil {
		return nil, appErr.ValidationError("redis_config", "required")
	}
	if redisCfg.Addr == "" {
		return nil, appErr.ValidationError("redis_addr", "required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:            redisCfg.Addr,
		Password:        redisCfg.Password,
		DB:              redisCfg.DB,
		MaxRetries:      redisCfg.MaxRetries,
		MinRetryBackoff: redisCfg.MinRetryBackoff,
		MaxRetryBackoff: redisCfg.MaxRetryBackoff,
		DialTimeout:     redisCfg.DialTimeout,
		ReadTimeout:     redisCfg.ReadTimeout,
		WriteTimeout:    redisCfg.WriteTimeout,
		PoolSize:        redisCfg.PoolSize,
		MinIdleConns:    redisCfg.MinIdleConns,
		PoolTimeout:     redisCfg.PoolTimeout,
		ConnMaxIdleTime: redisCfg.ConnMaxIdleTime,
		ConnMaxLifetime: redisCfg.ConnMaxLifetime,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, appErr.Wrapf(err, appErr.QueueUnavailable, "ping redis failed")
	}
	q := NewRedisQueueWithClient(client, cfg)
	q.startMovers()
	return q, nil
}

// NewRedisQueueWithClient builds a queue on an existing client without
// starting the background movers.
func NewRedisQueueWithClient(client *redis.Client, cfg Config) *RedisQueue {
	cfg.SetDefaults()
	return &RedisQueue{client: client, cfg: cfg}
}

func (q *RedisQueue) waitingKey() string { return q.cfg.Name + ":jobs:waiting" }
func (q *RedisQueue) activeKey() string  { return q.cfg.Name + ":jobs:active" }
func (q *RedisQueue) delayedKey() string { return q.cfg.Name + ":jobs:delayed" }
func (q *RedisQueue) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", q.cfg.Name, id)
}

// Submit enqueues a payload and returns its generated job id.
func (q *RedisQueue) Submit(ctx context.Context, payload Payload) (string, error) {
	id := uuid.NewString()
	if err := q.storeJob(ctx, id, payload, StateWaiting); err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.waitingKey(), id).Err(); err != nil {
		return "", appErr.Wrapf(err, appErr.EnqueueFailed, "push job failed")
	}
	return id, nil
}

// SubmitDelayed enqueues a payload that becomes ready after delay.
func (q *RedisQueue) SubmitDelayed(ctx context.Context, payload Payload, delay time.Duration) (string, error) {
	if delay <= 0 {
		return q.Submit(ctx, payload)
	}
	id := uuid.NewString()
	if err := q.storeJob(ctx, id, payload, StateDelayed); err != nil {
		return "", err
	}
	ready := float64(time.Now().Add(delay).UnixNano())
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: ready, Member: id}).Err(); err != nil {
		return "", appErr.Wrapf(err, appErr.EnqueueFailed, "schedule job failed")
	}
	return id, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, id string, payload Payload, state State) error {
	fields := map[string]interface{}{
		"language":   payload.Language,
		"code":       payload.Code,
		"state":      string(state),
		"attempts":   0,
		"created_at": time.Now().Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, q.jobKey(id), fields).Err(); err != nil {
		return appErr.Wrapf(err, appErr.EnqueueFailed, "store job failed")
	}
	return nil
}

// Fetch blocks until a job is available or ctx is done. The returned job
// has been moved waiting -> active.
func (q *RedisQueue) Fetch(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := q.client.BRPopLPush(ctx, q.waitingKey(), q.activeKey(), q.cfg.FetchTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, appErr.Wrapf(err, appErr.JobFetchFailed, "pop job failed")
		}
		now := time.Now().Format(time.RFC3339Nano)
		pipe := q.client.Pipeline()
		pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
			"state":      string(StateActive),
			"started_at": now,
		})
		pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, appErr.Wrapf(err, appErr.JobUpdateFailed, "activate job failed")
		}
		return q.Get(ctx, id)
	}
}

// Resolve marks a job completed with its captured stdout.
func (q *RedisQueue) Resolve(ctx context.Context, id, stdout string) error {
	return q.finish(ctx, id, map[string]interface{}{
		"state":       string(StateCompleted),
		"result":      stdout,
		"finished_at": time.Now().Format(time.RFC3339Nano),
	})
}

// Reject marks a job failed with a reason.
func (q *RedisQueue) Reject(ctx context.Context, id, reason string) error {
	return q.finish(ctx, id, map[string]interface{}{
		"state":       string(StateFailed),
		"failure":     reason,
		"finished_at": time.Now().Format(time.RFC3339Nano),
	})
}

func (q *RedisQueue) finish(ctx context.Context, id string, fields map[string]interface{}) error {
	exists, err := q.client.Exists(ctx, q.jobKey(id)).Result()
	if err != nil {
		return appErr.Wrapf(err, appErr.JobUpdateFailed, "check job failed")
	}
	if exists == 0 {
		return appErr.Newf(appErr.JobNotFound, "job not found: %s", id)
	}
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, q.jobKey(id), fields)
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.Expire(ctx, q.jobKey(id), q.cfg.ResultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return appErr.Wrapf(err, appErr.JobUpdateFailed, "finish job failed")
	}
	return nil
}

// Get returns the job by id.
func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueUnavailable, "load job failed")
	}
	if len(fields) == 0 {
		return nil, appErr.Newf(appErr.JobNotFound, "job not found: %s", id)
	}
	job := &Job{
		ID:       id,
		Language: fields["language"],
		Code:     fields["code"],
		State:    State(fields["state"]),
		Result:   fields["result"],
		Failure:  fields["failure"],
	}
	if v := fields["attempts"]; v != "" {
		job.Attempts, _ = strconv.Atoi(v)
	}
	job.CreatedAt = parseTime(fields["created_at"])
	job.StartedAt = parseTime(fields["started_at"])
	job.FinishedAt = parseTime(fields["finished_at"])
	return job, nil
}

// Ping verifies broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops the movers and releases the redis connection.
func (q *RedisQueue) Close() error {
	q.once.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
	})
	return q.client.Close()
}

// startMovers launches the delayed-promotion and stalled-detection loops.
func (q *RedisQueue) startMovers() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.PromoteInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
					logger.Warn(ctx, "promote delayed jobs failed", zap.Error(err))
				}
				if err := q.SweepStalled(ctx); err != nil && ctx.Err() == nil {
					logger.Warn(ctx, "sweep stalled jobs failed", zap.Error(err))
				}
			}
		}
	}()
}

// PromoteDue moves delayed jobs whose ready time has passed onto the
// waiting list.
func (q *RedisQueue) PromoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		pipe := q.client.Pipeline()
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.LPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SweepStalled marks active jobs past the visibility deadline as stalled,
// re-delivering them only when configured to.
func (q *RedisQueue) SweepStalled(ctx context.Context) error {
	ids, err := q.client.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-q.cfg.StalledAfter)
	for _, id := range ids {
		fields, err := q.client.HMGet(ctx, q.jobKey(id), "state", "started_at").Result()
		if err != nil {
			return err
		}
		state, _ := fields[0].(string)
		startedAt, _ := fields[1].(string)
		if state != string(StateActive) {
			continue
		}
		started := parseTime(startedAt)
		if started.IsZero() || started.After(cutoff) {
			continue
		}
		if q.cfg.RequeueStalled {
			pipe := q.client.Pipeline()
			pipe.LRem(ctx, q.activeKey(), 0, id)
			pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
			pipe.LPush(ctx, q.waitingKey(), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			logger.Warn(ctx, "requeued stalled job", zap.String("job_id", id))
			continue
		}
		pipe := q.client.Pipeline()
		pipe.LRem(ctx, q.activeKey(), 0, id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateStalled))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		logger.Warn(ctx, "parked stalled job", zap.String("job_id", id))
	}
	return nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
