package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/types"
)

// Redis key layout, all under one prefix:
//
//	<p>task:<id>  task JSON
//	<p>seq        FIFO tie-break counter
//	<p>waiting    ZSET id -> priority*1e9 + (1e9 - seq)
//	<p>delayed    ZSET id -> availableAt (unix ms)
//	<p>wscore     HASH id -> waiting score (for delayed promotion)
//	<p>active     ZSET id -> lease deadline (unix ms)
//	<p>completed  ZSET id -> retention expiry (unix ms)
//	<p>failed     ZSET id -> retention expiry (unix ms)
const redisPrefix = "driftbreak:q:"

// seqSpan keeps priority dominant over the FIFO counter in one float64
// score while staying well inside exact-integer range.
const seqSpan = 1e9

// RedisBackend stores the queue in Redis. Lease atomicity comes from a
// Lua script popping the waiting ZSET and activating the id in one step.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisOptions configure the backend connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix overrides the default key prefix (useful for tests).
	Prefix string
}

// NewRedisBackend connects and pings the Redis server.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis: %v", types.ErrConfiguration, err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = redisPrefix
	}

	log.Info().Str("addr", opts.Addr).Msg("Redis queue backend connected")
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (r *RedisBackend) key(parts ...string) string {
	out := r.prefix
	for _, p := range parts {
		out += p
	}
	return out
}

// pushScript adds one task if its id is unused: sets the JSON, assigns
// a seq, and lands it in waiting or delayed.
// KEYS: task, waiting, delayed, wscore, seq
// ARGV: json, priority, availableAtMs, nowMs, id
var pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
local seq = redis.call('INCR', KEYS[5])
local score = tonumber(ARGV[2]) * 1e9 + (1e9 - seq)
if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
  redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[5])
  redis.call('HSET', KEYS[4], ARGV[5], score)
else
  redis.call('ZADD', KEYS[2], score, ARGV[5])
end
return 1
`)

// Push adds one task, rejecting duplicate ids.
func (r *RedisBackend) Push(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	ok, err := pushScript.Run(ctx, r.client,
		[]string{r.key("task:", task.ID), r.key("waiting"), r.key("delayed"), r.key("wscore"), r.key("seq")},
		string(data), task.Priority, task.AvailableAt.UnixMilli(), now, task.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis push: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTask, task.ID)
	}
	return nil
}

// PushBulk adds a batch atomically: any duplicate rejects the whole
// batch before anything is written.
func (r *RedisBackend) PushBulk(ctx context.Context, tasks []*types.Task) error {
	keys := make([]string, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: %s", types.ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = struct{}{}
		keys = append(keys, r.key("task:", t.ID))
	}

	exists, err := r.client.Exists(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("redis bulk exists: %w", err)
	}
	if exists > 0 {
		return types.ErrDuplicateTask
	}

	for _, t := range tasks {
		if err := r.Push(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// promoteScript moves due delayed ids into waiting using their stored
// waiting score.
// KEYS: delayed, waiting, wscore   ARGV: nowMs
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local score = redis.call('HGET', KEYS[3], id)
  if score then
    redis.call('ZADD', KEYS[2], tonumber(score), id)
    redis.call('HDEL', KEYS[3], id)
  end
  redis.call('ZREM', KEYS[1], id)
end
return #due
`)

// leaseScript pops the best waiting id and activates it.
// KEYS: waiting, active   ARGV: deadlineMs
var leaseScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1], 1)
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
return id
`)

// Lease atomically claims the highest-priority due task. The attempt
// increment happens after the claim; the id is exclusively active, so
// the read-modify-write on the task JSON is single-owner.
func (r *RedisBackend) Lease(ctx context.Context, deadline time.Time) (*types.Task, error) {
	now := time.Now().UnixMilli()
	if err := promoteScript.Run(ctx, r.client,
		[]string{r.key("delayed"), r.key("waiting"), r.key("wscore")}, now,
	).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis promote: %w", err)
	}

	id, err := leaseScript.Run(ctx, r.client,
		[]string{r.key("waiting"), r.key("active")}, deadline.UnixMilli(),
	).Text()
	if err == redis.Nil {
		return nil, types.ErrNoTasksWaiting
	}
	if err != nil {
		return nil, fmt.Errorf("redis lease: %w", err)
	}

	task, err := r.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Attempts++
	if err := r.storeTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete moves an active id to the completed or failed retention set.
func (r *RedisBackend) Complete(ctx context.Context, id string, failed bool, expiry time.Time) error {
	removed, err := r.client.ZRem(ctx, r.key("active"), id).Result()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", types.ErrTaskNotLeased, id)
	}

	set := "completed"
	if failed {
		set = "failed"
	}
	return r.client.ZAdd(ctx, r.key(set), &redis.Z{
		Score:  float64(expiry.UnixMilli()),
		Member: id,
	}).Err()
}

// Requeue returns an active task to waiting or delayed.
func (r *RedisBackend) Requeue(ctx context.Context, task *types.Task) error {
	removed, err := r.client.ZRem(ctx, r.key("active"), task.ID).Result()
	if err != nil {
		return fmt.Errorf("redis requeue: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", types.ErrTaskNotLeased, task.ID)
	}
	if err := r.storeTask(ctx, task); err != nil {
		return err
	}

	seq, err := r.client.Incr(ctx, r.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("redis seq: %w", err)
	}
	score := float64(task.Priority)*seqSpan + (seqSpan - float64(seq))

	if task.AvailableAt.After(time.Now()) {
		pipe := r.client.TxPipeline()
		pipe.ZAdd(ctx, r.key("delayed"), &redis.Z{Score: float64(task.AvailableAt.UnixMilli()), Member: task.ID})
		pipe.HSet(ctx, r.key("wscore"), task.ID, score)
		_, err = pipe.Exec(ctx)
		return err
	}
	return r.client.ZAdd(ctx, r.key("waiting"), &redis.Z{Score: score, Member: task.ID}).Err()
}

// Active fetches a leased task by id.
func (r *RedisBackend) Active(ctx context.Context, id string) (*types.Task, error) {
	if err := r.client.ZScore(ctx, r.key("active"), id).Err(); err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotLeased, id)
	} else if err != nil {
		return nil, fmt.Errorf("redis active: %w", err)
	}
	return r.loadTask(ctx, id)
}

// ReapExpired requeues expired leases and prunes retention sets.
func (r *RedisBackend) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	nowArg := strconv.FormatInt(now, 10)

	expired, err := r.client.ZRangeByScore(ctx, r.key("active"), &redis.ZRangeBy{
		Min: "-inf", Max: nowArg,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis reap: %w", err)
	}

	reaped := 0
	for _, id := range expired {
		task, err := r.loadTask(ctx, id)
		if err != nil {
			// Task JSON is gone; drop the orphaned lease.
			r.client.ZRem(ctx, r.key("active"), id)
			continue
		}
		task.AvailableAt = time.Now()
		if err := r.Requeue(ctx, task); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("Failed to requeue expired lease")
			continue
		}
		reaped++
	}

	// Retention: drop finished ids whose expiry passed, and their JSON.
	for _, set := range []string{"completed", "failed"} {
		stale, err := r.client.ZRangeByScore(ctx, r.key(set), &redis.ZRangeBy{Min: "-inf", Max: nowArg}).Result()
		if err != nil {
			continue
		}
		for _, id := range stale {
			r.client.ZRem(ctx, r.key(set), id)
			r.client.Del(ctx, r.key("task:", id))
		}
	}
	return reaped, nil
}

// Stats counts tasks per state.
func (r *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.ZCard(ctx, r.key("waiting"))
	active := pipe.ZCard(ctx, r.key("active"))
	delayed := pipe.ZCard(ctx, r.key("delayed"))
	completed := pipe.ZCard(ctx, r.key("completed"))
	failed := pipe.ZCard(ctx, r.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}

	return Stats{
		Waiting:   int(waiting.Val()),
		Active:    int(active.Val()),
		Delayed:   int(delayed.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

// Drain removes waiting and delayed tasks and their JSON.
func (r *RedisBackend) Drain(ctx context.Context) error {
	for _, set := range []string{"waiting", "delayed"} {
		ids, err := r.client.ZRange(ctx, r.key(set), 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			r.client.Del(ctx, r.key("task:", id))
		}
		r.client.Del(ctx, r.key(set))
	}
	return r.client.Del(ctx, r.key("wscore")).Err()
}

// Obliterate removes every key under the prefix.
func (r *RedisBackend) Obliterate(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis connection.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) loadTask(ctx context.Context, id string) (*types.Task, error) {
	data, err := r.client.Get(ctx, r.key("task:", id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis load task: %w", err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("redis task decode: %w", err)
	}
	return &task, nil
}

func (r *RedisBackend) storeTask(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key("task:", task.ID), data, 0).Err()
}
