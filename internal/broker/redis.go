package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "sector7g/pkg/logx"
)

// Redis is the durable broker driver.
type Redis struct {
	rdb redis.UniversalClient
	cfg RedisConfig
	log logx.Logger
	now func() time.Time
}

// NewRedis connects using cfg.URL (redis:// or rediss://).
// The connection is not verified here; use Ping.
func NewRedis(cfg RedisConfig, log logx.Logger) (*Redis, error) {
	cfg = cfg.withDefaults()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	opts.DialTimeout = cfg.ConnTimeout
	// Retries are ours so the error surfaces as ErrBrokerUnavailable.
	opts.MaxRetries = -1
	return NewRedisClient(redis.NewClient(opts), cfg, log), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb redis.UniversalClient, cfg RedisConfig, log logx.Logger) *Redis {
	return &Redis{rdb: rdb, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

func (r *Redis) jobKey(id string) string     { return r.cfg.KeyPrefix + ":job:" + id }
func (r *Redis) readyKey(q string) string    { return r.cfg.KeyPrefix + ":queue:" + q }
func (r *Redis) inflightKey(q string) string { return r.cfg.KeyPrefix + ":inprogress:" + q }
func (r *Redis) failedKey(q string) string   { return r.cfg.KeyPrefix + ":failed:" + q }

// transient reports whether err is a connection-level failure worth retrying.
// Server replies (including redis.Nil) are not.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

// do runs fn, retrying connection failures ConnRetries times.
func (r *Redis) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.cfg.ConnRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(r.cfg.ConnRetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		err = fn(ctx)
		if !transient(err) {
			return err
		}
		r.log.Debug("broker call failed", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, op, err)
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (r *Redis) Enqueue(ctx context.Context, queue, handler string, payload []byte, opts ...EnqueueOption) (string, error) {
	o := buildOptions(opts)
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	readyAt := now
	if o.notBefore.After(now) {
		readyAt = o.notBefore
	}

	var created int64
	err := r.do(ctx, "enqueue", func(ctx context.Context) error {
		var err error
		created, err = enqueueScript.Run(ctx, r.rdb, []string{r.jobKey(id)},
			id, queue, handler, payload, now.UnixMilli(), o.maxAttempts,
			o.timeout.Milliseconds(), readyAt.UnixMilli(), ms(o.notBefore), r.cfg.KeyPrefix,
		).Int64()
		return err
	})
	if err != nil {
		return "", err
	}
	if created == 0 {
		return id, ErrDuplicateJob
	}
	return id, nil
}

// leaseBase is the run time a lease must cover for a job of queue that
// carries no timeout of its own.
func (r *Redis) leaseBase(queue string) time.Duration {
	return r.cfg.QueueTimeouts[queue]
}

func (r *Redis) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		var fields []any
		err := r.do(ctx, "dequeue", func(ctx context.Context) error {
			res, err := dequeueScript.Run(ctx, r.rdb, []string{r.readyKey(queue), r.inflightKey(queue)},
				r.now().UnixMilli(), r.cfg.Visibility.Milliseconds(), r.cfg.KeyPrefix,
				r.leaseBase(queue).Milliseconds(),
			).Slice()
			if errors.Is(err, redis.Nil) {
				fields = nil
				return nil
			}
			fields = res
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			return decodeJob(pairs(fields))
		}

		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(left, r.cfg.PollInterval))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Redis) Ack(ctx context.Context, id string) error {
	return r.AckResult(ctx, id, nil)
}

func (r *Redis) AckResult(ctx context.Context, id string, result []byte) error {
	return r.do(ctx, "ack", func(ctx context.Context) error {
		return ackScript.Run(ctx, r.rdb, []string{r.jobKey(id)},
			r.cfg.KeyPrefix, id, int64(r.cfg.KeepResult/time.Second), result, r.now().UnixMilli()).Err()
	})
}

// Get reads the job hash. Acked records are readable for KeepResult, failed
// ones for FailedTTL.
func (r *Redis) Get(ctx context.Context, id string) (*Status, error) {
	var m map[string]string
	err := r.do(ctx, "get", func(ctx context.Context) error {
		var err error
		m, err = r.rdb.HGetAll(ctx, r.jobKey(id)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrJobNotFound
	}
	job, err := decodeJob(m)
	if err != nil {
		return nil, err
	}
	st := &Status{Job: *job, State: State(m["state"]), Reason: m["reason"]}
	if res := m["result"]; res != "" {
		st.Result = []byte(res)
	}
	switch st.State {
	case StateDone:
		st.FinishedAt = fromMS(m["finished_at"])
	case StateFailed:
		st.FinishedAt = fromMS(m["failed_at"])
	}
	return st, nil
}

func (r *Redis) Requeue(ctx context.Context, id string, delay time.Duration) error {
	return r.putBack(ctx, "requeue", id, max(delay, 0), false)
}

func (r *Redis) Release(ctx context.Context, id string) error {
	return r.putBack(ctx, "release", id, 0, true)
}

func (r *Redis) putBack(ctx context.Context, op, id string, delay time.Duration, refund bool) error {
	flag := "0"
	if refund {
		flag = "1"
	}
	return r.do(ctx, op, func(ctx context.Context) error {
		return requeueScript.Run(ctx, r.rdb, []string{r.jobKey(id)},
			r.cfg.KeyPrefix, id, r.now().Add(delay).UnixMilli(), flag).Err()
	})
}

func (r *Redis) Fail(ctx context.Context, id string, reason string) error {
	return r.do(ctx, "fail", func(ctx context.Context) error {
		return failScript.Run(ctx, r.rdb, []string{r.jobKey(id)},
			r.cfg.KeyPrefix, id, reason, r.now().UnixMilli(),
			int64(r.cfg.FailedTTL/time.Second), r.cfg.FailedKeep).Err()
	})
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		return r.rdb.Ping(ctx).Err()
	})
}

func (r *Redis) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := r.do(ctx, "depth", func(ctx context.Context) error {
		var err error
		n, err = r.rdb.ZCard(ctx, r.readyKey(queue)).Result()
		return err
	})
	return n, err
}

// Failed lists dead jobs, newest first. Records whose hash already expired are skipped.
func (r *Redis) Failed(ctx context.Context, queue string, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []FailedJob
	err := r.do(ctx, "failed", func(ctx context.Context) error {
		ids, err := r.rdb.LRange(ctx, r.failedKey(queue), 0, int64(limit-1)).Result()
		if err != nil {
			return err
		}
		pipe := r.rdb.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.jobKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		out = out[:0]
		for _, c := range cmds {
			m := c.Val()
			if len(m) == 0 {
				continue
			}
			job, err := decodeJob(m)
			if err != nil {
				return err
			}
			out = append(out, FailedJob{Job: *job, Reason: m["reason"], FailedAt: fromMS(m["failed_at"])})
		}
		return nil
	})
	return out, err
}

func (r *Redis) Close() error { return r.rdb.Close() }

func pairs(flat []any) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func fromMS(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func decodeJob(m map[string]string) (*Job, error) {
	id := m["id"]
	if id == "" {
		return nil, errors.New("broker: job record without id")
	}
	timeoutMS, _ := strconv.ParseInt(m["timeout_ms"], 10, 64)
	return &Job{
		ID:          id,
		Queue:       m["queue"],
		Handler:     m["handler"],
		Payload:     []byte(m["payload"]),
		EnqueuedAt:  fromMS(m["enqueued_at"]),
		Attempts:    atoi(m["attempts"]),
		MaxAttempts: atoi(m["max_attempts"]),
		Timeout:     time.Duration(timeoutMS) * time.Millisecond,
		NotBefore:   fromMS(m["not_before"]),
	}, nil
}
