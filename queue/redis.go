package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/exam2quiz/pipeline/types"
)

// DefaultVisibilityTimeout is how long a lease is held before it is
// considered stale and eligible for reclaiming.
const DefaultVisibilityTimeout = 10 * time.Minute

// DefaultMaxRetries is the number of redelivery attempts before a message
// is abandoned by NackRetry (callers should NackFail at this point).
const DefaultMaxRetries = 3

// DefaultInitialBackoff and DefaultMaxBackoff bound the exponential backoff
// applied between retry attempts.
const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// completedRetention is the minimum number of acked messages retained per
// stage stream for audit, enforced via XTRIM on Ack.
const completedRetention = 1000

// Config configures the Redis Streams queue.
type Config struct {
	// Addr is the Redis host:port (required unless Client is set directly
	// via NewRedisQueueWithClient).
	Addr string
	DB   int

	// Consumer is this process's consumer name within each group. Defaults
	// to hostname:pid for a unique, debuggable identity.
	Consumer string

	VisibilityTimeout time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	StreamMaxLen      int64
}

func (c *Config) setDefaults() {
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = completedRetention
	}
}

// RedisQueue implements Queue on top of Redis Streams: one stream per
// stage, a consumer group per caller-chosen group name, XAUTOCLAIM for
// visibility-timeout redelivery, and a delayed-retry sorted set for
// backoff between NackRetry attempts.
type RedisQueue struct {
	client *goredis.Client
	cfg    Config

	mu           sync.Mutex
	groupsEnsured map[string]struct{} // "stage:group" already XGROUP CREATEd
}

// NewRedisQueue connects to Redis and returns a ready Queue.
func NewRedisQueue(cfg Config) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("queue: addr is required")
	}
	cfg.setDefaults()
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient wraps an existing client (e.g. a miniredis-backed
// client in tests).
func NewRedisQueueWithClient(client *goredis.Client, cfg Config) *RedisQueue {
	cfg.setDefaults()
	return &RedisQueue{client: client, cfg: cfg, groupsEnsured: make(map[string]struct{})}
}

func streamKey(stage types.Stage) string {
	return "pipeline:stage:" + string(stage)
}

func delayedKey(stage types.Stage) string {
	return "pipeline:delayed:" + string(stage)
}

func (q *RedisQueue) ensureGroup(ctx context.Context, stage types.Stage, group string) error {
	cacheKey := string(stage) + ":" + group
	q.mu.Lock()
	_, ok := q.groupsEnsured[cacheKey]
	q.mu.Unlock()
	if ok {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, streamKey(stage), group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		// BUSYGROUP means the group already exists; anything else is fatal.
		return fmt.Errorf("queue: create consumer group: %w", err)
	}

	q.mu.Lock()
	q.groupsEnsured[cacheKey] = struct{}{}
	q.mu.Unlock()
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Enqueue appends envelope to stage's stream, trimming to the retention
// floor approximately (XADD MAXLEN ~).
func (q *RedisQueue) Enqueue(ctx context.Context, stage types.Stage, key string, envelope Envelope) (string, error) {
	envelope.Stage = string(stage)
	body, err := msgpack.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("queue: marshal envelope: %w", err)
	}

	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey(stage),
		MaxLen: completedRetention,
		Approx: true,
		Values: map[string]any{"key": key, "data": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", stage, err)
	}
	return id, nil
}

// Lease claims a stale pending message if one exists, otherwise blocks for
// a new one. Before either, it promotes any delayed retries whose backoff
// has elapsed back onto the live stream.
func (q *RedisQueue) Lease(ctx context.Context, stage types.Stage, consumerGroup string) (*Lease, error) {
	if err := q.ensureGroup(ctx, stage, consumerGroup); err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx, stage); err != nil {
		return nil, err
	}

	// Reclaiming is opportunistic: if the backend rejects XAUTOCLAIM for any
	// reason, fall through to waiting for a new message rather than failing
	// the lease outright. A stale message is picked up on a later call.
	if lease, ok, err := q.claimStale(ctx, stage, consumerGroup); err == nil && ok {
		return lease, nil
	}

	for {
		res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.cfg.Consumer,
			Streams:  []string{streamKey(stage), ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: lease %s: %w", stage, err)
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				return q.decodeLease(stage, consumerGroup, msg)
			}
		}
	}
}

func (q *RedisQueue) claimStale(ctx context.Context, stage types.Stage, consumerGroup string) (*Lease, bool, error) {
	_, msgs, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   streamKey(stage),
		Group:    consumerGroup,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("queue: claim stale %s: %w", stage, err)
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	lease, err := q.decodeLease(stage, consumerGroup, msgs[0])
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

func (q *RedisQueue) decodeLease(stage types.Stage, consumerGroup string, msg goredis.XMessage) (*Lease, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("queue: message %s missing data field", msg.ID)
	}
	var envelope Envelope
	if err := msgpack.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("queue: decode envelope %s: %w", msg.ID, err)
	}
	return &Lease{Stage: stage, ConsumerGroup: consumerGroup, MessageID: msg.ID, Envelope: envelope}, nil
}

// Extend resets the message's idle timer by re-claiming it for the same
// consumer; Redis Streams has no direct per-message TTL to renew.
func (q *RedisQueue) Extend(ctx context.Context, lease *Lease, _ time.Duration) error {
	_, err := q.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   streamKey(lease.Stage),
		Group:    lease.ConsumerGroup,
		Consumer: q.cfg.Consumer,
		MinIdle:  0,
		Messages: []string{lease.MessageID},
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: extend %s: %w", lease.MessageID, err)
	}
	return nil
}

// Ack finalizes the message and trims the stream to the retention floor.
func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	if err := q.client.XAck(ctx, streamKey(lease.Stage), lease.ConsumerGroup, lease.MessageID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", lease.MessageID, err)
	}
	q.client.XTrimMaxLenApprox(ctx, streamKey(lease.Stage), completedRetention, 0)
	return nil
}

// Nack acks the original delivery (it is finished, one way or another) and,
// for NackRetry, schedules a delayed redelivery if attempts remain.
func (q *RedisQueue) Nack(ctx context.Context, lease *Lease, action NackAction, reason error) error {
	if err := q.client.XAck(ctx, streamKey(lease.Stage), lease.ConsumerGroup, lease.MessageID).Err(); err != nil {
		return fmt.Errorf("queue: nack ack %s: %w", lease.MessageID, err)
	}

	if action == NackFail {
		return nil
	}

	nextAttempt := lease.Envelope.Attempt + 1
	if nextAttempt >= q.cfg.MaxRetries {
		return nil
	}

	envelope := lease.Envelope
	envelope.Attempt = nextAttempt
	body, err := msgpack.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("queue: marshal retry envelope: %w", err)
	}

	backoff := backoffFor(nextAttempt, q.cfg.InitialBackoff, q.cfg.MaxBackoff)
	readyAt := float64(time.Now().Add(backoff).UnixMilli())

	member := strconv.FormatInt(time.Now().UnixNano(), 36) + ":" + string(body)
	if err := q.client.ZAdd(ctx, delayedKey(lease.Stage), goredis.Z{Score: readyAt, Member: member}).Err(); err != nil {
		return fmt.Errorf("queue: schedule retry: %w", err)
	}
	return nil
}

// backoffFor computes the exponential backoff before a given attempt:
// initial * 2^(attempt-1), capped at maxBackoff.
func backoffFor(attempt int, initial, maxBackoff time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// promoteDue moves delayed-retry entries whose backoff has elapsed back
// onto the live stream.
func (q *RedisQueue) promoteDue(ctx context.Context, stage types.Stage) error {
	now := float64(time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, delayedKey(stage), &goredis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan delayed %s: %w", stage, err)
	}
	for _, member := range due {
		idx := indexOfColon(member)
		if idx < 0 {
			continue
		}
		body := member[idx+1:]
		if _, err := q.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey(stage),
			MaxLen: completedRetention,
			Approx: true,
			Values: map[string]any{"key": "", "data": body},
		}).Result(); err != nil {
			return fmt.Errorf("queue: promote delayed %s: %w", stage, err)
		}
		q.client.ZRem(ctx, delayedKey(stage), member)
	}
	return nil
}

func indexOfColon(s string) int {
	for i := range s {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// Close releases the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
