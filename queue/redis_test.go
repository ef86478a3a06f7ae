package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/exam2quiz/pipeline/types"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, Config{
		Consumer:          "test-consumer",
		VisibilityTimeout: 50 * time.Millisecond,
		MaxRetries:        3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
	})
}

func TestEnqueueLeaseAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.StageExtract, "tenant-1", Envelope{
		TenantID:      "tenant-1",
		PipelineRunID: "run-1",
		Payload:       map[string]any{"files": []any{"a.pdf"}},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	lease, err := q.Lease(ctx, types.StageExtract, "workers")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if lease.Envelope.PipelineRunID != "run-1" {
		t.Errorf("expected run-1, got %s", lease.Envelope.PipelineRunID)
	}
	if lease.Envelope.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %s", lease.Envelope.TenantID)
	}

	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestNackRetry_SchedulesBackoffRedelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, types.StageParse, "t1", Envelope{TenantID: "t1", PipelineRunID: "r1"})
	lease, err := q.Lease(ctx, types.StageParse, "workers")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	if err := q.Nack(ctx, lease, NackRetry, nil); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	// Backoff has not elapsed yet: nothing promoted.
	due, err := q.client.ZCard(ctx, delayedKey(types.StageParse)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if due != 1 {
		t.Fatalf("expected 1 delayed entry, got %d", due)
	}

	time.Sleep(15 * time.Millisecond)

	redelivered, err := q.Lease(ctx, types.StageParse, "workers")
	if err != nil {
		t.Fatalf("Lease after backoff: %v", err)
	}
	if redelivered.Envelope.Attempt != 1 {
		t.Errorf("expected attempt=1 after one retry, got %d", redelivered.Envelope.Attempt)
	}
}

func TestNackRetry_StopsAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, types.StageCategorize, "t1", Envelope{TenantID: "t1", PipelineRunID: "r1", Attempt: 2})
	lease, err := q.Lease(ctx, types.StageCategorize, "workers")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if lease.Envelope.Attempt != 2 {
		t.Fatalf("expected attempt=2, got %d", lease.Envelope.Attempt)
	}

	if err := q.Nack(ctx, lease, NackRetry, nil); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	due, err := q.client.ZCard(ctx, delayedKey(types.StageCategorize)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if due != 0 {
		t.Errorf("expected no further retry scheduled at max attempts, got %d", due)
	}
}

func TestNackFail_DoesNotRedeliver(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, types.StageSplit, "t1", Envelope{TenantID: "t1", PipelineRunID: "r1"})
	lease, err := q.Lease(ctx, types.StageSplit, "workers")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Nack(ctx, lease, NackFail, nil); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	due, err := q.client.ZCard(ctx, delayedKey(types.StageSplit)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if due != 0 {
		t.Errorf("expected no retry scheduled on NackFail, got %d", due)
	}
}

func TestJobHandle_EncodesStage(t *testing.T) {
	l := &Lease{Stage: types.StageExtract, MessageID: "1-0"}
	if l.JobHandle() != "extract:1-0" {
		t.Errorf("unexpected job handle: %s", l.JobHandle())
	}
}
