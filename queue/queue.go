// Package queue implements the durable per-stage job queue: at-least-once
// delivery, visibility-timeout-based redelivery, and retry/fail semantics.
package queue

import (
	"context"
	"time"

	"github.com/exam2quiz/pipeline/types"
)

// Envelope is the wire format for one queue message: a tagged variant
// carrying the stage it targets, the owning tenant/run, the attempt count,
// and a stage-specific payload.
type Envelope struct {
	Stage         string         `msgpack:"stage"`
	TenantID      string         `msgpack:"tenant_id"`
	PipelineRunID string         `msgpack:"pipeline_run_id"`
	Attempt       int            `msgpack:"attempt"`
	Payload       map[string]any `msgpack:"payload"`
}

// NackAction selects what happens to a message a consumer could not process.
type NackAction int

// NackAction values.
const (
	// NackRetry redelivers the message after backoff, up to MaxRetries.
	NackRetry NackAction = iota
	// NackFail finalizes the message as terminally failed; it is acked and
	// not redelivered.
	NackFail
)

// Lease is the opaque handle returned by Lease, passed back to Extend, Ack,
// and Nack.
type Lease struct {
	Stage         types.Stage
	ConsumerGroup string
	MessageID     string
	Envelope      Envelope
}

// JobHandle returns the opaque identifier recorded on the PipelineJob as
// ExternalJobID.
func (l *Lease) JobHandle() string {
	return string(l.Stage) + ":" + l.MessageID
}

// Queue is a durable FIFO per stage with at-least-once delivery. Ordering
// is FIFO within the whole stream, which is a superset guarantee of FIFO
// within any one partition key.
type Queue interface {
	// Enqueue appends envelope to stage's stream. key selects the logical
	// partition (tenant affinity); the underlying stream is always a single
	// FIFO log, so per-key ordering is automatic.
	Enqueue(ctx context.Context, stage types.Stage, key string, envelope Envelope) (string, error)

	// Lease blocks until a message is available for stage, claiming any
	// stale (visibility-timeout-expired) message before waiting on new
	// ones. Returns the lease and the decoded envelope.
	Lease(ctx context.Context, stage types.Stage, consumerGroup string) (*Lease, error)

	// Extend renews a lease's visibility timeout so a long-running job is
	// not redelivered to another consumer.
	Extend(ctx context.Context, lease *Lease, visibility time.Duration) error

	// Ack finalizes successful processing of a lease.
	Ack(ctx context.Context, lease *Lease) error

	// Nack either schedules redelivery (NackRetry, after exponential
	// backoff, up to MaxRetries attempts) or finalizes the message as
	// terminally failed (NackFail) without redelivery.
	Nack(ctx context.Context, lease *Lease, action NackAction, reason error) error

	Close() error
}
