// Package adapter defines the notification boundary for pipeline runs that
// reach a terminal state. An Adapter publishes one RunCompletedEvent per
// terminal run to whatever downstream system the operator configured (a
// pub/sub channel, a webhook) — the pipeline itself has no public renderer
// or HTTP surface, so this is the only way another system learns a run
// finished without polling the admission controller.
package adapter

import "context"

// RunCompletedEvent is the payload published when a run reaches a terminal
// state (completed or failed).
type RunCompletedEvent struct {
	RunID          string `json:"run_id"`
	TenantID       string `json:"tenant_id"`
	ParentRunID    string `json:"parent_run_id,omitempty"`
	Status         string `json:"status"` // completed, failed
	CurrentStage   string `json:"current_stage"`
	TotalItems     int    `json:"total_items"`
	ProcessedItems int    `json:"processed_items"`
	TotalQuestions int    `json:"total_questions"`
	ErrorMessage   string `json:"error_message,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`   // ISO 8601
	CompletedAt    string `json:"completed_at"`           // ISO 8601
	DurationMs     int64  `json:"duration_ms"`
}

// Adapter publishes run completion events to a downstream system.
// Implementations must be safe for concurrent use across runs.
type Adapter interface {
	// Publish sends a run completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
