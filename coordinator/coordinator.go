// Package coordinator implements the Batch Coordinator: fanning a large
// submission out into child runs of at most Config.BatchSize inputs (Split) and fanning
// the children's completion back in to a single parent run (the
// CoordinateProcessor poll loop), per spec.md §4.5.
package coordinator

import (
	"time"

	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/store"
)

// Default tuning values, named after spec.md §6's configuration table.
const (
	DefaultBatchSize          = 30
	DefaultMaxBatches         = 20
	DefaultCoordinatorPoll    = 10 * time.Second
	DefaultCoordinatorTimeout = 4 * time.Hour
)

// Config bundles the dependencies Split and CoordinateProcessor share.
type Config struct {
	Store    store.Store
	Queue    queue.Queue
	ObjStore objstore.Store

	// BatchSize is the maximum number of input documents assigned to one
	// child run.
	BatchSize int
	// MaxBatches bounds the number of children a single submission may fan
	// out into; Split rejects N > BatchSize*MaxBatches.
	MaxBatches int

	PollInterval time.Duration
	Timeout      time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = DefaultMaxBatches
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultCoordinatorPoll
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultCoordinatorTimeout
	}
}
