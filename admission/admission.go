// Package admission implements the Admission Controller: the boundary
// between a tenant's inbound submission and the pipeline proper. It
// validates the submitting tenant, enforces the tenant's concurrent-run
// quota, materializes uploaded bytes and fetched URLs into the object
// store, and routes the resulting input set either straight into a
// standalone run or through the Batch Coordinator's fan-out, per spec.md
// §4.6. Cancel, Restart, Delete, List, and Merge round out spec.md §6's
// admission operation table.
package admission

import (
	"errors"
	"net/http"
	"time"

	"github.com/exam2quiz/pipeline/coordinator"
	"github.com/exam2quiz/pipeline/log"
	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/store"
)

// Sentinel errors named after spec.md §6's admission operation table.
var (
	ErrTenantInactive  = errors.New("admission: tenant is not active")
	ErrQuotaExceeded   = errors.New("admission: tenant has reached its concurrent run quota")
	ErrNoInputs        = errors.New("admission: no input documents after materialization")
	ErrInvalidURL      = errors.New("admission: invalid input url")
	ErrRunNotFound     = errors.New("admission: run not found")
	ErrAlreadyTerminal = errors.New("admission: run is already in a terminal state")
	ErrNotTerminal     = errors.New("admission: run has not reached a terminal state")
	ErrIsBatchChild    = errors.New("admission: cannot restart a batch child run directly")
	ErrFewerThanTwo    = errors.New("admission: merge requires at least two source runs")
	ErrMixedTenants    = errors.New("admission: merge source runs belong to different tenants")
	ErrNotCompleted    = errors.New("admission: merge source runs must all be completed")
)

// Default tuning values, named after spec.md §6's configuration table.
const (
	DefaultMaxFilesPerRun  = 600
	DefaultTenantQuota     = 3
	DefaultURLFetchTimeout = 30 * time.Second
)

// Config bundles every dependency Submit and the other admission
// operations need.
type Config struct {
	Store       store.Store
	Queue       queue.Queue
	ObjStore    objstore.Store
	Coordinator coordinator.Config
	Logger      *log.Logger

	// HTTPClient fetches submitted URLs. Defaults to an http.Client with
	// URLFetchTimeout.
	HTTPClient *http.Client

	// MaxFilesPerRun bounds a single submission's total input count
	// (uploaded files plus fetched URLs) before admission even attempts to
	// materialize anything.
	MaxFilesPerRun int
	// DefaultTenantQuota bounds how many runs (standalone + batch parents)
	// a tenant may have active at once, when the tenant record itself sets
	// no override.
	DefaultTenantQuota int

	URLFetchTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxFilesPerRun <= 0 {
		c.MaxFilesPerRun = DefaultMaxFilesPerRun
	}
	if c.DefaultTenantQuota <= 0 {
		c.DefaultTenantQuota = DefaultTenantQuota
	}
	if c.URLFetchTimeout <= 0 {
		c.URLFetchTimeout = DefaultURLFetchTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.URLFetchTimeout}
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger(log.Context{Stage: "admission"})
	}
}

// Controller is the entry point for every admission operation.
type Controller struct {
	Cfg Config
}

// New returns a Controller with defaults applied.
func New(cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{Cfg: cfg}
}
