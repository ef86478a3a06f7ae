// Package stage implements the five fixed pipeline stages (extract, parse,
// categorize, similarity, split) as stagerunner.Processor values. Each stage
// is a pure function of its envelope payload plus the shared Config
// dependencies; none of them know about queue leasing, retries, or run
// transitions — that is the Stage Runner's job.
package stage

import (
	"time"

	"github.com/exam2quiz/pipeline/aiclient"
	"github.com/exam2quiz/pipeline/cache"
	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/store"
)

// Default tuning values, named after the configuration table in spec.md §6.
const (
	DefaultDPI                  = 150
	DefaultMarkerDedupYUnits    = 10
	DefaultCropPaddingYUnits    = 10
	DefaultAIConcurrency        = 10
	DefaultAIMaxAttempts        = 3
	DefaultRateLimitBackoffUnit = 2 * time.Second
	DefaultTransientBackoff     = 1 * time.Second
	DefaultCrossEncoderThresh   = 0.7
	DefaultRefineThresh         = 10.0
	DefaultSimilarityTimeout    = 60 * time.Minute
)

// Config bundles every external dependency a stage processor needs. One
// Config is shared across all five stages; each stage file only reads the
// fields relevant to it.
type Config struct {
	Store    store.Store
	ObjStore objstore.Store
	Cache    cache.Cache

	Vision     aiclient.VisionClient
	Language   aiclient.LanguageClient
	Credential *aiclient.CredentialResolver

	Engine Engine

	// SimilarityBinaryPath is the external similarity-ranking executable
	// invoked by the Similarity stage.
	SimilarityBinaryPath string

	DPI                  int
	AIConcurrency        int
	AIMaxAttempts        int
	RateLimitBackoffUnit time.Duration
	TransientBackoff     time.Duration
	CrossEncoderThresh   float64
	RefineThresh         float64
	SimilarityTimeout    time.Duration
}

// setDefaults fills zero-valued tunables with the package defaults.
func (c *Config) setDefaults() {
	if c.DPI <= 0 {
		c.DPI = DefaultDPI
	}
	if c.AIConcurrency <= 0 {
		c.AIConcurrency = DefaultAIConcurrency
	}
	if c.AIMaxAttempts <= 0 {
		c.AIMaxAttempts = DefaultAIMaxAttempts
	}
	if c.RateLimitBackoffUnit <= 0 {
		c.RateLimitBackoffUnit = DefaultRateLimitBackoffUnit
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = DefaultTransientBackoff
	}
	if c.CrossEncoderThresh <= 0 {
		c.CrossEncoderThresh = DefaultCrossEncoderThresh
	}
	if c.RefineThresh <= 0 {
		c.RefineThresh = DefaultRefineThresh
	}
	if c.SimilarityTimeout <= 0 {
		c.SimilarityTimeout = DefaultSimilarityTimeout
	}
}

// RunPrefix returns the object store path prefix every artifact of one run
// is written under: "{tenantID}/{runID}".
func RunPrefix(tenantID, runID string) string {
	return tenantID + "/" + runID
}
