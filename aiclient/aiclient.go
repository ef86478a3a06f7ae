// Package aiclient implements the external AI vision/language RPC contracts
// (spec.md §6): a generic "bytes/prompt in, schema-constrained JSON out,
// 429-aware" interface, not a vendor-specific SDK.
package aiclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/exam2quiz/pipeline/types"
)

// ErrNoCredential is returned when neither a tenant credential nor a
// process-wide default is configured.
var ErrNoCredential = errors.New("aiclient: no credential available")

// StatusError wraps a non-2xx HTTP response from an AI backend. Callers use
// IsRateLimited to distinguish the load-bearing 429 signal from other
// failures.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("aiclient: status %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is a StatusError carrying HTTP 429.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 429
}

// VisionRequest is one parse-stage call: an image plus the fixed system
// instruction and response schema describing the expected parse JSON shape.
type VisionRequest struct {
	ImageBytes     []byte
	SystemPrompt   string
	ResponseSchema map[string]any
}

// VisionClient submits one image to the AI vision model and returns the raw
// JSON response body.
type VisionClient interface {
	Parse(ctx context.Context, credential string, req VisionRequest) ([]byte, error)
}

// LanguageRequest is one categorize-stage call: a single prompt string plus
// a response schema constraining category/subcategory to known enums.
type LanguageRequest struct {
	Prompt         string
	ResponseSchema map[string]any
}

// LanguageClient submits one prompt to the AI language model and returns
// the raw JSON response body.
type LanguageClient interface {
	Complete(ctx context.Context, credential string, req LanguageRequest) ([]byte, error)
}

// CredentialResolver resolves the credential used for a tenant's AI calls:
// the tenant's own credential if set, else a process-wide default.
type CredentialResolver struct {
	Default string
}

// Resolve returns tenant.Credential if set, else the configured default, or
// ErrNoCredential if neither is present.
func (r *CredentialResolver) Resolve(tenant *types.Tenant) (string, error) {
	if tenant.Credential != "" {
		return tenant.Credential, nil
	}
	if r.Default != "" {
		return r.Default, nil
	}
	return "", fmt.Errorf("%w: tenant %s", ErrNoCredential, tenant.ID)
}
