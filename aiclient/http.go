package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultRequestTimeout bounds a single AI RPC.
const DefaultRequestTimeout = 30 * time.Second

// Config configures the HTTP-backed AI clients.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration

	// Breaker settings, one circuit per credential so one tenant's failing
	// backend doesn't trip every other tenant's calls.
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	// BreakerFailureRatio trips the breaker once this fraction of requests
	// in a rolling window fail (minimum 1 request considered).
	BreakerFailureRatio float64
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BreakerMaxRequests <= 0 {
		c.BreakerMaxRequests = 1
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.BreakerFailureRatio <= 0 {
		c.BreakerFailureRatio = 0.6
	}
}

// breakerPool lazily constructs one gobreaker.CircuitBreaker per credential,
// so a sustained outage against one tenant's key trips open without
// affecting any other tenant's calls.
type breakerPool struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func newBreakerPool(cfg Config) *breakerPool {
	return &breakerPool{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte])}
}

func (p *breakerPool) get(name string) *gobreaker.CircuitBreaker[[]byte] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: p.cfg.BreakerMaxRequests,
		Interval:    p.cfg.BreakerInterval,
		Timeout:     p.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 1 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= p.cfg.BreakerFailureRatio
		},
	})
	p.breakers[name] = b
	return b
}

// HTTPVisionClient implements VisionClient over a JSON HTTP RPC.
type HTTPVisionClient struct {
	httpClient *http.Client
	cfg        Config
	breakers   *breakerPool
}

// NewHTTPVisionClient returns a VisionClient posting to cfg.BaseURL+"/v1/vision:parse".
func NewHTTPVisionClient(cfg Config) *HTTPVisionClient {
	cfg.setDefaults()
	return &HTTPVisionClient{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		breakers:   newBreakerPool(cfg),
	}
}

type visionRequestBody struct {
	SystemPrompt   string         `json:"system_prompt"`
	ImageBase64    []byte         `json:"image_base64"`
	ResponseSchema map[string]any `json:"response_schema"`
}

// Parse submits one image to the vision model, wrapped by a per-credential
// circuit breaker.
func (c *HTTPVisionClient) Parse(ctx context.Context, credential string, req VisionRequest) ([]byte, error) {
	breaker := c.breakers.get("vision:" + credential)
	return breaker.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, credential, "/v1/vision:parse", visionRequestBody{
			SystemPrompt:   req.SystemPrompt,
			ImageBase64:    req.ImageBytes,
			ResponseSchema: req.ResponseSchema,
		})
	})
}

// HTTPLanguageClient implements LanguageClient over a JSON HTTP RPC.
type HTTPLanguageClient struct {
	httpClient *http.Client
	cfg        Config
	breakers   *breakerPool
}

// NewHTTPLanguageClient returns a LanguageClient posting to
// cfg.BaseURL+"/v1/language:complete".
func NewHTTPLanguageClient(cfg Config) *HTTPLanguageClient {
	cfg.setDefaults()
	return &HTTPLanguageClient{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		breakers:   newBreakerPool(cfg),
	}
}

type languageRequestBody struct {
	Prompt         string         `json:"prompt"`
	ResponseSchema map[string]any `json:"response_schema"`
}

// Complete submits one prompt to the language model, wrapped by a
// per-credential circuit breaker.
func (c *HTTPLanguageClient) Complete(ctx context.Context, credential string, req LanguageRequest) ([]byte, error) {
	breaker := c.breakers.get("language:" + credential)
	return breaker.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, credential, "/v1/language:complete", languageRequestBody{
			Prompt:         req.Prompt,
			ResponseSchema: req.ResponseSchema,
		})
	})
}

func (c *HTTPVisionClient) doRequest(ctx context.Context, credential, path string, body any) ([]byte, error) {
	return doJSONRequest(ctx, c.httpClient, c.cfg.BaseURL+path, credential, body)
}

func (c *HTTPLanguageClient) doRequest(ctx context.Context, credential, path string, body any) ([]byte, error) {
	return doJSONRequest(ctx, c.httpClient, c.cfg.BaseURL+path, credential, body)
}

func doJSONRequest(ctx context.Context, client *http.Client, url, credential string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("aiclient: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("aiclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("aiclient: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("aiclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

var _ VisionClient = (*HTTPVisionClient)(nil)
var _ LanguageClient = (*HTTPLanguageClient)(nil)
