package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync/atomic"

	"github.com/exam2quiz/pipeline/aiclient"
	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/types"
)

// parseSystemPrompt describes the fixed JSON shape every vision call must
// return, per spec.md §4.3.2.
const parseSystemPrompt = `Extract the single exam question shown in this image. Respond with JSON matching the given schema: question_number (string), points (integer), question_text (string; use a markdown table for tabular content, leaving answer cells blank), question_type (one of "multiple_choice", "fill_in", "matching", "open"), correct_answer (string; markdown table with filled cells for tabular answers), options (array of strings).`

var parseResponseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"question_number": map[string]any{"type": "string"},
		"points":           map[string]any{"type": "integer"},
		"question_text":    map[string]any{"type": "string"},
		"question_type":    map[string]any{"type": "string", "enum": []string{"multiple_choice", "fill_in", "matching", "open"}},
		"correct_answer":   map[string]any{"type": "string"},
		"options":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"question_number", "points", "question_text", "question_type"},
}

// parseResult is one image's parse outcome, written into parsed.json.
type parseResult struct {
	File    string             `json:"file"`
	Payload types.ParsePayload `json:"payload"`
}

// Parse implements stagerunner.Processor for the AI Parse stage (spec.md
// §4.3.2). Input payload: "image_paths" ([]string). Result: "parsed_path"
// (string), "total" (int), "successful" (int).
type Parse struct {
	Cfg Config
}

// NewParse returns a Processor for the AI Parse stage.
func NewParse(cfg Config) stagerunner.Processor {
	cfg.setDefaults()
	return &Parse{Cfg: cfg}
}

// Process implements stagerunner.Processor.
func (p *Parse) Process(ctx context.Context, pctx *stagerunner.ProcessContext) (map[string]any, error) {
	imagePaths := payloadStringSlice(pctx.Envelope.Payload, "image_paths")
	if len(imagePaths) == 0 {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/parse: no image paths"))
	}

	tenant, err := p.Cfg.Store.GetTenant(ctx, pctx.Run.TenantID)
	if err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/parse: load tenant: %w", err))
	}
	credential, err := p.Cfg.Credential.Resolve(tenant)
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/parse: %w", err))
	}

	results := make([]parseResult, len(imagePaths))
	var completed atomic.Int32

	errs := runBounded(ctx, p.Cfg.AIConcurrency, len(imagePaths), func(ctx context.Context, i int) error {
		results[i] = p.parseOne(ctx, credential, imagePaths[i])
		n := completed.Add(1)
		pctx.SetProgress(int(float64(n) / float64(len(imagePaths)) * 100))
		return nil
	})
	for _, err := range errs {
		if err != nil {
			return nil, stagerunner.Retryable(fmt.Errorf("stage/parse: %w", err))
		}
	}

	successful := 0
	for _, r := range results {
		if r.Payload.Success {
			successful++
		}
	}

	body, err := json.Marshal(results)
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/parse: encode parsed.json: %w", err))
	}
	outPath := path.Join(RunPrefix(pctx.Run.TenantID, pctx.Run.ID), "parse", "parsed.json")
	if err := p.Cfg.ObjStore.Put(ctx, outPath, body); err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/parse: write parsed.json: %w", err))
	}

	return map[string]any{
		"parsed_path": outPath,
		"total":       len(results),
		"successful":  successful,
	}, nil
}

// parseOne submits one image and never returns an error: a failed call
// becomes a {success:false} record per spec.md §4.3.2 so one bad image
// doesn't fail the whole job.
func (p *Parse) parseOne(ctx context.Context, credential, imagePath string) parseResult {
	imageBytes, err := p.Cfg.ObjStore.Get(ctx, imagePath)
	if err != nil {
		return parseResult{File: imagePath, Payload: types.ParsePayload{Error: err.Error(), ErrorType: "read_error"}}
	}

	var payload types.ParsePayload
	attemptErr := withAIRetry(ctx, p.Cfg.AIMaxAttempts, p.Cfg.RateLimitBackoffUnit, p.Cfg.TransientBackoff, func(ctx context.Context, attempt int) error {
		resp, err := p.Cfg.Vision.Parse(ctx, credential, aiclient.VisionRequest{
			ImageBytes:     imageBytes,
			SystemPrompt:   parseSystemPrompt,
			ResponseSchema: parseResponseSchema,
		})
		if err != nil {
			return err
		}
		// A malformed AI response is a transient condition, not a terminal
		// one: retried within the same attempt ladder as the call itself.
		return json.Unmarshal(resp, &payload)
	})
	if attemptErr != nil {
		return parseResult{File: imagePath, Payload: types.ParsePayload{Error: attemptErr.Error(), ErrorType: "ai_error"}}
	}

	payload.Success = true
	return parseResult{File: imagePath, Payload: payload}
}
