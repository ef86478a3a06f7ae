package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"github.com/exam2quiz/pipeline/aiclient"
	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/types"
)

const categorizeSystemPromptPrefix = `Classify the exam question below into exactly one of the listed categories (and subcategory, if the category has any). Respond with JSON: {"category": "...", "subcategory": "..."}.

Categories:
`

// Categorize implements stagerunner.Processor for the AI Categorize stage
// (spec.md §4.3.3). Input payload: "parsed_path" (string). Result:
// "merged_path" (string) — populated only for a standalone/parent run;
// chaining.Next treats a child run's Categorize completion as terminal
// regardless, so a child's result map is never consulted.
type Categorize struct {
	Cfg Config
}

// NewCategorize returns a Processor for the AI Categorize stage.
func NewCategorize(cfg Config) stagerunner.Processor {
	cfg.setDefaults()
	return &Categorize{Cfg: cfg}
}

// Process implements stagerunner.Processor.
func (c *Categorize) Process(ctx context.Context, pctx *stagerunner.ProcessContext) (map[string]any, error) {
	parsedPath := payloadString(pctx.Envelope.Payload, "parsed_path")
	if parsedPath == "" {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/categorize: no parsed_path"))
	}

	raw, err := c.Cfg.ObjStore.Get(ctx, parsedPath)
	if err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/categorize: read %s: %w", parsedPath, err))
	}
	var parsed []parseResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/categorize: decode %s: %w", parsedPath, err))
	}

	categories, err := c.Cfg.Store.ListTenantCategories(ctx, pctx.Run.TenantID)
	if err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/categorize: load categories: %w", err))
	}

	var credential string
	if len(categories) > 0 {
		tenant, err := c.Cfg.Store.GetTenant(ctx, pctx.Run.TenantID)
		if err != nil {
			return nil, stagerunner.Retryable(fmt.Errorf("stage/categorize: load tenant: %w", err))
		}
		credential, err = c.Cfg.Credential.Resolve(tenant)
		if err != nil {
			return nil, stagerunner.Fatal(fmt.Errorf("stage/categorize: %w", err))
		}
	}

	enum := buildCategoryEnum(categories)
	systemPrompt, schema := categorizeSchema(enum)

	items := make([]types.Item, len(parsed))
	var completed atomic.Int32

	errs := runBounded(ctx, c.Cfg.AIConcurrency, len(parsed), func(ctx context.Context, i int) error {
		items[i] = c.categorizeOne(ctx, pctx.Run, parsed[i], categories, enum, credential, systemPrompt, schema)
		n := completed.Add(1)
		pctx.SetProgress(int(float64(n) / float64(len(parsed)) * 100))
		return nil
	})
	for _, err := range errs {
		if err != nil {
			return nil, stagerunner.Retryable(fmt.Errorf("stage/categorize: %w", err))
		}
	}

	// Audit copy: just this run's items, never re-read downstream.
	auditBody, err := json.Marshal(items)
	if err == nil {
		auditPath := path.Join(RunPrefix(pctx.Run.TenantID, pctx.Run.ID), "categorize", "categorized.json")
		_ = c.Cfg.ObjStore.Put(ctx, auditPath, auditBody)
	}

	merged, err := c.Cfg.Store.MergeItems(ctx, pctx.Run.TenantID, items)
	if err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/categorize: merge items: %w", err))
	}

	mergedBody, err := json.Marshal(merged)
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/categorize: encode categorized_merged.json: %w", err))
	}
	mergedPath := path.Join(RunPrefix(pctx.Run.TenantID, pctx.Run.ID), "categorize", "categorized_merged.json")
	if err := c.Cfg.ObjStore.Put(ctx, mergedPath, mergedBody); err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/categorize: write categorized_merged.json: %w", err))
	}

	return map[string]any{"merged_path": mergedPath}, nil
}

// categoryEnum is the AI schema's constrained label space: category name ->
// allowed subcategory names (empty slice means the category has none).
type categoryEnum struct {
	names         []string
	subcategories map[string][]string
}

func buildCategoryEnum(categories []types.TenantCategory) categoryEnum {
	enum := categoryEnum{subcategories: make(map[string][]string)}
	seen := make(map[string]bool)
	for _, cat := range categories {
		if !seen[cat.Name] {
			seen[cat.Name] = true
			enum.names = append(enum.names, cat.Name)
		}
		if cat.Subcategory != "" {
			enum.subcategories[cat.Name] = append(enum.subcategories[cat.Name], cat.Subcategory)
		}
	}
	return enum
}

func categorizeSchema(enum categoryEnum) (string, map[string]any) {
	var b strings.Builder
	b.WriteString(categorizeSystemPromptPrefix)
	for i, name := range enum.names {
		fmt.Fprintf(&b, "%d. %s", i+1, name)
		if subs := enum.subcategories[name]; len(subs) > 0 {
			fmt.Fprintf(&b, " (subcategories: %s)", strings.Join(subs, ", "))
		}
		b.WriteString("\n")
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"category":    map[string]any{"type": "string", "enum": enum.names},
			"subcategory": map[string]any{"type": "string"},
		},
		"required": []string{"category"},
	}
	return b.String(), schema
}

func (c *Categorize) categorizeOne(ctx context.Context, run *types.PipelineRun, pr parseResult, categories []types.TenantCategory, enum categoryEnum, credential, systemPrompt string, schema map[string]any) types.Item {
	item := types.Item{
		TenantID:       run.TenantID,
		File:           pr.File,
		PipelineRunID:  run.ID,
		SourceDocument: pr.File,
		Success:        pr.Payload.Success,
		Parse:          pr.Payload,
	}

	if len(categories) == 0 {
		item.Categorization = types.CategorizationPayload{Success: false, Error: "No categories configured"}
		return item
	}
	if !pr.Payload.Success || (pr.Payload.QuestionText == "" && pr.Payload.CorrectAnswer == "") {
		item.Categorization = types.CategorizationPayload{Success: false, Error: "parse data empty or unsuccessful"}
		return item
	}

	prompt := fmt.Sprintf("%s\n\nQuestion: %s\n\nCorrect answer: %s", systemPrompt, pr.Payload.QuestionText, pr.Payload.CorrectAnswer)

	var raw []byte
	attemptErr := withAIRetry(ctx, c.Cfg.AIMaxAttempts, c.Cfg.RateLimitBackoffUnit, c.Cfg.TransientBackoff, func(ctx context.Context, attempt int) error {
		resp, err := c.Cfg.Language.Complete(ctx, credential, aiclient.LanguageRequest{Prompt: prompt, ResponseSchema: schema})
		if err != nil {
			return err
		}
		raw = resp
		return nil
	})
	if attemptErr != nil {
		item.Categorization = types.CategorizationPayload{Success: false, Error: attemptErr.Error()}
		return item
	}

	var decoded types.CategorizationPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		item.Categorization = types.CategorizationPayload{Success: false, Error: err.Error()}
		return item
	}

	category := matchCategory(decoded.Category, enum.names)
	if category == "" {
		item.Categorization = types.CategorizationPayload{Success: false, Error: fmt.Sprintf("unrecognized category %q", decoded.Category)}
		return item
	}
	subcategory := ""
	if allowed := enum.subcategories[category]; len(allowed) > 0 {
		subcategory = matchCategory(decoded.Subcategory, allowed)
	}

	decoded.Success = true
	decoded.Category = category
	decoded.Subcategory = subcategory
	item.Categorization = decoded
	return item
}

// matchCategory validates value against allowed, accepting an exact
// case-insensitive match first and falling back to a case-insensitive
// substring match per spec.md §4.3.3.
func matchCategory(value string, allowed []string) string {
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return a
		}
	}
	for _, a := range allowed {
		if strings.Contains(lower, strings.ToLower(a)) || strings.Contains(strings.ToLower(a), lower) {
			return a
		}
	}
	return ""
}
