package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/exam2quiz/pipeline/cache"
	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/types"
)

// transliterationMap maps accented characters to ASCII, per spec.md §9's
// explicit instruction to preserve filename stability across re-runs.
var transliterationMap = map[rune]rune{
	'á': 'a', 'é': 'e', 'í': 'i', 'ó': 'o', 'ö': 'o', 'ő': 'o', 'ú': 'u', 'ü': 'u', 'ű': 'u',
	'Á': 'A', 'É': 'E', 'Í': 'I', 'Ó': 'O', 'Ö': 'O', 'Ő': 'O', 'Ú': 'U', 'Ü': 'U', 'Ű': 'U',
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9 -]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// Sanitize converts a category or subcategory name into the filename-safe
// key the split stage names its output bucket with, per spec.md §4.3.5:
// transliterate, strip unsafe bytes, collapse whitespace to underscore,
// lowercase.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if repl, ok := transliterationMap[r]; ok {
			b.WriteRune(repl)
		} else {
			b.WriteRune(r)
		}
	}
	cleaned := unsafeChars.ReplaceAllString(b.String(), "")
	cleaned = whitespaceRun.ReplaceAllString(strings.TrimSpace(cleaned), "_")
	return strings.ToLower(cleaned)
}

// splitBucket is the per-category/subcategory output file, per spec.md
// §4.3.5's {category_name, subcategory_name?, groups} shape.
type splitBucket struct {
	CategoryName    string         `json:"category_name"`
	SubcategoryName string         `json:"subcategory_name,omitempty"`
	Groups          [][]types.Item `json:"groups"`
}

// Split implements stagerunner.Processor for the Split stage (spec.md
// §4.3.5). Input payload: "similarity_path" (string). This stage is
// terminal: chaining.Next always marks the run COMPLETED after it, so its
// result map carries no further payload.
type Split struct {
	Cfg Config
}

// NewSplit returns a Processor for the Split stage.
func NewSplit(cfg Config) stagerunner.Processor {
	cfg.setDefaults()
	return &Split{Cfg: cfg}
}

// Process implements stagerunner.Processor.
func (s *Split) Process(ctx context.Context, pctx *stagerunner.ProcessContext) (map[string]any, error) {
	similarityPath := payloadString(pctx.Envelope.Payload, "similarity_path")
	if similarityPath == "" {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/split: no similarity_path"))
	}

	raw, err := s.Cfg.ObjStore.Get(ctx, similarityPath)
	if err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/split: read %s: %w", similarityPath, err))
	}
	var items []types.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/split: decode %s: %w", similarityPath, err))
	}

	categories, err := s.Cfg.Store.ListTenantCategories(ctx, pctx.Run.TenantID)
	if err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/split: load categories: %w", err))
	}
	outputKeyFor := buildOutputKeyLookup(categories)

	buckets, skipped := groupByCategory(items)

	outputKeys := make(map[string]string) // sanitized key -> "category/subcategory" it came from, for collision detection
	prefix := path.Join(RunPrefix(pctx.Run.TenantID, pctx.Run.ID), "split")

	for bucketKey, bucket := range buckets {
		sanitized := outputKeyFor(bucketKey)
		if existing, collided := outputKeys[sanitized]; collided && existing != bucketKey.label() {
			return nil, stagerunner.Fatal(fmt.Errorf(
				"stage/split: output filename collision %q between %q and %q", sanitized, existing, bucketKey.label()))
		}
		outputKeys[sanitized] = bucketKey.label()

		groups := groupBySimilarity(bucket)
		out := splitBucket{CategoryName: bucketKey.category, SubcategoryName: bucketKey.subcategory, Groups: groups}
		body, err := json.Marshal(out)
		if err != nil {
			return nil, stagerunner.Fatal(fmt.Errorf("stage/split: encode %s: %w", sanitized, err))
		}
		outPath := path.Join(prefix, sanitized+".json")

		if s.Cfg.Cache != nil {
			cacheKey := cache.HashKey("split:"+sanitized, body)
			if _, err := s.Cfg.Cache.Get(ctx, cacheKey); err == nil {
				continue // identical bytes already written on a prior (restarted) run
			}
			_ = s.Cfg.Cache.Put(ctx, cacheKey, []byte{1}, cache.DefaultTTL)
		}

		if err := s.Cfg.ObjStore.Put(ctx, outPath, body); err != nil {
			return nil, stagerunner.Retryable(fmt.Errorf("stage/split: write %s: %w", outPath, err))
		}
	}

	for _, it := range items {
		if err := s.Cfg.Store.UpdateItemSimilarityGroup(ctx, it.TenantID, it.File, it.SimilarityGroupID); err != nil {
			return nil, stagerunner.Retryable(fmt.Errorf("stage/split: persist similarity group for %s: %w", it.File, err))
		}
	}

	pctx.SetProgress(100)
	_ = skipped
	return map[string]any{"buckets": len(buckets), "skipped": skipped}, nil
}

// bucketKey identifies one output file: subcategory when present, else
// category.
type bucketKey struct {
	category    string
	subcategory string
}

func (k bucketKey) label() string {
	if k.subcategory != "" {
		return k.category + "/" + k.subcategory
	}
	return k.category
}

// effectiveName is the name the output filename and collision key are
// derived from: subcategory when present, else category, per spec.md
// §4.3.5's `{sanitized_subcategory_or_category}.json`.
func (k bucketKey) effectiveName() string {
	if k.subcategory != "" {
		return k.subcategory
	}
	return k.category
}

// buildOutputKeyLookup prefers a tenant category's stored OutputKey (stable
// across later Name/Subcategory edits, per its doc comment) and falls back
// to sanitizing the bucket's effective name when no matching category row
// has one set.
func buildOutputKeyLookup(categories []types.TenantCategory) func(bucketKey) string {
	stored := make(map[string]string)
	for _, cat := range categories {
		if cat.OutputKey == "" {
			continue
		}
		key := bucketKey{category: cat.Name, subcategory: cat.Subcategory}
		stored[key.label()] = cat.OutputKey
	}
	return func(k bucketKey) string {
		if outputKey, ok := stored[k.label()]; ok {
			return outputKey
		}
		return Sanitize(k.effectiveName())
	}
}

// groupByCategory buckets items by subcategory when present, else category;
// items with neither are counted as skipped, per spec.md §4.3.5.
func groupByCategory(items []types.Item) (map[bucketKey][]types.Item, int) {
	buckets := make(map[bucketKey][]types.Item)
	skipped := 0
	for _, it := range items {
		if !it.Categorization.Success || it.Categorization.Category == "" {
			skipped++
			continue
		}
		key := bucketKey{category: it.Categorization.Category, subcategory: it.Categorization.Subcategory}
		buckets[key] = append(buckets[key], it)
	}
	return buckets, skipped
}

// groupBySimilarity groups a bucket's items by SimilarityGroupID, giving
// each null-valued item its own synthetic singleton group, and sorts
// groups by member count descending, per spec.md §4.3.5.
func groupBySimilarity(items []types.Item) [][]types.Item {
	named := make(map[string][]types.Item)
	var order []string
	nullCounter := 0

	for _, it := range items {
		var key string
		if it.SimilarityGroupID != nil {
			key = *it.SimilarityGroupID
		} else {
			key = fmt.Sprintf("__null_%d", nullCounter)
			nullCounter++
		}
		if _, ok := named[key]; !ok {
			order = append(order, key)
		}
		named[key] = append(named[key], it)
	}

	groups := make([][]types.Item, 0, len(order))
	for _, key := range order {
		groups = append(groups, named[key])
	}
	sort.SliceStable(groups, func(i, j int) bool { return len(groups[i]) > len(groups[j]) })
	return groups
}
