package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/exam2quiz/pipeline/stagerunner"
)

// markerRe matches a positive integer immediately followed by the word
// "pont" (Hungarian for "point(s)"), case-insensitive.
var markerRe = regexp.MustCompile(`(?i)(\d+)\s*pont`)

// disqualifyingWords rules out a matched marker when one of these phrases
// appears shortly after it — they describe scoring rules, not a question's
// own point value (e.g. "3 pont adható" = "3 points may be awarded").
var disqualifyingWords = []string{"adható", "válaszonként", "helyes válasz", "pontonként"}

// disqualifyLookaheadRunes bounds how far past a match disqualifyingWords
// is searched; Go's regexp has no lookahead, so this is a plain substring
// check over a trailing window instead.
const disqualifyLookaheadRunes = 30

// marker is one candidate question-point marker found on a page.
type marker struct {
	Points int
	Y      float64
}

// scanMarkers finds every valid point marker in blocks, sorts by Y, and
// dedups matches within dedupWindow y-units (they are treated as the same
// marker reported twice by slightly different text runs).
func scanMarkers(blocks []TextBlock, dedupWindow float64) []marker {
	var found []marker
	for _, b := range blocks {
		for _, m := range scanBlockMarkers(b.Text) {
			found = append(found, marker{Points: m, Y: b.Y})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Y < found[j].Y })

	deduped := found[:0:0]
	for _, m := range found {
		if len(deduped) > 0 && m.Y-deduped[len(deduped)-1].Y <= dedupWindow {
			continue
		}
		deduped = append(deduped, m)
	}
	return deduped
}

// scanBlockMarkers returns every valid marker's point value found in text,
// excluding digit-dash ranges (e.g. "5-10 pont") and matches immediately
// followed by a disqualifying phrase.
func scanBlockMarkers(text string) []int {
	var points []int
	locs := markerRe.FindAllStringSubmatchIndex(text, -1)
	for _, loc := range locs {
		matchStart, matchEnd := loc[0], loc[1]
		numStart, numEnd := loc[2], loc[3]

		if precededByDigitDash(text, numStart) {
			continue
		}
		if followedByDisqualifyingWord(text, matchEnd) {
			continue
		}

		n, err := strconv.Atoi(text[numStart:numEnd])
		if err != nil || n <= 0 {
			continue
		}
		points = append(points, n)
		_ = matchStart
	}
	return points
}

func precededByDigitDash(text string, numStart int) bool {
	if numStart < 2 {
		return false
	}
	before := text[:numStart]
	before = strings.TrimRight(before, " \t")
	if len(before) == 0 || before[len(before)-1] != '-' {
		return false
	}
	before = before[:len(before)-1]
	return len(before) > 0 && before[len(before)-1] >= '0' && before[len(before)-1] <= '9'
}

func followedByDisqualifyingWord(text string, matchEnd int) bool {
	end := matchEnd + disqualifyLookaheadRunes
	if end > len(text) {
		end = len(text)
	}
	window := strings.ToLower(text[matchEnd:end])
	for _, w := range disqualifyingWords {
		if strings.Contains(window, w) {
			return true
		}
	}
	return false
}

// ExtractedItem is one produced crop, recorded in the per-PDF manifest.
type ExtractedItem struct {
	File           string `json:"file"`
	SourceDocument string `json:"source_document"`
	Page           int    `json:"page"`
	Points         int    `json:"points"`
}

// Extract implements stagerunner.Processor for the extract stage (spec.md
// §4.3.1). Input payload: "input_files" ([]string, object store paths to
// source PDFs). Result: "image_paths" ([]string), "total_items" (int),
// "total_questions" (int).
type Extract struct {
	Cfg Config
}

// NewExtract returns a Processor for the extract stage.
func NewExtract(cfg Config) stagerunner.Processor {
	cfg.setDefaults()
	return &Extract{Cfg: cfg}
}

// Process implements stagerunner.Processor.
func (e *Extract) Process(ctx context.Context, pctx *stagerunner.ProcessContext) (map[string]any, error) {
	inputFiles := payloadStringSlice(pctx.Envelope.Payload, "input_files")
	if len(inputFiles) == 0 {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/extract: no input files"))
	}

	tenantID := pctx.Run.TenantID
	runID := pctx.Run.ID
	prefix := RunPrefix(tenantID, runID) + "/extract"

	var allImages []string
	totalQuestions := 0
	counter := 0

	for i, srcPath := range inputFiles {
		pdfBytes, err := e.Cfg.ObjStore.Get(ctx, srcPath)
		if err != nil {
			return nil, stagerunner.Retryable(fmt.Errorf("stage/extract: read %s: %w", srcPath, err))
		}

		items, n, err := e.extractOne(ctx, srcPath, pdfBytes, prefix, &counter)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			allImages = append(allImages, it.File)
		}
		totalQuestions += n

		pctx.Run.ProcessedItems++
		pctx.Run.TotalQuestions += n
		if err := e.Cfg.Store.UpdateRun(ctx, pctx.Run); err != nil {
			pctx.Logger.Warn("extract: incremental progress write failed", map[string]any{"error": err.Error()})
		}
		pctx.SetProgress(int(float64(i+1) / float64(len(inputFiles)) * 100))
	}

	return map[string]any{
		"image_paths":     allImages,
		"total_items":     len(allImages),
		"total_questions": totalQuestions,
	}, nil
}

func (e *Extract) extractOne(ctx context.Context, srcPath string, pdfBytes []byte, prefix string, counter *int) ([]ExtractedItem, int, error) {
	stem := stemOf(srcPath)

	tmpPath := srcPath // the engine addresses PDFs by their object-store-relative path; a real
	// deployment stages pdfBytes to a local temp file before invoking the
	// subprocess engine. That staging is outside this package's concern.
	_ = pdfBytes

	pageCount, err := e.Cfg.Engine.PageCount(ctx, tmpPath)
	if err != nil {
		return nil, 0, stagerunner.Retryable(fmt.Errorf("stage/extract: page count: %w", err))
	}

	var items []ExtractedItem
	for page := 0; page < pageCount; page++ {
		blocks, err := e.Cfg.Engine.ExtractPageText(ctx, tmpPath, page)
		if err != nil {
			return nil, 0, stagerunner.Retryable(fmt.Errorf("stage/extract: extract text page %d: %w", page, err))
		}
		markers := scanMarkers(blocks, DefaultMarkerDedupYUnits)
		if len(markers) == 0 {
			continue
		}

		pageImg, err := e.Cfg.Engine.Rasterize(ctx, tmpPath, page, e.Cfg.DPI)
		if err != nil {
			return nil, 0, stagerunner.Retryable(fmt.Errorf("stage/extract: rasterize page %d: %w", page, err))
		}

		for i, m := range markers {
			yStart := m.Y - DefaultCropPaddingYUnits
			if yStart < 0 {
				yStart = 0
			}
			yEnd := -1.0 // page end
			if i+1 < len(markers) {
				yEnd = markers[i+1].Y
			}

			crop, err := e.Cfg.Engine.Crop(ctx, pageImg, yStart, yEnd)
			if err != nil {
				return nil, 0, stagerunner.Retryable(fmt.Errorf("stage/extract: crop page %d marker %d: %w", page, i, err))
			}

			*counter++
			filename := fmt.Sprintf("%s_q%03d_%dpt.png", stem, *counter, m.Points)
			outPath := path.Join(prefix, filename)
			if err := e.Cfg.ObjStore.Put(ctx, outPath, crop); err != nil {
				return nil, 0, stagerunner.Retryable(fmt.Errorf("stage/extract: write %s: %w", outPath, err))
			}
			items = append(items, ExtractedItem{File: outPath, SourceDocument: srcPath, Page: page, Points: m.Points})
		}
	}

	manifest, err := json.Marshal(items)
	if err != nil {
		return nil, 0, stagerunner.Fatal(fmt.Errorf("stage/extract: encode manifest for %s: %w", srcPath, err))
	}
	manifestPath := path.Join(prefix, stem, "manifest.json")
	if err := e.Cfg.ObjStore.Put(ctx, manifestPath, manifest); err != nil {
		return nil, 0, stagerunner.Retryable(fmt.Errorf("stage/extract: write manifest for %s: %w", srcPath, err))
	}

	return items, len(items), nil
}

func stemOf(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}
