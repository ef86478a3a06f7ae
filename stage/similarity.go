package stage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"

	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/types"
)

// Similarity implements stagerunner.Processor for the Similarity stage
// (spec.md §4.3.4). Input payload: "merged_path" (string). Result:
// "similarity_path" (string), "total" (int), "groups_found" (int),
// "questions_assigned" (int).
type Similarity struct {
	Cfg Config
}

// NewSimilarity returns a Processor for the Similarity stage.
func NewSimilarity(cfg Config) stagerunner.Processor {
	cfg.setDefaults()
	return &Similarity{Cfg: cfg}
}

// Process implements stagerunner.Processor.
func (s *Similarity) Process(ctx context.Context, pctx *stagerunner.ProcessContext) (map[string]any, error) {
	mergedPath := payloadString(pctx.Envelope.Payload, "merged_path")
	if mergedPath == "" {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: no merged_path"))
	}

	prefix := RunPrefix(pctx.Run.TenantID, pctx.Run.ID)
	outPath := path.Join(prefix, "similarity", "similarity.json")
	splitPrefix := path.Join(prefix, "split")

	// Clean prior output for restart correctness, per spec.md §4.3.4.
	_ = s.Cfg.ObjStore.Delete(ctx, outPath)
	_ = s.Cfg.ObjStore.DeletePrefix(ctx, splitPrefix)

	raw, err := s.Cfg.ObjStore.Get(ctx, mergedPath)
	if err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/similarity: read %s: %w", mergedPath, err))
	}
	var items []types.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: decode %s: %w", mergedPath, err))
	}

	if len(items) < 2 {
		if err := s.Cfg.ObjStore.Put(ctx, outPath, raw); err != nil {
			return nil, stagerunner.Retryable(fmt.Errorf("stage/similarity: write %s: %w", outPath, err))
		}
		return map[string]any{"similarity_path": outPath, "total": len(items), "groups_found": 0, "questions_assigned": 0}, nil
	}

	result, err := s.runEngine(ctx, pctx, items)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: encode similarity.json: %w", err))
	}
	if err := s.Cfg.ObjStore.Put(ctx, outPath, body); err != nil {
		return nil, stagerunner.Retryable(fmt.Errorf("stage/similarity: write %s: %w", outPath, err))
	}

	groups := make(map[string]struct{})
	assigned := 0
	for _, it := range result {
		if it.SimilarityGroupID != nil {
			groups[*it.SimilarityGroupID] = struct{}{}
			assigned++
		}
	}

	return map[string]any{
		"similarity_path":    outPath,
		"total":              len(result),
		"groups_found":       len(groups),
		"questions_assigned": assigned,
	}, nil
}

// runEngine invokes the external similarity ranking subprocess, adapted
// from runtime.ExecutorManager's supervision shape: a local temp input/
// output file pair, stderr streamed line-by-line to the job logger, a
// context-bound timeout, and a nonzero exit code treated as fatal exactly
// as runtime.DetermineOutcome treats a nonzero executor exit.
func (s *Similarity) runEngine(ctx context.Context, pctx *stagerunner.ProcessContext, items []types.Item) ([]types.Item, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.Cfg.SimilarityTimeout)
	defer cancel()

	inFile, err := os.CreateTemp("", "similarity-in-*.json")
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: create input temp file: %w", err))
	}
	defer os.Remove(inFile.Name())
	if err := json.NewEncoder(inFile).Encode(items); err != nil {
		inFile.Close()
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: write input temp file: %w", err))
	}
	inFile.Close()

	outFile, err := os.CreateTemp("", "similarity-out-*.json")
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: create output temp file: %w", err))
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	cmd := exec.CommandContext(runCtx, s.Cfg.SimilarityBinaryPath,
		"-i", inFile.Name(),
		"-o", outPath,
		"--cross-encoder-threshold", fmt.Sprint(s.Cfg.CrossEncoderThresh),
		"--refine-threshold", fmt.Sprint(s.Cfg.RefineThresh),
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: start engine: %w", err))
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		streamStderr(stderr, pctx)
	}()

	waitErr := cmd.Wait()
	<-stderrDone
	if waitErr != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: engine failed: %w", waitErr))
	}

	outBody, err := os.ReadFile(outPath)
	if err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: read engine output: %w", err))
	}
	var result []types.Item
	if err := json.Unmarshal(outBody, &result); err != nil {
		return nil, stagerunner.Fatal(fmt.Errorf("stage/similarity: decode engine output: %w", err))
	}
	return result, nil
}

// streamStderr relays the similarity engine's stderr to the job's logger
// line by line, so diagnostics survive even though the engine's full
// stdout/stderr isn't otherwise captured.
func streamStderr(r io.Reader, pctx *stagerunner.ProcessContext) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pctx.Logger.Info("similarity engine", map[string]any{"line": scanner.Text()})
	}
}
