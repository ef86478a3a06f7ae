package stage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
)

// TextBlock is one positioned run of text on a PDF page, as reported by a
// PDFEngine's text layer. Y is in the same unit space the engine uses for
// Rasterize/Crop (points at the PDF's native resolution, not pixels).
type TextBlock struct {
	Text string  `json:"text"`
	Y    float64 `json:"y"`
}

// TextExtractor extracts the positioned text layer of one PDF page. The
// marker regex scan (extract.go) runs over its output in pure Go; only the
// PDF parsing itself is black-box.
type TextExtractor interface {
	PageCount(ctx context.Context, pdfPath string) (int, error)
	ExtractPageText(ctx context.Context, pdfPath string, page int) ([]TextBlock, error)
}

// Rasterizer renders one PDF page to a PNG at the given DPI.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string, page, dpi int) ([]byte, error)
}

// Cropper crops a vertical band out of a rasterized page image.
type Cropper interface {
	Crop(ctx context.Context, pageImage []byte, yStart, yEnd float64) ([]byte, error)
}

// Engine is the full black-box PDF surface extract.go depends on.
type Engine interface {
	TextExtractor
	Rasterizer
	Cropper
}

// SubprocessEngine implements Engine by shelling out to an external binary,
// one request/response per call, adapted from runtime.ExecutorManager's
// stdin-JSON/stdout-JSON/stderr-capture/Kill-on-cancel shape — simplified
// to a single request/response round trip per call rather than a
// long-lived IPC stream, since each operation here is a one-shot command
// rather than an event-emitting run.
type SubprocessEngine struct {
	// BinaryPath is the PDF helper binary. It is invoked as:
	//   <BinaryPath> page-count <pdf>
	//   <BinaryPath> extract-text <pdf> <page>
	//   <BinaryPath> rasterize <pdf> <page> <dpi>
	//   <BinaryPath> crop <yStart> <yEnd>   (page image piped via stdin)
	// Each subcommand writes one JSON response object to stdout; binary
	// image payloads are base64-encoded inside that JSON envelope.
	BinaryPath string
}

type engineResponse struct {
	PageCount int         `json:"page_count,omitempty"`
	Blocks    []TextBlock `json:"blocks,omitempty"`
	ImageB64  string      `json:"image_base64,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (e *SubprocessEngine) run(ctx context.Context, stdin []byte, args ...string) (*engineResponse, error) {
	cmd := exec.CommandContext(ctx, e.BinaryPath, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("stage: pdf engine %v failed: %w (stderr: %s)", args, err, stderr.String())
	}

	var resp engineResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("stage: pdf engine %v: decode response: %w", args, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("stage: pdf engine %v: %s", args, resp.Error)
	}
	return &resp, nil
}

// PageCount implements TextExtractor.
func (e *SubprocessEngine) PageCount(ctx context.Context, pdfPath string) (int, error) {
	resp, err := e.run(ctx, nil, "page-count", pdfPath)
	if err != nil {
		return 0, err
	}
	return resp.PageCount, nil
}

// ExtractPageText implements TextExtractor.
func (e *SubprocessEngine) ExtractPageText(ctx context.Context, pdfPath string, page int) ([]TextBlock, error) {
	resp, err := e.run(ctx, nil, "extract-text", pdfPath, fmt.Sprint(page))
	if err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// Rasterize implements Rasterizer.
func (e *SubprocessEngine) Rasterize(ctx context.Context, pdfPath string, page, dpi int) ([]byte, error) {
	resp, err := e.run(ctx, nil, "rasterize", pdfPath, fmt.Sprint(page), fmt.Sprint(dpi))
	if err != nil {
		return nil, err
	}
	return decodeImageB64(resp.ImageB64)
}

// Crop implements Cropper.
func (e *SubprocessEngine) Crop(ctx context.Context, pageImage []byte, yStart, yEnd float64) ([]byte, error) {
	resp, err := e.run(ctx, pageImage, "crop", fmt.Sprint(yStart), fmt.Sprint(yEnd))
	if err != nil {
		return nil, err
	}
	return decodeImageB64(resp.ImageB64)
}

func decodeImageB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

var _ Engine = (*SubprocessEngine)(nil)
