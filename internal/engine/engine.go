// Package engine adapts the external MinerU parser (command line or HTTP
// server) and a local text-extraction fallback behind one interface.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mineruweb/internal/files"
)

// DefaultBackend is the backend used when a request does not name one.
const DefaultBackend = "vlm-sglang-engine"

// Options are the per-file parse settings chosen by the user.
type Options struct {
	Backend       string `json:"backend"`
	ParseMethod   string `json:"parse_method"` // auto, ocr, txt
	Language      string `json:"language"`
	FormulaEnable bool   `json:"formula_enable"`
	TableEnable   bool   `json:"table_enable"`
	EndPageID     int    `json:"end_page_id"`
	ServerURL     string `json:"server_url"`
}

// DefaultOptions returns formula and table recognition enabled, Chinese
// language and the default backend.
func DefaultOptions() Options {
	return Options{
		Backend:       DefaultBackend,
		ParseMethod:   "auto",
		Language:      "ch",
		FormulaEnable: true,
		TableEnable:   true,
		EndPageID:     99999,
	}
}

// Request describes one parse run.
type Request struct {
	SourcePath string // PDF to parse
	OutputDir  string // root output directory
	Name       string // result directory name, see ResultName
	Method     string // parse method directory, see ParseMethod
	Options    Options
}

// MarkdownDir is <output>/<name>/<method>.
func (r Request) MarkdownDir() string {
	return filepath.Join(r.OutputDir, r.Name, r.Method)
}

// Engine parses one document into a Markdown directory.
type Engine interface {
	Name() string
	Available(ctx context.Context) bool
	// Parse writes <name>.md and images/ under req.MarkdownDir() and returns that directory.
	Parse(ctx context.Context, req Request) (string, error)
}

// ParseMethod returns "vlm" for VLM backends, "ocr" when OCR was requested
// and "auto" otherwise. "txt" is passed through for the pipeline backend.
func ParseMethod(opts Options) string {
	if strings.HasPrefix(opts.Backend, "vlm") {
		return "vlm"
	}
	switch opts.ParseMethod {
	case "ocr", "txt":
		return opts.ParseMethod
	}
	return "auto"
}

// ResultName returns "<safe stem>_<yymmdd_HHMMSS>" for filename.
func ResultName(filename string, now time.Time) string {
	return fmt.Sprintf("%s_%s", files.SafeStem(filename), now.Format("060102_150405"))
}

// PrepareEnv creates <out>/<name>/<method>/images and returns the image and
// Markdown directories.
func PrepareEnv(outputDir, name, method string) (imageDir, mdDir string, err error) {
	mdDir = filepath.Join(outputDir, name, method)
	imageDir = filepath.Join(mdDir, "images")
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return "", "", fmt.Errorf("prepare output dir: %w", err)
	}
	return imageDir, mdDir, nil
}

// BackendOption is one entry of the backend selector.
type BackendOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// BackendOptions lists the selectable backends. With the sglang engine
// enabled only the pipeline and the local sglang engine are offered.
func BackendOptions(sglangEnabled bool) (options []BackendOption, defaultBackend string) {
	if sglangEnabled {
		return []BackendOption{
			{Value: "pipeline", Label: "Pipeline"},
			{Value: "vlm-sglang-engine", Label: "VLM SgLang Engine"},
		}, DefaultBackend
	}
	return []BackendOption{
		{Value: "pipeline", Label: "Pipeline"},
		{Value: "vlm-transformers", Label: "VLM Transformers"},
		{Value: "vlm-sglang-client", Label: "VLM SgLang Client"},
		{Value: "vlm-sglang-engine", Label: "VLM SgLang Engine"},
	}, DefaultBackend
}

// ValidBackend reports whether name is a known backend.
func ValidBackend(name string) bool {
	opts, _ := BackendOptions(false)
	for _, o := range opts {
		if o.Value == name {
			return true
		}
	}
	return false
}
