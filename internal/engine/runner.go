package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"mineruweb/internal/convert"
	"mineruweb/internal/files"
)

// Runner prepares a stored upload for an Engine: images are converted to
// PDF, the page range is clamped and the result directory is named.
type Runner struct {
	OutputDir       string
	MaxConvertPages int
	Logger          *zap.Logger

	mu     sync.RWMutex
	engine Engine
	now    func() time.Time
}

// NewRunner returns a runner writing results under outputDir.
func NewRunner(e Engine, outputDir string, maxConvertPages int, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		OutputDir:       outputDir,
		MaxConvertPages: maxConvertPages,
		Logger:          logger,
		engine:          e,
		now:             time.Now,
	}
}

// Engine returns the current engine.
func (r *Runner) Engine() Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine
}

// SetEngine swaps the engine, e.g. after a configuration reload.
func (r *Runner) SetEngine(e Engine) {
	r.mu.Lock()
	r.engine = e
	r.mu.Unlock()
}

// Parse converts sourcePath (a PDF or image) and returns the Markdown directory.
func (r *Runner) Parse(ctx context.Context, sourcePath, filename string, opts Options) (string, error) {
	e := r.Engine()
	if e == nil {
		return "", fmt.Errorf("no parsing engine configured")
	}
	if err := os.MkdirAll(r.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	opts = r.normalize(opts)
	kind, err := files.DetectFileKind(sourcePath)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	if kind == files.KindUnsupported {
		return "", fmt.Errorf("不支持的文件类型: %s", filepath.Ext(filename))
	}
	pdfPath := sourcePath
	if kind == files.KindImage {
		tmp, err := os.MkdirTemp("", "mineru-convert-*")
		if err != nil {
			return "", err
		}
		defer os.RemoveAll(tmp)
		pdfPath = filepath.Join(tmp, files.SafeStem(filename)+".pdf")
		if err := convert.ToPDF(sourcePath, pdfPath); err != nil {
			return "", fmt.Errorf("图片转换PDF失败: %w", err)
		}
	}

	if r.MaxConvertPages > 0 {
		limit := r.MaxConvertPages - 1
		if pages, err := convert.PageCount(pdfPath); err == nil && pages-1 < limit {
			limit = pages - 1
		}
		if opts.EndPageID <= 0 || opts.EndPageID > limit {
			opts.EndPageID = limit
		}
	}

	req := Request{
		SourcePath: pdfPath,
		OutputDir:  r.OutputDir,
		Name:       ResultName(filename, r.now()),
		Method:     ParseMethod(opts),
		Options:    opts,
	}
	r.Logger.Info("parsing document",
		zap.String("engine", e.Name()),
		zap.String("file", filename),
		zap.String("backend", opts.Backend),
		zap.String("method", req.Method),
		zap.Int("end_page", opts.EndPageID))
	if r.Logger.Core().Enabled(zap.DebugLevel) {
		if props, err := convert.Properties(pdfPath); err == nil && props["Title"] != "" {
			r.Logger.Debug("document properties", zap.String("title", props["Title"]))
		}
	}

	mdDir, err := e.Parse(ctx, req)
	if err != nil {
		return "", err
	}
	return mdDir, nil
}

func (r *Runner) normalize(opts Options) Options {
	d := DefaultOptions()
	if opts.Backend == "" {
		opts.Backend = d.Backend
	}
	if opts.ParseMethod == "" {
		opts.ParseMethod = d.ParseMethod
	}
	if opts.Language == "" {
		opts.Language = d.Language
	}
	return opts
}
