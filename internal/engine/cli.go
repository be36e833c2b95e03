package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CLIEngine runs the `mineru` command line tool.
type CLIEngine struct {
	BinaryPath string
	Logger     *zap.Logger
}

// NewCLIEngine returns an engine calling the binary at path ("mineru" when empty).
func NewCLIEngine(path string, logger *zap.Logger) *CLIEngine {
	if path == "" {
		path = "mineru"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIEngine{BinaryPath: path, Logger: logger}
}

func (e *CLIEngine) Name() string { return "cli" }

// Available reports whether the binary can be found.
func (e *CLIEngine) Available(ctx context.Context) bool {
	_, err := exec.LookPath(e.BinaryPath)
	return err == nil
}

// Args builds the mineru command line for req. MinerU writes its result to
// <-o>/<stem of -p>/<method>, so the source is staged under the result name
// by Parse before this is called.
func (e *CLIEngine) Args(req Request, stagedPath string) []string {
	o := req.Options
	backend := o.Backend
	if backend == "" {
		backend = DefaultBackend
	}
	method := o.ParseMethod
	if method == "" {
		method = "auto"
	}
	args := []string{
		"-p", stagedPath,
		"-o", req.OutputDir,
		"-b", backend,
		"-m", method,
	}
	if o.Language != "" {
		args = append(args, "-l", o.Language)
	}
	if o.EndPageID > 0 {
		args = append(args, "-e", strconv.Itoa(o.EndPageID))
	}
	args = append(args,
		"-f", strconv.FormatBool(o.FormulaEnable),
		"-t", strconv.FormatBool(o.TableEnable),
	)
	if o.ServerURL != "" {
		args = append(args, "-u", o.ServerURL)
	}
	return args
}

// Parse stages the source as <tmp>/<name>.pdf and runs mineru on it.
func (e *CLIEngine) Parse(ctx context.Context, req Request) (string, error) {
	for _, p := range []string{req.SourcePath, req.OutputDir} {
		if strings.ContainsAny(p, "|;&$`") {
			return "", fmt.Errorf("路径包含非法字符: %s", p)
		}
	}

	stageDir, err := os.MkdirTemp("", "mineru-stage-*")
	if err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	staged := filepath.Join(stageDir, req.Name+filepath.Ext(req.SourcePath))
	if err := linkOrCopy(req.SourcePath, staged); err != nil {
		return "", fmt.Errorf("stage source: %w", err)
	}

	args := e.Args(req, staged)
	e.Logger.Info("running mineru", zap.String("bin", e.BinaryPath), zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, e.BinaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("mineru 执行超时或被取消: %w", ctx.Err())
		}
		return "", fmt.Errorf("mineru 执行失败: %s: %w", tail(string(output), 2000), err)
	}

	mdDir := req.MarkdownDir()
	if _, err := os.Stat(mdDir); err != nil {
		return "", fmt.Errorf("mineru 未生成结果目录 %s", mdDir)
	}
	return mdDir, nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
