package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mineruweb/internal/files"
)

// APIEngine posts documents to a running mineru-api server and unpacks the
// returned ZIP archive.
type APIEngine struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewAPIEngine returns an engine for the server at baseURL.
func NewAPIEngine(baseURL, apiKey string, logger *zap.Logger) *APIEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIEngine{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 0},
		Logger:     logger,
	}
}

func (e *APIEngine) Name() string { return "api" }

// Available probes the server's OpenAPI document.
func (e *APIEngine) Available(ctx context.Context) bool {
	if e.BaseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/openapi.json", nil)
	if err != nil {
		return false
	}
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Parse uploads the source and extracts the archive into req.MarkdownDir().
func (e *APIEngine) Parse(ctx context.Context, req Request) (string, error) {
	body, contentType, err := e.buildForm(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/file_parse", body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if e.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	e.Logger.Info("posting to mineru-api", zap.String("url", e.BaseURL), zap.String("name", req.Name))
	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mineru-api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(msg, &apiErr) == nil && apiErr.Error != "" {
			return "", fmt.Errorf("mineru-api 返回 %d: %s", resp.StatusCode, apiErr.Error)
		}
		return "", fmt.Errorf("mineru-api 返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	tmp, err := os.CreateTemp("", "mineru-result-*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp zip: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return "", fmt.Errorf("download result: %w", err)
	}

	_, mdDir, err := PrepareEnv(req.OutputDir, req.Name, req.Method)
	if err != nil {
		return "", err
	}
	n, err := files.ExtractZip(tmp, size, mdDir, func(name string) string {
		return flattenEntry(name, req.Method)
	})
	if err != nil {
		return "", fmt.Errorf("extract result: %w", err)
	}
	if !files.HasMarkdown(mdDir) {
		return "", fmt.Errorf("mineru-api 结果中没有 Markdown 文件")
	}
	e.Logger.Info("mineru-api result extracted", zap.Int("files", n), zap.String("dir", mdDir))
	return mdDir, nil
}

func (e *APIEngine) buildForm(req Request) (io.Reader, string, error) {
	src, err := os.Open(req.SourcePath)
	if err != nil {
		return nil, "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("files", req.Name+filepath.Ext(req.SourcePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, src); err != nil {
		return nil, "", fmt.Errorf("read source: %w", err)
	}

	o := req.Options
	fields := map[string]string{
		"backend":             o.Backend,
		"parse_method":        o.ParseMethod,
		"lang_list":           o.Language,
		"formula_enable":      strconv.FormatBool(o.FormulaEnable),
		"table_enable":        strconv.FormatBool(o.TableEnable),
		"return_md":           "true",
		"return_images":       "true",
		"response_format_zip": "true",
		"start_page_id":       "0",
	}
	if o.EndPageID > 0 {
		fields["end_page_id"] = strconv.Itoa(o.EndPageID)
	}
	if o.ServerURL != "" {
		fields["server_url"] = o.ServerURL
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// flattenEntry maps "<name>/<file>" and "<name>/<method>/<file>" to "<file>".
// Entries already at the archive root are kept.
func flattenEntry(name, method string) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	parts := strings.SplitN(name, "/", 2)
	if len(parts) < 2 || parts[0] == "images" {
		return name
	}
	rest := parts[1]
	if method != "" && strings.HasPrefix(rest, method+"/") {
		rest = strings.TrimPrefix(rest, method+"/")
	}
	return rest
}
