package files

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var imageLinkRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)

// ImageToBase64 returns the base64 encoding of the file at path.
func ImageToBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ReplaceImagesWithBase64 inlines Markdown image links relative to dir as
// data:image/jpeg URLs. Links whose file is missing are left untouched.
func ReplaceImagesWithBase64(markdown, dir string) string {
	return imageLinkRe.ReplaceAllStringFunc(markdown, func(match string) string {
		sub := imageLinkRe.FindStringSubmatch(match)
		rel := sub[1]
		if strings.HasPrefix(rel, "data:") || strings.Contains(rel, "://") {
			return match
		}
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if info, err := os.Stat(full); err != nil || info.IsDir() {
			return match
		}
		encoded, err := ImageToBase64(full)
		if err != nil {
			return match
		}
		return strings.Replace(match, "("+rel+")", "(data:image/jpeg;base64,"+encoded+")", 1)
	})
}

// FindMarkdown returns the first .md file under dir in lexical walk order.
func FindMarkdown(dir string) (string, bool) {
	var found string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// HasMarkdown reports whether any .md file exists under dir.
func HasMarkdown(dir string) bool {
	_, ok := FindMarkdown(dir)
	return ok
}

// LoadMarkdown reads the first Markdown file under resultPath. txt is the raw
// file and md has its images inlined. Both are empty when nothing is found.
func LoadMarkdown(resultPath string) (md, txt string, err error) {
	if resultPath == "" {
		return "", "", nil
	}
	if _, err := os.Stat(resultPath); err != nil {
		return "", "", nil
	}
	path, ok := FindMarkdown(resultPath)
	if !ok {
		return "", "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read markdown: %w", err)
	}
	txt = string(data)
	return ReplaceImagesWithBase64(txt, filepath.Dir(path)), txt, nil
}

var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	// MinerU emits tables as raw HTML.
	goldmark.WithRendererOptions(html.WithUnsafe(), html.WithXHTML()),
)

// RenderHTML converts Markdown to HTML for previews.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// SampleMarkdown is the placeholder document returned when no engine result exists.
func SampleMarkdown(name, backend, method string, now time.Time) string {
	return fmt.Sprintf(`# %[1]s

这是一个示例Markdown文件，由MinerU Web界面生成。

## 文件信息
- 文件名: %[1]s
- 处理时间: %[2]s
- 后端: %[3]s
- 解析方法: %[4]s

## 说明
这是一个简化版本的MinerU Web界面，用于演示基本功能。
要使用完整的PDF转换功能，请确保安装了完整的MinerU环境。
`, name, now.Format("2006-01-02 15:04:05"), backend, method)
}
