package engine

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	gopdf "github.com/VantageDataChat/GoPDF2"
	"go.uber.org/zap"
)

// LocalEngine extracts page text and embedded images with GoPDF2. It does no
// layout analysis and is used when MinerU is not installed.
type LocalEngine struct {
	Logger *zap.Logger
	// MaxImagesPerPage caps extracted images per page.
	MaxImagesPerPage int
}

// NewLocalEngine returns a local engine.
func NewLocalEngine(logger *zap.Logger) *LocalEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalEngine{Logger: logger, MaxImagesPerPage: 5}
}

func (e *LocalEngine) Name() string { return "local" }

func (e *LocalEngine) Available(context.Context) bool { return true }

// Parse writes <name>.md with one section per page followed by that page's images.
func (e *LocalEngine) Parse(ctx context.Context, req Request) (mdDir string, err error) {
	defer func() {
		if r := recover(); r != nil {
			mdDir = ""
			err = fmt.Errorf("pdf解析错误: %v", r)
		}
	}()

	data, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		return "", fmt.Errorf("pdf解析错误: 不是有效的PDF文件")
	}

	pageCount, err := gopdf.GetSourcePDFPageCountFromBytes(data)
	if err != nil {
		return "", fmt.Errorf("pdf解析错误: %w", err)
	}
	last := pageCount
	if req.Options.EndPageID > 0 && req.Options.EndPageID+1 < last {
		last = req.Options.EndPageID + 1
	}

	imageDir, mdDir, err := PrepareEnv(req.OutputDir, req.Name, req.Method)
	if err != nil {
		return "", err
	}

	pageImages := e.extractImages(data, imageDir)

	var sb strings.Builder
	for i := 0; i < last; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := gopdf.ExtractPageText(data, i)
		if err == nil {
			if text = CleanText(text); text != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n\n")
				}
				sb.WriteString(text)
			}
		}
		for _, img := range pageImages[i] {
			sb.WriteString("\n\n![](images/" + img + ")")
		}
	}

	mdPath := filepath.Join(mdDir, req.Name+".md")
	if err := os.WriteFile(mdPath, []byte(sb.String()+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write markdown: %w", err)
	}
	e.Logger.Info("local parse finished",
		zap.String("name", req.Name), zap.Int("pages", last), zap.Int("image_pages", len(pageImages)))
	return mdDir, nil
}

// extractImages writes page images as JPEG files and returns their names per
// page index. Failures are logged and skipped.
func (e *LocalEngine) extractImages(data []byte, imageDir string) (out map[int][]string) {
	out = make(map[int][]string)
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Warn("pdf image extraction panic", zap.Any("panic", r))
		}
	}()

	imgMap, err := gopdf.ExtractImagesFromAllPages(data)
	if err != nil {
		e.Logger.Warn("pdf image extraction failed", zap.Error(err))
		return out
	}

	pages := make([]int, 0, len(imgMap))
	for idx := range imgMap {
		pages = append(pages, idx)
	}
	sort.Ints(pages)

	seen := make(map[[16]byte]bool)
	for _, page := range pages {
		kept := 0
		for _, img := range imgMap[page] {
			// Icons, bullets and decorations.
			if len(img.Data) == 0 || img.Width < 50 || img.Height < 50 {
				continue
			}
			if kept >= e.MaxImagesPerPage {
				break
			}
			hash := md5.Sum(img.Data)
			if seen[hash] {
				continue
			}
			seen[hash] = true

			encoded := img.Data
			switch {
			case img.Filter == "DCTDecode":
			case img.Filter == "" && isJPEG(img.Data):
			default:
				if encoded = rawPixelsToJPEG(img.Data, img.Width, img.Height, img.ColorSpace); encoded == nil {
					continue
				}
			}
			kept++
			name := fmt.Sprintf("page%d_%d.jpg", page+1, kept)
			if err := os.WriteFile(filepath.Join(imageDir, name), encoded, 0644); err != nil {
				e.Logger.Warn("write page image failed", zap.String("name", name), zap.Error(err))
				continue
			}
			out[page] = append(out[page], name)
		}
	}
	return out
}

func isJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}

var (
	controlCharRe  = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	multiSpaceRe   = regexp.MustCompile(`[ \t]+`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// CleanText strips control characters, collapses runs of blanks within a line
// and limits blank lines to one.
func CleanText(text string) string {
	text = controlCharRe.ReplaceAllString(text, "")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(multiSpaceRe.ReplaceAllString(line, " "))
	}
	text = multiNewlineRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}
