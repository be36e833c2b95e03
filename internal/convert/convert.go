// Package convert turns uploaded images into PDFs and inspects PDF files.
package convert

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// importable lists the image formats pdfcpu embeds directly.
var importable = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// decodable lists formats that are re-encoded as PNG before import.
var decodable = map[string]bool{
	".webp": true,
	".gif":  true,
	".bmp":  true,
}

// Supported reports whether ToPDF accepts files with name's extension.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".pdf" || importable[ext] || decodable[ext]
}

// ToPDF writes dst as a PDF version of src. PDFs are copied unchanged and
// images become a single-page PDF.
func ToPDF(src, dst string) error {
	ext := strings.ToLower(filepath.Ext(src))
	switch {
	case ext == ".pdf":
		return copyFile(src, dst)
	case importable[ext]:
		return importImage(src, dst)
	case decodable[ext]:
		tmp, err := os.MkdirTemp("", "convert-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		pngPath := filepath.Join(tmp, "page.png")
		if err := reencodePNG(src, pngPath); err != nil {
			return err
		}
		return importImage(pngPath, dst)
	default:
		return fmt.Errorf("不支持的文件类型: %s", ext)
	}
}

// pdfcpuCall runs fn and turns a pdfcpu panic on malformed input into an error.
func pdfcpuCall(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: malformed PDF: %v", op, r)
		}
	}()
	return fn()
}

// PageCount returns the number of pages in the PDF at path.
func PageCount(path string) (int, error) {
	var n int
	err := pdfcpuCall("count pages", func() (err error) {
		n, err = api.PageCountFile(path)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Properties returns the document properties (title, author, ...) of a PDF.
func Properties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var props map[string]string
	err = pdfcpuCall("read properties", func() (err error) {
		props, err = api.Properties(f, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}
	return props, nil
}

func importImage(src, dst string) error {
	// ImportImagesFile appends to an existing dst, so start from scratch.
	os.Remove(dst)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	err := pdfcpuCall("import image", func() error {
		return api.ImportImagesFile([]string{src}, dst, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("import image: %w", err)
	}
	return nil
}

func reencodePNG(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	img, _, err := image.Decode(in)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return out.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
