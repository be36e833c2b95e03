// Package files holds the file-handling helpers shared by the HTTP handlers
// and the task worker: name sanitizing, Markdown loading, ZIP packing and
// output directory lookups.
package files

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	unsafeNameRe = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_.\-]`)
	unsafeStemRe = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_.]`)
	looseStemRe  = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_]`)
)

// SanitizeFilename joins the path components of name, dropping separators
// and "." or ".." components, then replaces anything but letters, digits,
// '_', '.' and '-' with '_'. The final extension is kept. It never returns a
// dot file or an empty name.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == "." || part == ".." {
			continue
		}
		b.WriteString(part)
	}
	s := unsafeNameRe.ReplaceAllString(b.String(), "_")
	if strings.HasPrefix(s, ".") {
		s = "_" + s
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// Stem returns the base name of path without its final extension.
// Dot files keep their name.
func Stem(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	ext := filepath.Ext(base)
	if ext == base {
		return base
	}
	return strings.TrimSuffix(base, ext)
}

// SafeStem is Stem with every character other than letters, digits, '_' and
// '.' replaced by '_'.
func SafeStem(path string) string {
	return unsafeStemRe.ReplaceAllString(Stem(path), "_")
}

// looseStem also replaces dots.
func looseStem(path string) string {
	return looseStemRe.ReplaceAllString(Stem(path), "_")
}

// Kind classifies an upload.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindImage       Kind = "image"
	KindUnsupported Kind = "unsupported"
)

var (
	pdfSuffixes   = map[string]bool{".pdf": true}
	imageSuffixes = map[string]bool{
		".png": true, ".jpeg": true, ".jpg": true, ".webp": true, ".gif": true,
		".bmp": true, ".tif": true, ".tiff": true,
	}
)

// KindOfName classifies by extension only.
func KindOfName(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case pdfSuffixes[ext]:
		return KindPDF
	case imageSuffixes[ext]:
		return KindImage
	}
	return KindUnsupported
}

// DetectKind classifies an upload from its leading bytes, requiring the
// extension to agree with the sniffed content.
func DetectKind(head []byte, name string) Kind {
	byName := KindOfName(name)
	if byName == KindUnsupported {
		return KindUnsupported
	}
	mime := mimetype.Detect(head)
	switch {
	case mime.Is("application/pdf"):
		if byName == KindPDF {
			return KindPDF
		}
	case strings.HasPrefix(mime.String(), "image/"):
		if byName == KindImage {
			return KindImage
		}
	}
	return KindUnsupported
}

// DetectFileKind is DetectKind for a file on disk.
func DetectFileKind(path string) (Kind, error) {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return KindUnsupported, err
	}
	byName := KindOfName(path)
	switch {
	case mime.Is("application/pdf") && byName == KindPDF:
		return KindPDF, nil
	case strings.HasPrefix(mime.String(), "image/") && byName == KindImage:
		return KindImage, nil
	}
	return KindUnsupported, nil
}
