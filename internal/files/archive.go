package files

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ZipDir writes every regular file under dir to w as a deflated ZIP archive.
// Entry names are relative to dir, joined under prefix when it is non-empty.
func ZipDir(dir string, w io.Writer, prefix string) error {
	zw := zip.NewWriter(w)
	if err := addDir(zw, dir, dir, prefix); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ZipDirs packs several directories below root into one archive with entry
// names relative to root.
func ZipDirs(root string, dirs []string, w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, dir := range dirs {
		if err := addDir(zw, root, dir, ""); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addDir(zw *zip.Writer, base, dir, prefix string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" {
			name = strings.TrimSuffix(prefix, "/") + "/" + name
		}
		return addFile(zw, path, name)
	})
}

func addFile(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

// WriteZipEntries writes in-memory files into a new archive.
func WriteZipEntries(w io.Writer, entries map[string][]byte) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	zw := zip.NewWriter(w)
	for _, name := range names {
		data := entries[name]
		f, err := zw.Create(name)
		if err != nil {
			zw.Close()
			return err
		}
		if _, err := f.Write(data); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// ExtractZip unpacks the archive into dst. rename maps each entry name to its
// path below dst; an empty result skips the entry. Entries that would land
// outside dst are rejected. It returns the number of files written.
func ExtractZip(r io.ReaderAt, size int64, dst string, rename func(string) string) (int, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	root, err := filepath.Abs(dst)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := f.Name
		if rename != nil {
			name = rename(name)
		}
		if name == "" {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		if !within(root, target) {
			return n, fmt.Errorf("%w: %s", ErrForbiddenPath, f.Name)
		}
		if err := extractFile(f, target); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
