package files

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestZipDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "doc.md"), "# doc")
	writeFile(t, filepath.Join(dir, "images", "a.jpg"), "a")

	var buf bytes.Buffer
	require.NoError(t, ZipDir(dir, &buf, ""))
	assert.Equal(t, []string{"doc.md", "images/a.jpg"}, zipNames(t, buf.Bytes()))

	buf.Reset()
	require.NoError(t, ZipDir(dir, &buf, "doc/"))
	assert.Equal(t, []string{"doc/doc.md", "doc/images/a.jpg"}, zipNames(t, buf.Bytes()))
}

func TestZipDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a_1", "auto", "a.md"), "a")
	writeFile(t, filepath.Join(root, "b_1", "vlm", "b.md"), "b")
	writeFile(t, filepath.Join(root, "c_1", "c.txt"), "c")

	var buf bytes.Buffer
	dirs := []string{filepath.Join(root, "a_1"), filepath.Join(root, "b_1")}
	require.NoError(t, ZipDirs(root, dirs, &buf))
	assert.Equal(t, []string{"a_1/auto/a.md", "b_1/vlm/b.md"}, zipNames(t, buf.Bytes()))
}

func TestExtractZip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteZipEntries(&buf, map[string][]byte{
		"doc/auto/doc.md":       []byte("# doc"),
		"doc/auto/images/x.jpg": []byte("x"),
		"doc/auto/skip.json":    []byte("{}"),
	}))

	dst := t.TempDir()
	n, err := ExtractZip(bytes.NewReader(buf.Bytes()), int64(buf.Len()), dst, func(name string) string {
		if filepath.Ext(name) == ".json" {
			return ""
		}
		return name[len("doc/auto/"):]
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dst, "doc.md"))
	require.NoError(t, err)
	assert.Equal(t, "# doc", string(data))
	assert.FileExists(t, filepath.Join(dst, "images", "x.jpg"))
	assert.NoFileExists(t, filepath.Join(dst, "skip.json"))
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteZipEntries(&buf, map[string][]byte{"../evil.txt": []byte("x")}))

	parent := t.TempDir()
	dst := filepath.Join(parent, "out")
	_, err := ExtractZip(bytes.NewReader(buf.Bytes()), int64(buf.Len()), dst, nil)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(parent, "evil.txt"))
}

func TestExtractZipNotAZip(t *testing.T) {
	data := []byte("not a zip")
	_, err := ExtractZip(bytes.NewReader(data), int64(len(data)), t.TempDir(), nil)
	assert.Error(t, err)
}
