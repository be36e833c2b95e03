package files

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindResultDirs(t *testing.T) {
	out := t.TempDir()
	for _, d := range []string{"report_240101_100000", "report_240102_100000", "temp_report_240103_100000", "reporting_240101_000000", "other_240101_000000"} {
		require.NoError(t, os.MkdirAll(filepath.Join(out, d), 0755))
	}

	got := FindResultDirs(out, "report.pdf")
	require.Len(t, got, 3)
	assert.Equal(t, filepath.Join(out, "temp_report_240103_100000"), got[0])
	assert.Equal(t, filepath.Join(out, "report_240102_100000"), got[1])

	assert.Empty(t, FindResultDirs(out, "missing.pdf"))
	assert.Nil(t, FindResultDirs(filepath.Join(out, "nope"), "report.pdf"))
}

func TestFindResultDirsLooseMatch(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(out, "x_my_doc_v2_240101_000000"), 0755))

	got := FindResultDirs(out, "my doc.v2.pdf")
	require.Len(t, got, 1)
}

func TestLatestSuccessful(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "doc_240101_000000", "auto", "doc.md"), "old")
	require.NoError(t, os.MkdirAll(filepath.Join(out, "doc_240102_000000", "auto"), 0755))

	dir, err := LatestSuccessful(out, "doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "doc_240101_000000"), dir)

	_, err = LatestSuccessful(out, "zzz.pdf")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestLatestContainingAndSuccessfulDirs(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "my_file_240101_000000", "auto", "a.md"), "a")
	writeFile(t, filepath.Join(out, "my_file_240105_000000", "auto", "b.md"), "b")
	require.NoError(t, os.MkdirAll(filepath.Join(out, "empty_240101_000000"), 0755))

	dir, err := LatestContaining(out, "my_file")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "my_file_240105_000000"), dir)

	dirs, err := SuccessfulDirs(out)
	require.NoError(t, err)
	assert.Len(t, dirs, 2)
}

func TestListAndDeleteOutput(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "a_1", "a.md"), "a")
	writeFile(t, filepath.Join(out, "note.txt"), "n")

	list, err := ListOutput(out)
	require.NoError(t, err)
	assert.ElementsMatch(t, []OutputEntry{{Name: "a_1", Type: TypeDir}, {Name: "note.txt", Type: TypeFile}}, list)

	deleted, err := DeleteOutput(out, []string{"a_1", "../escape", "missing", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"a_1"}, deleted)
	assert.NoDirExists(t, filepath.Join(out, "a_1"))

	list, err = ListOutput(filepath.Join(out, "nope"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResolveRaw(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "d", "vlm", "x.pdf"), "%PDF")

	p, err := ResolveRaw(out, "d/vlm/x.pdf")
	require.NoError(t, err)
	assert.FileExists(t, p)

	_, err = ResolveRaw(out, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrForbiddenPath)

	_, err = ResolveRaw(out, "d/vlm/none.pdf")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = ResolveRaw(out, "d")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestFindPDF(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "my-doc_240101_000000", "vlm", "my-doc_layout.pdf"), "%PDF")
	writeFile(t, filepath.Join(out, "my-doc_240101_000000", "vlm", "my-doc_origin.pdf"), "%PDF")
	writeFile(t, filepath.Join(out, "other_240101_000000", "auto", "other_origin.pdf"), "%PDF")

	p, err := FindPDF(out, "my-doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "my-doc_240101_000000/vlm/my-doc_origin.pdf", p)

	_, err = FindPDF(out, "other")
	assert.ErrorIs(t, err, ErrNoResults)
}
