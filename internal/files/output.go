package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrForbiddenPath is returned for paths that escape the output directory.
	ErrForbiddenPath = errors.New("forbidden path")
	// ErrNoResults is returned when no result directory matches.
	ErrNoResults = errors.New("no results")
)

// Entry types as shown in the output listing.
const (
	TypeFile = "文件"
	TypeDir  = "目录"
)

// OutputEntry is one top-level item of the output directory.
type OutputEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func topDirs(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// FindResultDirs returns the result directories for an uploaded filename,
// newest first. Directory names start with the safe stem followed by a
// timestamp, optionally behind a "temp_" prefix. When nothing matches by
// prefix, any directory containing the loosened stem is accepted.
func FindResultDirs(outputDir, filename string) []string {
	names, err := topDirs(outputDir)
	if err != nil {
		return nil
	}
	safe := SafeStem(filename)
	var hits []string
	for _, n := range names {
		if strings.HasPrefix(n, "temp_"+safe+"_") || strings.HasPrefix(n, safe+"_") {
			hits = append(hits, n)
		}
	}
	if len(hits) == 0 {
		loose := looseStem(filename)
		for _, n := range names {
			if loose != "" && strings.Contains(n, loose+"_") {
				hits = append(hits, n)
			}
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(hits)))
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = filepath.Join(outputDir, h)
	}
	return out
}

// LatestSuccessful returns the newest result directory for filename that
// holds a Markdown file.
func LatestSuccessful(outputDir, filename string) (string, error) {
	for _, dir := range FindResultDirs(outputDir, filename) {
		if HasMarkdown(dir) {
			return dir, nil
		}
	}
	return "", ErrNoResults
}

// LatestContaining returns the newest top-level directory whose name contains
// key and that holds a Markdown file.
func LatestContaining(outputDir, key string) (string, error) {
	names, err := topDirs(outputDir)
	if err != nil {
		return "", err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, n := range names {
		if !strings.Contains(n, key) {
			continue
		}
		dir := filepath.Join(outputDir, n)
		if HasMarkdown(dir) {
			return dir, nil
		}
	}
	return "", ErrNoResults
}

// SuccessfulDirs lists the top-level directories that hold Markdown output.
func SuccessfulDirs(outputDir string) ([]string, error) {
	names, err := topDirs(outputDir)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var dirs []string
	for _, n := range names {
		dir := filepath.Join(outputDir, n)
		if HasMarkdown(dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// ListOutput lists the top level of the output directory. A missing
// directory yields an empty list.
func ListOutput(outputDir string) ([]OutputEntry, error) {
	entries, err := os.ReadDir(outputDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []OutputEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	list := make([]OutputEntry, 0, len(entries))
	for _, e := range entries {
		typ := TypeFile
		if e.IsDir() {
			typ = TypeDir
		}
		list = append(list, OutputEntry{Name: e.Name(), Type: typ})
	}
	return list, nil
}

// DeleteOutput removes the named top-level entries and returns the names that
// were actually deleted. Names that resolve outside outputDir are skipped.
func DeleteOutput(outputDir string, names []string) ([]string, error) {
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	deleted := []string{}
	var errs []error
	for _, name := range names {
		if name == "" {
			continue
		}
		target := filepath.Join(root, name)
		if target == root || !within(root, target) {
			continue
		}
		if _, err := os.Lstat(target); err != nil {
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// ResolveRaw maps a slash-separated path relative to the output directory to
// an existing file.
func ResolveRaw(outputDir, rel string) (string, error) {
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, target) {
		return "", ErrForbiddenPath
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", fs.ErrNotExist
	}
	if info.IsDir() {
		return "", fs.ErrNotExist
	}
	return target, nil
}

func pdfCandidates(q string) []string {
	if q == "" {
		return nil
	}
	stem := Stem(q)
	seen := map[string]bool{}
	var out []string
	for _, c := range []string{q, SafeStem(q), stem, unsafeStemRe.ReplaceAllString(stem, "_"), strings.ReplaceAll(stem, "-", "_")} {
		c = strings.ToLower(c)
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// FindPDF looks for a previewable PDF inside "vlm" directories of the output
// tree whose relative path contains q or a normalized form of it. Files
// ending in _origin.pdf win over any other match. The result is relative to
// outputDir with forward slashes.
func FindPDF(outputDir, q string) (string, error) {
	candidates := pdfCandidates(q)
	var hitOrigin, hitAny string
	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == outputDir {
				return err
			}
			return nil
		}
		if !d.IsDir() || d.Name() != "vlm" {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".pdf") {
				continue
			}
			rel, err := filepath.Rel(outputDir, filepath.Join(path, e.Name()))
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !matchesAny(strings.ToLower(rel), candidates) {
				continue
			}
			if hitOrigin == "" && strings.HasSuffix(e.Name(), "_origin.pdf") {
				hitOrigin = rel
			}
			if hitAny == "" {
				hitAny = rel
			}
		}
		if hitOrigin != "" {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if hitOrigin != "" {
		return hitOrigin, nil
	}
	if hitAny != "" {
		return hitAny, nil
	}
	return "", ErrNoResults
}

func matchesAny(s string, candidates []string) bool {
	if len(candidates) == 0 {
		return true
	}
	for _, c := range candidates {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}
