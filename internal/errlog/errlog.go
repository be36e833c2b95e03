// Package errlog provides a dedicated error-only file sink with rotation.
//
// The sink receives already-encoded entries from the zap error core (see
// internal/logging), appends them to <dir>/error.log and rotates the file
// into gzip archives once it grows past the configured threshold. Up to
// maxBackups archives are kept.
package errlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	defaultLogDir = "logs"
	logFileName   = "error.log"

	// maxFileSize is the default rotation threshold in bytes (100 MB).
	maxFileSize = 100 << 20
	// maxBackups is the number of compressed archives to keep.
	maxBackups = 5
)

var (
	global *errorLogger
	mu     sync.Mutex // protects Init / Close and the global pointer
	logDir = defaultLogDir
)

type errorLogger struct {
	mu         sync.Mutex
	file       *os.File
	dir        string
	path       string
	size       int64
	closed     bool
	maxRotSize int64
}

// Init opens <dir>/error.log for appending. Calling Init while the sink is
// already open is a no-op; after a failed Init it may be retried.
func Init(dir string, rotationMB int) error {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		return nil
	}
	if dir == "" {
		dir = defaultLogDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create error log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open error log file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat error log file: %w", err)
	}

	rot := int64(maxFileSize)
	if rotationMB > 0 {
		rot = int64(rotationMB) << 20
	}
	logDir = dir
	global = &errorLogger{
		file:       f,
		dir:        dir,
		path:       path,
		size:       info.Size(),
		maxRotSize: rot,
	}
	return nil
}

// Sink is a zapcore.WriteSyncer backed by the package-level error log.
// Writes before Init or after Close are dropped.
type Sink struct{}

// Write appends p to the error log, rotating when needed.
func (Sink) Write(p []byte) (int, error) {
	mu.Lock()
	l := global
	mu.Unlock()
	if l == nil {
		return len(p), nil
	}
	return l.write(p)
}

// Sync flushes the error log file to disk.
func (Sink) Sync() error {
	mu.Lock()
	l := global
	mu.Unlock()
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Logf writes a formatted line directly to the error log. Used by code paths
// that run before the zap logger exists.
func Logf(format string, args ...interface{}) {
	line := time.Now().Format("2006/01/02 15:04:05") + " [ERROR] " + fmt.Sprintf(format, args...)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	Sink{}.Write([]byte(line))
}

// Close syncs and closes the error log file. Call on application shutdown.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if global == nil {
		return
	}
	global.close()
	global = nil
}

func (l *errorLogger) write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.file == nil {
		return len(p), nil
	}
	n, err := l.file.Write(p)
	if err != nil {
		return n, err
	}
	l.size += int64(n)
	if l.size >= l.maxRotSize {
		l.rotate()
	}
	return n, nil
}

// rotate compresses the current log file and opens a fresh one.
// Caller must hold l.mu.
func (l *errorLogger) rotate() {
	l.file.Sync()
	l.file.Close()
	l.file = nil

	// error-20260219-153045.000.log.gz
	ts := time.Now().Format("20060102-150405.000")
	archivePath := filepath.Join(l.dir, fmt.Sprintf("error-%s.log.gz", ts))

	// Truncate even when compression fails so the file cannot grow unbounded.
	compressFile(l.path, archivePath)
	os.Truncate(l.path, 0)

	l.pruneArchives()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	l.file = f
	l.size = 0
}

// pruneArchives removes the oldest archives beyond maxBackups. Caller must hold l.mu.
func (l *errorLogger) pruneArchives() {
	archives, err := listArchives(l.dir)
	if err != nil || len(archives) <= maxBackups {
		return
	}
	for _, name := range archives[:len(archives)-maxBackups] {
		os.Remove(filepath.Join(l.dir, name))
	}
}

func (l *errorLogger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.file != nil {
		l.file.Sync()
		l.file.Close()
		l.file = nil
	}
}

// compressFile writes a gzip copy of src to dst. On failure the partial dst
// file is removed.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	gw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// GetLogDir returns the log directory path.
func GetLogDir() string {
	mu.Lock()
	defer mu.Unlock()
	return logDir
}

// GetLogPath returns the full path to the current error log file.
func GetLogPath() string {
	return filepath.Join(GetLogDir(), logFileName)
}

// GetRotationSizeMB returns the current rotation threshold in megabytes.
func GetRotationSizeMB() int {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return int(global.maxRotSize >> 20)
	}
	return int(maxFileSize >> 20)
}

// SetRotationSizeMB updates the rotation threshold. sizeMB must be >= 1.
func SetRotationSizeMB(sizeMB int) {
	if sizeMB < 1 {
		sizeMB = 1
	}
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		global.mu.Lock()
		global.maxRotSize = int64(sizeMB) << 20
		global.mu.Unlock()
	}
}

// RecentLines reads the last n lines from the current error log file,
// oldest first.
func RecentLines(n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	f, err := os.Open(GetLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return []string{}, nil
	}

	// Only the tail is scanned; 256KB comfortably holds the requested lines.
	const maxRead = 256 * 1024
	readStart := int64(0)
	if size > maxRead {
		readStart = size - maxRead
	}
	buf := make([]byte, size-readStart)
	if _, err = f.ReadAt(buf, readStart); err != nil && err != io.EOF {
		return nil, err
	}

	lines := make([]string, 0, n)
	end := len(buf)
	if end > 0 && buf[end-1] == '\n' {
		end--
	}
	for i := end - 1; i >= 0 && len(lines) < n; i-- {
		if buf[i] == '\n' {
			if line := string(buf[i+1 : end]); line != "" {
				lines = append(lines, line)
			}
			end = i
		}
	}
	if len(lines) < n && end > 0 {
		if line := string(buf[:end]); line != "" {
			lines = append(lines, line)
		}
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// ListArchives returns the names of compressed log archives, oldest first.
func ListArchives() ([]string, error) {
	return listArchives(GetLogDir())
}

func listArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	archives := []string{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "error-") && strings.HasSuffix(name, ".log.gz") {
			archives = append(archives, name)
		}
	}
	sort.Strings(archives)
	return archives, nil
}
