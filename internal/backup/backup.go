// Package backup provides full and incremental backup/restore for mineruweb.
//
// Backup strategy:
//
//	Full mode:
//	  - VACUUM INTO snapshot of the SQLite database
//	  - Config + encryption key
//	  - Result directories under the output dir (optional)
//
//	Incremental mode:
//	  - tasks and file_list are dumped as SQL (both are small and mutable)
//	  - Result directories not listed in the base manifest
//	  - Config + encryption key: always included
//
// Archive layout (tar.gz):
//
//	mineruweb.db        full DB snapshot (full mode only)
//	db_delta.sql        SQL statements for the tables (incremental only)
//	output/<dir>/...    conversion results
//	config.json         service configuration
//	encryption.key      AES encryption key
//	manifest.json       this backup's Manifest
package backup

import (
	"archive/tar"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Manifest records backup metadata and is saved alongside the archive.
type Manifest struct {
	Timestamp   string         `json:"timestamp"`
	Mode        string         `json:"mode"`
	BasedOn     string         `json:"based_on,omitempty"`
	OutputDirs  []string       `json:"output_dirs"`
	DBRowCounts map[string]int `json:"db_row_counts"`
	DBPath      string         `json:"db_path"`
}

// Options configures a backup operation.
type Options struct {
	DBPath        string // SQLite database file
	ConfigPath    string // config.json; encryption.key is read from the same directory
	OutputDir     string // conversion results
	IncludeOutput bool
	Dest          string // directory for the archive (default ".")
	Mode          string // "full" or "incremental"
	ManifestIn    string // base manifest (required for incremental)
	Logger        *zap.Logger
}

// Result holds backup results.
type Result struct {
	ArchivePath  string
	ManifestPath string
	FilesWritten int
	DBRows       int
	BytesWritten int64
}

const (
	dbArchiveName    = "mineruweb.db"
	deltaArchiveName = "db_delta.sql"
	outputPrefix     = "output"
)

// backupTables are dumped in incremental mode and counted in full mode.
var backupTables = []string{"tasks", "file_list"}

var validBackupTables = map[string]bool{"tasks": true, "file_list": true}

// Run executes a backup.
func Run(db *sql.DB, opts Options) (*Result, error) {
	if opts.Dest == "" {
		opts.Dest = "."
	}
	if opts.Mode == "" {
		opts.Mode = "full"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Mode != "full" && opts.Mode != "incremental" {
		return nil, fmt.Errorf("未知备份模式: %s", opts.Mode)
	}

	var prev *Manifest
	if opts.Mode == "incremental" {
		if opts.ManifestIn == "" {
			return nil, fmt.Errorf("增量备份需要指定基准 manifest (--base)")
		}
		m, err := loadManifest(opts.ManifestIn)
		if err != nil {
			return nil, fmt.Errorf("加载基准 manifest 失败: %w", err)
		}
		prev = m
	}

	if err := os.MkdirAll(opts.Dest, 0755); err != nil {
		return nil, fmt.Errorf("创建备份目录失败: %w", err)
	}

	now := time.Now()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}
	base := fmt.Sprintf("mineruweb_%s_%s_%s", opts.Mode, hostname, now.Format("20060102-150405"))
	archivePath := filepath.Join(opts.Dest, base+".tar.gz")
	manifestPath := filepath.Join(opts.Dest, base+".manifest.json")

	manifest := &Manifest{
		Timestamp:   now.Format(time.RFC3339),
		Mode:        opts.Mode,
		DBPath:      opts.DBPath,
		OutputDirs:  []string{},
		DBRowCounts: make(map[string]int),
	}
	if prev != nil {
		manifest.BasedOn = opts.ManifestIn
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("创建归档文件失败: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	result := &Result{ArchivePath: archivePath, ManifestPath: manifestPath}

	// 1. Config + encryption key
	if opts.ConfigPath != "" {
		dir := filepath.Dir(opts.ConfigPath)
		for _, p := range []string{opts.ConfigPath, filepath.Join(dir, "encryption.key")} {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			name := filepath.Base(p)
			n, err := addFileToTar(tw, p, name)
			if err != nil {
				return nil, fmt.Errorf("添加 %s 失败: %w", name, err)
			}
			result.BytesWritten += n
			result.FilesWritten++
		}
	}

	// 2. Database
	if db != nil {
		if opts.Mode == "full" {
			n, err := addSnapshot(tw, db, opts.Dest)
			if err != nil {
				return nil, err
			}
			result.BytesWritten += n
			result.FilesWritten++
			for _, t := range backupTables {
				if cnt, err := countRows(db, t); err == nil {
					manifest.DBRowCounts[t] = cnt
					result.DBRows += cnt
				}
			}
		} else {
			sqlData, rowCounts, err := generateDeltaSQL(db, prev.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("生成增量 SQL 失败: %w", err)
			}
			n, err := addBytesToTar(tw, sqlData, deltaArchiveName)
			if err != nil {
				return nil, fmt.Errorf("添加增量 SQL 失败: %w", err)
			}
			result.BytesWritten += n
			result.FilesWritten++
			manifest.DBRowCounts = rowCounts
			for _, c := range rowCounts {
				result.DBRows += c
			}
		}
	}

	// 3. Result directories
	if opts.IncludeOutput && opts.OutputDir != "" {
		if err := addOutput(tw, opts, prev, manifest, result); err != nil {
			return nil, err
		}
	}

	// 4. Manifest, inside the archive and next to it
	manifestData, _ := json.MarshalIndent(manifest, "", "  ")
	if _, err := addBytesToTar(tw, manifestData, "manifest.json"); err != nil {
		return nil, fmt.Errorf("嵌入 manifest 失败: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifestData, 0644); err != nil {
		return nil, fmt.Errorf("保存 manifest 失败: %w", err)
	}

	opts.Logger.Info("backup written",
		zap.String("archive", archivePath),
		zap.String("mode", opts.Mode),
		zap.Int("files", result.FilesWritten),
		zap.Int("db_rows", result.DBRows))
	return result, nil
}

// addSnapshot writes a consistent copy of the live database into the archive.
func addSnapshot(tw *tar.Writer, db *sql.DB, tmpDir string) (int64, error) {
	snap := filepath.Join(tmpDir, fmt.Sprintf(".snapshot-%d.db", time.Now().UnixNano()))
	defer os.Remove(snap)
	if _, err := db.Exec("VACUUM INTO ?", snap); err != nil {
		return 0, fmt.Errorf("数据库快照失败: %w", err)
	}
	n, err := addFileToTar(tw, snap, dbArchiveName)
	if err != nil {
		return 0, fmt.Errorf("添加数据库失败: %w", err)
	}
	return n, nil
}

func addOutput(tw *tar.Writer, opts Options, prev *Manifest, manifest *Manifest, result *Result) error {
	entries, err := os.ReadDir(opts.OutputDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取输出目录失败: %w", err)
	}
	seen := make(map[string]bool)
	if prev != nil {
		for _, d := range prev.OutputDirs {
			seen[d] = true
		}
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		manifest.OutputDirs = append(manifest.OutputDirs, name)
		if seen[name] {
			continue
		}
		dir := filepath.Join(opts.OutputDir, name)
		err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
			if err != nil || !fi.Mode().IsRegular() {
				return err
			}
			rel, err := filepath.Rel(opts.OutputDir, path)
			if err != nil {
				return err
			}
			n, err := addFileToTar(tw, path, outputPrefix+"/"+filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			result.BytesWritten += n
			result.FilesWritten++
			return nil
		})
		if err != nil {
			return fmt.Errorf("添加结果文件失败: %w", err)
		}
	}
	return nil
}

// generateDeltaSQL produces DELETE + INSERT OR REPLACE statements for every
// backup table.
func generateDeltaSQL(db *sql.DB, sinceTime string) ([]byte, map[string]int, error) {
	var buf strings.Builder
	rowCounts := make(map[string]int)

	buf.WriteString("-- mineruweb incremental backup delta\n")
	buf.WriteString(fmt.Sprintf("-- Since: %s\n\n", sinceTime))
	buf.WriteString("BEGIN TRANSACTION;\n\n")

	for _, table := range backupTables {
		cols, err := getColumns(db, table)
		if err != nil {
			continue
		}
		buf.WriteString(fmt.Sprintf("DELETE FROM %s;\n", table))
		rows, err := db.Query(fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table))
		if err != nil {
			return nil, nil, fmt.Errorf("查询表 %s 失败: %w", table, err)
		}
		count, err := writeInserts(&buf, table, cols, rows)
		rows.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("导出表 %s 失败: %w", table, err)
		}
		if count > 0 {
			rowCounts[table] = count
		}
		buf.WriteString("\n")
	}

	buf.WriteString("COMMIT;\n")
	return []byte(buf.String()), rowCounts, nil
}

func writeInserts(buf *strings.Builder, table string, cols []string, rows *sql.Rows) (int, error) {
	colList := strings.Join(cols, ", ")
	count := 0
	scanDest := make([]interface{}, len(cols))
	scanPtrs := make([]interface{}, len(cols))
	for i := range scanDest {
		scanPtrs[i] = &scanDest[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return count, err
		}
		vals := make([]string, len(cols))
		for i, v := range scanDest {
			vals[i] = sqlQuote(v)
		}
		buf.WriteString(fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s);\n",
			table, colList, strings.Join(vals, ", ")))
		count++
	}
	return count, rows.Err()
}

func sqlQuote(v interface{}) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%g", val)
	case []byte:
		return fmt.Sprintf("X'%x'", val)
	case string:
		if strings.ContainsAny(val, "\r\n") {
			// One statement per line; RestoreDelta validates line by line.
			return fmt.Sprintf("CAST(X'%x' AS TEXT)", val)
		}
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	default:
		s := fmt.Sprintf("%v", val)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}

func getColumns(db *sql.DB, table string) ([]string, error) {
	if !validBackupTables[table] {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("表 %s 不存在或无列", table)
	}
	return cols, nil
}

func countRows(db *sql.DB, table string) (int, error) {
	if !validBackupTables[table] {
		return 0, fmt.Errorf("invalid table name: %s", table)
	}
	var n int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

// RestoreResult summarises a restore.
type RestoreResult struct {
	Files     int
	DeltaPath string // set when the archive carried db_delta.sql
}

// Restore extracts a backup archive into targetDir. The database snapshot
// lands at targetDir/mineruweb.db and results under targetDir/output.
// db_delta.sql is extracted but not applied; see RestoreDelta.
func Restore(archivePath, targetDir string) (*RestoreResult, error) {
	if targetDir == "" {
		targetDir = "./data"
	}
	root, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("打开备份文件失败: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("解压失败: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	res := &RestoreResult{}
	var totalExtracted int64
	const maxTotalSize = 10 << 30
	const maxFileCount = 100000

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取归档失败: %w", err)
		}

		target := filepath.Join(root, filepath.FromSlash(header.Name))
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("非法路径: %s", header.Name)
		}
		if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
			return nil, fmt.Errorf("不允许的链接类型: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, fmt.Errorf("创建目录失败 %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, fmt.Errorf("创建目录失败: %w", err)
			}
			if header.Size > 2<<30 {
				return nil, fmt.Errorf("文件过大: %s (%d bytes)", header.Name, header.Size)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0755|0600)
			if err != nil {
				return nil, fmt.Errorf("创建文件失败 %s: %w", target, err)
			}
			if _, err := io.Copy(out, io.LimitReader(tr, header.Size+1)); err != nil {
				out.Close()
				return nil, fmt.Errorf("写入文件失败 %s: %w", target, err)
			}
			out.Close()
			totalExtracted += header.Size
			if totalExtracted > maxTotalSize {
				return nil, fmt.Errorf("总解压大小超过限制 (10GB)")
			}
			res.Files++
			if res.Files > maxFileCount {
				return nil, fmt.Errorf("文件数量超过限制 (%d)", maxFileCount)
			}
			if header.Name == deltaArchiveName {
				res.DeltaPath = target
			}
		}
	}
	return res, nil
}

// RestoreDelta applies an incremental SQL delta file to the database.
func RestoreDelta(db *sql.DB, deltaPath string) error {
	data, err := os.ReadFile(deltaPath)
	if err != nil {
		return fmt.Errorf("读取增量 SQL 失败: %w", err)
	}

	// Only data statements are accepted so a tampered archive cannot run DDL
	// or ATTACH.
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "INSERT "),
			strings.HasPrefix(upper, "DELETE "),
			upper == "BEGIN TRANSACTION;",
			upper == "COMMIT;":
		default:
			return fmt.Errorf("增量 SQL 包含不允许的语句类型: %s", truncateForLog(trimmed, 50))
		}
	}

	if _, err := db.Exec(content); err != nil {
		return fmt.Errorf("执行增量 SQL 失败: %w", err)
	}
	return nil
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// --- tar helpers ---

func addFileToTar(tw *tar.Writer, absPath, archiveName string) (int64, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return 0, err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = archiveName

	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(tw, f)
}

func addBytesToTar(tw *tar.Writer, data []byte, archiveName string) (int64, error) {
	header := &tar.Header{
		Name:    archiveName,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	n, err := tw.Write(data)
	return int64(n), err
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
