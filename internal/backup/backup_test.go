package backup

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mineruweb/internal/db"
)

func seed(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mineruweb.db")
	conn, err := db.InitDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec(`INSERT INTO tasks (id, filename, upload_time, status, error_message)
		VALUES ('t1', 'a.pdf', '2026-01-01T00:00:00Z', 'failed', 'line one
line two; with semicolon')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO file_list (position, task_id, data) VALUES (0, 't1', '{"name":"a.pdf"}')`)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "encryption.key"), []byte("k"), 0600))
	return conn, dir
}

func TestFullBackupAndRestore(t *testing.T) {
	conn, dir := seed(t)
	out := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(filepath.Join(out, "a_260101_000000", "auto"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "a_260101_000000", "auto", "a.md"), []byte("# a"), 0644))

	res, err := Run(conn, Options{
		DBPath:        filepath.Join(dir, "mineruweb.db"),
		ConfigPath:    filepath.Join(dir, "config.json"),
		OutputDir:     out,
		IncludeOutput: true,
		Dest:          filepath.Join(dir, "backups"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.DBRows)
	assert.FileExists(t, res.ArchivePath)
	assert.FileExists(t, res.ManifestPath)

	m, err := loadManifest(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, "full", m.Mode)
	assert.Equal(t, []string{"a_260101_000000"}, m.OutputDirs)
	assert.Equal(t, 1, m.DBRowCounts["tasks"])

	target := filepath.Join(t.TempDir(), "restore")
	rr, err := Restore(res.ArchivePath, target)
	require.NoError(t, err)
	assert.Empty(t, rr.DeltaPath)
	assert.FileExists(t, filepath.Join(target, "config.json"))
	assert.FileExists(t, filepath.Join(target, "encryption.key"))
	assert.FileExists(t, filepath.Join(target, "output", "a_260101_000000", "auto", "a.md"))

	restored, err := db.InitDB(filepath.Join(target, dbArchiveName))
	require.NoError(t, err)
	defer restored.Close()
	var name string
	require.NoError(t, restored.QueryRow("SELECT filename FROM tasks WHERE id = 't1'").Scan(&name))
	assert.Equal(t, "a.pdf", name)
}

func TestIncrementalBackupAppliesDelta(t *testing.T) {
	conn, dir := seed(t)
	out := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(filepath.Join(out, "old_1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "old_1", "x.md"), []byte("x"), 0644))

	full, err := Run(conn, Options{OutputDir: out, IncludeOutput: true, Dest: filepath.Join(dir, "b1")})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(out, "new_2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "new_2", "y.md"), []byte("y"), 0644))

	inc, err := Run(conn, Options{
		OutputDir: out, IncludeOutput: true, Dest: filepath.Join(dir, "b2"),
		Mode: "incremental", ManifestIn: full.ManifestPath,
	})
	require.NoError(t, err)

	target := t.TempDir()
	rr, err := Restore(inc.ArchivePath, target)
	require.NoError(t, err)
	require.NotEmpty(t, rr.DeltaPath)
	assert.FileExists(t, filepath.Join(target, "output", "new_2", "y.md"))
	assert.NoFileExists(t, filepath.Join(target, "output", "old_1", "x.md"))

	fresh, err := db.InitDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer fresh.Close()
	require.NoError(t, RestoreDelta(fresh, rr.DeltaPath))

	var msg string
	require.NoError(t, fresh.QueryRow("SELECT error_message FROM tasks WHERE id = 't1'").Scan(&msg))
	assert.Equal(t, "line one\nline two; with semicolon", msg)
	var n int
	require.NoError(t, fresh.QueryRow("SELECT COUNT(*) FROM file_list").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestIncrementalRequiresBase(t *testing.T) {
	_, err := Run(nil, Options{Mode: "incremental", Dest: t.TempDir()})
	assert.Error(t, err)
	_, err = Run(nil, Options{Mode: "weekly", Dest: t.TempDir()})
	assert.Error(t, err)
}

func TestRestoreDeltaRejectsDDL(t *testing.T) {
	conn, dir := seed(t)
	p := filepath.Join(dir, "bad.sql")
	require.NoError(t, os.WriteFile(p, []byte("DROP TABLE tasks;\n"), 0644))
	assert.Error(t, RestoreDelta(conn, p))
}
