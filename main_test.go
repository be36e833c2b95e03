package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mineruweb/internal/task"
)

func execute(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "", "version")
	assert.Equal(t, "mineruweb "+version+"\n", out)
}

func TestPasswdSetsAndClearsHash(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")

	out := execute(t, "s3cret\n", "--config", cfgPath, "passwd")
	assert.Contains(t, out, "管理员口令已更新")

	cm, err := loadConfig(cfgPath)
	require.NoError(t, err)
	assert.True(t, cm.CheckAdminToken("s3cret"))
	assert.False(t, cm.CheckAdminToken("wrong"))

	out = execute(t, "", "--config", cfgPath, "passwd", "")
	assert.Contains(t, out, "管理员口令已清除")
	cm, err = loadConfig(cfgPath)
	require.NoError(t, err)
	assert.True(t, cm.CheckAdminToken(""))
}

func TestPrintTasksFiltersByStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tasks := []*task.Task{
		{ID: "a", Filename: "a.pdf", Status: task.StatusCompleted, Progress: 100, UploadTime: now},
		{ID: "b", Filename: "b.png", Status: task.StatusFailed, UploadTime: now},
	}
	var buf bytes.Buffer
	printTasks(&buf, tasks, task.StatusFailed)
	out := buf.String()
	assert.Contains(t, out, "b.png")
	assert.NotContains(t, out, "a.pdf")
	assert.Contains(t, out, "共 1 个任务")
}
