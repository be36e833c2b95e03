package router

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mineruweb/internal/config"
	"mineruweb/internal/engine"
	"mineruweb/internal/handler"
	"mineruweb/internal/task"
)

func newServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	cm, err := config.NewConfigManagerWithKey(filepath.Join(dir, "config.json"), bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	require.NoError(t, cm.Load())
	cm.Override(func(c *config.Config) {
		c.Storage.OutputDir = filepath.Join(dir, "output")
		c.Server.StaticDir = filepath.Join(dir, "static")
	})

	tm := task.NewManager(task.Deps{}, task.Settings{OutputDir: filepath.Join(dir, "output")})
	runner := engine.NewRunner(engine.StubEngine{}, filepath.Join(dir, "output"), 0, nil)
	app := handler.NewApp(cm, tm, nil, runner, nil)

	h, err := Register(http.NewServeMux(), app, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, dir
}

func TestRegisterServesAPIWithMiddleware(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(srv.URL + "/api/queue")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `"queue_status":"idle"`)

	resp, err = http.Get(srv.URL + "/api/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterGzipsLargeResponses(t *testing.T) {
	srv, dir := newServer(t)
	page := "<html><body>MinerU " + strings.Repeat("<p>页面内容</p>", 200) + "</body></html>"
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "static"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "static", "index.html"), []byte(page), 0644))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, page, string(data))
}
