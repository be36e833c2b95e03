package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const fallbackIndex = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MinerU PDF转换工具</title>
</head>
<body>
    <h1>MinerU PDF转换工具</h1>
    <p>静态文件未找到，请检查static/index.html文件是否存在。</p>
</body>
</html>
`

// NoDirListing wraps an http.Handler to prevent directory listing.
// Requests ending with "/" or with an empty path receive a 404 response.
func NoDirListing(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") || r.URL.Path == "" {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// HandleStatic serves /static/ from the configured static directory.
func HandleStatic(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir := app.Config().Server.StaticDir
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(dir)))
		w.Header().Set("Cache-Control", "public, max-age=300")
		NoDirListing(fs).ServeHTTP(w, r)
	}
}

// HandleIndex serves index.html for "/" and a built-in page when it is missing.
// Any other unmatched path is a 404; /api/ paths get a JSON body.
func HandleIndex(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				WriteError(w, http.StatusNotFound, "not found")
				return
			}
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		indexPath := filepath.Join(app.Config().Server.StaticDir, "index.html")
		data, err := os.ReadFile(indexPath)
		if err != nil {
			data = []byte(fallbackIndex)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

// HandleChangelog returns CHANGELOG.md as plain text.
func HandleChangelog(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		data, err := os.ReadFile(app.Config().Server.ChangelogPath)
		if err != nil {
			if os.IsNotExist(err) {
				WriteError(w, http.StatusNotFound, "CHANGELOG.md文件未找到")
				return
			}
			WriteError(w, http.StatusInternalServerError, "读取CHANGELOG失败: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

var versionRe = regexp.MustCompile(`(?m)^## \[(.*?)\]`)

// changelogVersion returns the first "## [x.y.z]" heading as "vx.y.z", or v0.0.0.
func changelogVersion(content string) string {
	if m := versionRe.FindStringSubmatch(content); m != nil && m[1] != "" {
		return "v" + m[1]
	}
	return "v0.0.0"
}

// HandleVersion reports the newest version listed in CHANGELOG.md.
func HandleVersion(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		data, _ := os.ReadFile(app.Config().Server.ChangelogPath)
		WriteJSON(w, http.StatusOK, map[string]string{"version": changelogVersion(string(data))})
	}
}
