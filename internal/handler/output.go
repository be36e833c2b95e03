package handler

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"mineruweb/internal/files"
)

// streamZipDir writes dir as a ZIP attachment. Headers are committed before
// the archive is built, so failures after that point are only logged.
func streamZipDir(app *App, w http.ResponseWriter, dir, name string) {
	w.Header().Set("Content-Type", "application/zip")
	setAttachment(w, name)
	w.WriteHeader(http.StatusOK)
	if err := files.ZipDir(dir, w, ""); err != nil {
		app.logger.Error("stream zip", zap.String("dir", dir), zap.Error(err))
	}
}

// HandleListOutput lists the top level of the output directory.
func HandleListOutput(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		entries, err := files.ListOutput(app.outputDir())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "读取输出目录失败: "+err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"files": entries})
	}
}

// HandleDeleteOutput removes the named top-level entries (admin).
// POST {"files": ["name", ...]}
func HandleDeleteOutput(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !app.requireAdmin(w, r) {
			return
		}
		names, ok, err := readFileNames(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !ok {
			WriteError(w, http.StatusBadRequest, "files必须是数组")
			return
		}
		deleted, err := files.DeleteOutput(app.outputDir(), names)
		if err != nil {
			if errors.Is(err, files.ErrForbiddenPath) {
				WriteError(w, http.StatusForbidden, "禁止的路径")
				return
			}
			app.logger.Error("delete output", zap.Strings("files", names), zap.Error(err))
			WriteError(w, http.StatusInternalServerError, "删除失败: "+err.Error())
			return
		}
		app.logger.Info("output deleted", zap.Strings("files", deleted))
		WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
	}
}

// HandleDownloadFile zips the newest result directory for an uploaded file name.
func HandleDownloadFile(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		filename := r.PathValue("filename")
		dir, err := files.LatestSuccessful(app.outputDir(), filename)
		if err != nil {
			if all := files.FindResultDirs(app.outputDir(), filename); len(all) > 0 {
				dir = all[0]
			} else {
				WriteError(w, http.StatusNotFound, fmt.Sprintf("未找到文件 %s 的处理结果", filename))
				return
			}
		}
		streamZipDir(app, w, dir, files.SafeStem(filename)+".zip")
	}
}

// HandleRawOutput serves a single file below the output directory. PDFs are
// shown inline for the preview pane.
func HandleRawOutput(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		path, err := files.ResolveRaw(app.outputDir(), r.PathValue("path"))
		switch {
		case errors.Is(err, files.ErrForbiddenPath):
			WriteError(w, http.StatusForbidden, "禁止的路径")
			return
		case errors.Is(err, fs.ErrNotExist):
			WriteError(w, http.StatusNotFound, "文件不存在")
			return
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			w.Header().Set("Content-Type", "application/pdf")
			w.Header().Set("Content-Disposition", "inline")
		}
		http.ServeFile(w, r, path)
	}
}

// HandleDownloadAll zips result directories. GET packs every successful
// result; POST {"files": [...]} packs the newest result of each named upload.
func HandleDownloadAll(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := app.outputDir()
		var dirs []string
		switch r.Method {
		case http.MethodGet:
			if _, err := os.Stat(out); err != nil {
				WriteError(w, http.StatusNotFound, "输出目录不存在")
				return
			}
			var err error
			if dirs, err = files.SuccessfulDirs(out); err != nil {
				WriteError(w, http.StatusInternalServerError, err.Error())
				return
			}
		case http.MethodPost:
			names, ok, err := readFileNames(r)
			if err != nil || !ok {
				WriteError(w, http.StatusBadRequest, "files必须是数组")
				return
			}
			if len(names) == 0 {
				WriteError(w, http.StatusBadRequest, "缺少待打包文件列表")
				return
			}
			for _, n := range names {
				key := strings.ReplaceAll(files.Stem(n), "-", "_")
				if dir, err := files.LatestContaining(out, key); err == nil {
					dirs = append(dirs, dir)
				} else {
					app.logger.Debug("no result to pack", zap.String("file", n))
				}
			}
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if len(dirs) == 0 {
			WriteError(w, http.StatusNotFound, "没有可下载的目录")
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		setAttachment(w, "all_results_"+app.now().Format("060102_150405")+".zip")
		w.WriteHeader(http.StatusOK)
		if err := files.ZipDirs(out, dirs, w); err != nil {
			app.logger.Error("stream zip", zap.Strings("dirs", dirs), zap.Error(err))
		}
	}
}

// HandleFindPDF locates a previewable PDF for a query such as an upload name.
func HandleFindPDF(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			WriteError(w, http.StatusBadRequest, "缺少查询参数q")
			return
		}
		path, err := files.FindPDF(app.outputDir(), q)
		if err != nil || path == "" {
			WriteError(w, http.StatusNotFound, "未找到匹配的PDF")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"path": path})
	}
}
