package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"mineruweb/internal/engine"
	"mineruweb/internal/errlog"
	"mineruweb/internal/filelist"
)

// HandleHealth reports liveness and the active engine.
func HandleHealth(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		name := "none"
		if app.runner != nil {
			if e := app.runner.Engine(); e != nil {
				name = e.Name()
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "engine": name})
	}
}

// HandleBackendOptions lists the selectable MinerU backends.
func HandleBackendOptions(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		opts, def := engine.BackendOptions(app.Config().Engine.SglangEngineEnable)
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"backend_options": opts,
			"default_backend": def,
		})
	}
}

// HandleFileList reads (GET) or replaces (POST {"files": [...]}) the shared
// file list.
func HandleFileList(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			entries, err := app.fileList.Load()
			if err != nil {
				app.logger.Error("load file list", zap.Error(err))
				WriteError(w, http.StatusInternalServerError, "获取文件列表失败: "+err.Error())
				return
			}
			WriteJSON(w, http.StatusOK, entries)
		case http.MethodPost:
			var req struct {
				Files json.RawMessage `json:"files"`
			}
			if err := ReadJSONBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			entries := []filelist.Entry{}
			if len(req.Files) > 0 && string(req.Files) != "null" {
				if err := json.Unmarshal(req.Files, &entries); err != nil {
					WriteError(w, http.StatusBadRequest, "files必须是数组")
					return
				}
			}
			if err := app.fileList.Save(entries); err != nil {
				app.logger.Error("save file list", zap.Error(err))
				WriteError(w, http.StatusInternalServerError, "保存文件列表失败: "+err.Error())
				return
			}
			WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleConfig returns (GET) or updates (PUT, dotted keys) the configuration.
// Secrets are masked in responses.
func HandleConfig(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !app.requireAdmin(w, r) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			cfg := app.Config()
			if cfg.Engine.APIKey != "" {
				cfg.Engine.APIKey = "***"
			}
			if cfg.Admin.PasswordHash != "" {
				cfg.Admin.PasswordHash = "***"
			}
			WriteJSON(w, http.StatusOK, cfg)
		case http.MethodPut:
			var updates map[string]interface{}
			if err := ReadJSONBody(r, &updates); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if _, ok := updates["admin.password_hash"]; ok {
				WriteError(w, http.StatusBadRequest, "请使用 passwd 命令修改管理员口令")
				return
			}
			if err := app.configManager.Update(updates); err != nil {
				app.logger.Warn("config update rejected", zap.Error(err))
				WriteError(w, http.StatusBadRequest, "更新配置失败: "+err.Error())
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleLogsRecent returns the most recent error log lines.
// GET /api/logs/recent?lines=50
func HandleLogsRecent(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !app.requireAdmin(w, r) {
			return
		}
		n := 50
		if v := r.URL.Query().Get("lines"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed >= 1 {
				n = parsed
			}
			if n > 500 {
				n = 500
			}
		}
		lines, err := errlog.RecentLines(n)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "读取日志失败: "+err.Error())
			return
		}
		if lines == nil {
			lines = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"lines":       lines,
			"rotation_mb": errlog.GetRotationSizeMB(),
		})
	}
}
