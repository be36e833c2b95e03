package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"mineruweb/internal/engine"
	"mineruweb/internal/files"
	"mineruweb/internal/gpu"
	"mineruweb/internal/task"
)

// sniffLen is how many leading bytes are used for content detection.
const sniffLen = 3072

type rejectedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// parseOptions reads the per-upload parse settings from form fields, filling
// gaps from the engine configuration.
func (a *App) parseOptions(r *http.Request) engine.Options {
	cfg := a.Config().Engine
	opts := engine.DefaultOptions()
	if cfg.DefaultBackend != "" {
		opts.Backend = cfg.DefaultBackend
	}
	if cfg.DefaultLanguage != "" {
		opts.Language = cfg.DefaultLanguage
	}
	if b := formString(r, "backend", ""); engine.ValidBackend(b) {
		opts.Backend = b
	}
	switch m := formString(r, "parse_method", ""); m {
	case "auto", "ocr", "txt":
		opts.ParseMethod = m
	}
	opts.Language = formString(r, "lang_list", formString(r, "language", opts.Language))
	opts.FormulaEnable = formBool(r, "formula_enable", opts.FormulaEnable)
	opts.TableEnable = formBool(r, "table_enable", opts.TableEnable)
	opts.EndPageID = formInt(r, "end_page_id", opts.EndPageID)
	opts.ServerURL = formString(r, "server_url", "")
	return opts
}

// parseUpload applies the size limit and parses the multipart form. It writes
// the error response itself and returns false on failure.
func (a *App) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	cfg := a.Config()
	if cfg.Server.MaxUploadSizeMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(cfg.Server.MaxUploadSizeMB)<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("上传文件超过大小限制 (%dMB)", cfg.Server.MaxUploadSizeMB))
			return false
		}
		WriteError(w, http.StatusBadRequest, "无效的上传请求")
		return false
	}
	if cfg.Server.MinFreeDiskMB > 0 {
		dir := cfg.Storage.OutputDir
		os.MkdirAll(dir, 0755)
		if free, err := gpu.FreeDiskMB(dir); err == nil && free < int64(cfg.Server.MinFreeDiskMB) {
			a.logger.Warn("upload rejected, low disk space", zap.Int64("free_mb", free))
			WriteError(w, http.StatusInsufficientStorage, "磁盘空间不足")
			return false
		}
	}
	return true
}

// checkUpload validates the extension and the leading bytes of an upload.
func checkUpload(fh *multipart.FileHeader) error {
	if files.KindOfName(fh.Filename) == files.KindUnsupported {
		return fmt.Errorf("不支持的文件类型: %s", filepath.Ext(fh.Filename))
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("读取上传文件失败")
	}
	defer f.Close()
	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(f, head)
	if files.DetectKind(head[:n], fh.Filename) == files.KindUnsupported {
		return fmt.Errorf("文件内容与扩展名不符: %s", fh.Filename)
	}
	return nil
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// HandleTasks lists tasks (GET) or uploads files and queues one task per
// accepted file (POST multipart "files").
func HandleTasks(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			WriteJSON(w, http.StatusOK, app.tasks.All())
		case http.MethodPost:
			handleUpload(app, w, r)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func handleUpload(app *App, w http.ResponseWriter, r *http.Request) {
	if !app.parseUpload(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		WriteError(w, http.StatusBadRequest, "未上传文件")
		return
	}
	opts := app.parseOptions(r)

	created := []*task.Task{}
	rejected := []rejectedFile{}
	for _, fh := range headers {
		if err := checkUpload(fh); err != nil {
			rejected = append(rejected, rejectedFile{Filename: fh.Filename, Error: err.Error()})
			continue
		}
		t, err := app.tasks.Create(fh.Filename, fh.Size, "", opts)
		if err != nil {
			app.logger.Error("create task", zap.String("file", fh.Filename), zap.Error(err))
			rejected = append(rejected, rejectedFile{Filename: fh.Filename, Error: "创建任务失败"})
			continue
		}
		if err := saveUpload(fh, t.SourcePath); err != nil {
			app.logger.Error("save upload", zap.String("file", fh.Filename), zap.Error(err))
			app.tasks.Delete(t.ID)
			rejected = append(rejected, rejectedFile{Filename: fh.Filename, Error: "保存上传文件失败"})
			continue
		}
		if err := app.tasks.Enqueue(t.ID); err != nil {
			app.logger.Error("enqueue task", zap.String("task_id", t.ID), zap.Error(err))
		}
		if cur, err := app.tasks.Get(t.ID); err == nil {
			t = cur
		}
		created = append(created, t)
		app.logger.Info("upload accepted",
			zap.String("task_id", t.ID),
			zap.String("file", fh.Filename),
			zap.Int64("size", fh.Size))
	}

	status := http.StatusOK
	if len(created) == 0 {
		status = http.StatusBadRequest
	}
	WriteJSON(w, status, map[string]interface{}{
		"tasks":    created,
		"rejected": rejected,
	})
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		WriteError(w, http.StatusNotFound, "任务不存在")
	case errors.Is(err, task.ErrBusy):
		WriteError(w, http.StatusConflict, "任务正在处理中")
	case errors.Is(err, task.ErrInvalidState):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleTaskByID returns (GET) or deletes (DELETE, admin) one task.
func HandleTaskByID(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			t, err := app.tasks.Get(id)
			if err != nil {
				writeTaskError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, t)
		case http.MethodDelete:
			if !app.requireAdmin(w, r) {
				return
			}
			if err := app.tasks.Delete(id); err != nil {
				writeTaskError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleTaskAction serves /api/tasks/{id}/{action}: markdown, download and retry.
func HandleTaskAction(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch action := r.PathValue("action"); action {
		case "markdown":
			if r.Method != http.MethodGet {
				WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			taskMarkdown(app, w, id)
		case "download":
			if r.Method != http.MethodGet {
				WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			taskDownload(app, w, id)
		case "retry":
			if r.Method != http.MethodPost {
				WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := app.tasks.Retry(id); err != nil {
				writeTaskError(w, err)
				return
			}
			t, err := app.tasks.Get(id)
			if err != nil {
				writeTaskError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, t)
		default:
			WriteError(w, http.StatusNotFound, "not found")
		}
	}
}

func completedTask(app *App, w http.ResponseWriter, id string) (*task.Task, bool) {
	t, err := app.tasks.Get(id)
	if err != nil {
		writeTaskError(w, err)
		return nil, false
	}
	if t.Status != task.StatusCompleted || t.ResultPath == "" {
		WriteError(w, http.StatusConflict, "任务尚未完成")
		return nil, false
	}
	return t, true
}

func taskMarkdown(app *App, w http.ResponseWriter, id string) {
	t, ok := completedTask(app, w, id)
	if !ok {
		return
	}
	md, txt, err := files.LoadMarkdown(t.ResultPath)
	if err != nil {
		app.logger.Error("load markdown", zap.String("task_id", id), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "加载Markdown内容失败")
		return
	}
	html := ""
	if md != "" {
		if html, err = files.RenderHTML(md); err != nil {
			app.logger.Warn("render markdown", zap.String("task_id", id), zap.Error(err))
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"task_id":     t.ID,
		"filename":    t.Filename,
		"md_content":  md,
		"txt_content": txt,
		"html":        html,
	})
}

func taskDownload(app *App, w http.ResponseWriter, id string) {
	t, ok := completedTask(app, w, id)
	if !ok {
		return
	}
	dir := filepath.Dir(t.ResultPath)
	if rel, err := filepath.Rel(app.outputDir(), dir); err != nil || strings.HasPrefix(rel, "..") {
		dir = t.ResultPath
	}
	if _, err := os.Stat(dir); err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("未找到文件 %s 的处理结果", t.Filename))
		return
	}
	streamZipDir(app, w, dir, files.SafeStem(t.Filename)+".zip")
}

// HandleQueue returns the queue state.
func HandleQueue(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		WriteJSON(w, http.StatusOK, app.tasks.State())
	}
}

// HandleQueueAction starts, stops, pauses or resumes the queue (admin).
func HandleQueueAction(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !app.requireAdmin(w, r) {
			return
		}
		switch action := r.PathValue("action"); action {
		case "start":
			app.tasks.Start()
		case "stop":
			app.tasks.Stop()
		case "pause":
			app.tasks.Pause()
		case "resume":
			app.tasks.Resume()
		default:
			WriteError(w, http.StatusBadRequest, "未知操作: "+action)
			return
		}
		WriteJSON(w, http.StatusOK, app.tasks.State())
	}
}
