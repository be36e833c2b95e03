package handler

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"mineruweb/internal/convert"
	"mineruweb/internal/engine"
	"mineruweb/internal/files"
)

// parsedFile is one /file_parse input after the engine ran.
type parsedFile struct {
	name  string // safe stem
	mdDir string // empty when the engine produced nothing
}

// HandleFileParse converts the uploaded files synchronously. With
// response_format_zip (default) the archive is streamed back; otherwise the
// first Markdown document is returned as JSON.
func HandleFileParse(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if app.runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "解析引擎未配置")
			return
		}
		if !app.parseUpload(w, r) {
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			WriteError(w, http.StatusBadRequest, "未上传文件")
			return
		}
		for _, fh := range headers {
			if files.KindOfName(fh.Filename) == files.KindUnsupported {
				WriteError(w, http.StatusBadRequest, "不支持的文件类型: "+filepath.Ext(fh.Filename))
				return
			}
		}

		opts := app.parseOptions(r)
		returnMD := formBool(r, "return_md", true)
		returnImages := formBool(r, "return_images", true)
		asZip := formBool(r, "response_format_zip", true)

		ctx := r.Context()
		if mins := app.Config().Engine.TimeoutMinutes; mins > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(mins)*time.Minute)
			defer cancel()
		}

		parsed := make([]parsedFile, 0, len(headers))
		for _, fh := range headers {
			p, err := app.parseOne(ctx, fh, opts)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "加载文件失败: "+err.Error())
				return
			}
			parsed = append(parsed, p)
		}

		method := engine.ParseMethod(opts)
		entries, err := app.resultEntries(parsed, opts.Backend, method, returnMD, returnImages)
		if err != nil {
			app.logger.Error("collect parse results", zap.Error(err))
			WriteError(w, http.StatusInternalServerError, "处理文件失败: "+err.Error())
			return
		}
		last := parsed[len(parsed)-1].name

		if asZip {
			w.Header().Set("Content-Type", "application/zip")
			setAttachment(w, last+".zip")
			if err := files.WriteZipEntries(w, entries); err != nil {
				app.logger.Error("write parse archive", zap.Error(err))
			}
			return
		}

		var buf bytes.Buffer
		if err := files.WriteZipEntries(&buf, entries); err != nil {
			WriteError(w, http.StatusInternalServerError, "处理文件失败: "+err.Error())
			return
		}
		archiveDir := app.outputDir()
		if parsed[0].mdDir != "" {
			archiveDir = filepath.Dir(parsed[0].mdDir)
		}
		archivePath := filepath.Join(archiveDir, parsed[0].name+".zip")
		if err := os.WriteFile(archivePath, buf.Bytes(), 0644); err != nil {
			app.logger.Warn("save parse archive", zap.String("path", archivePath), zap.Error(err))
			archivePath = ""
		}

		md, txt := "", ""
		for _, p := range parsed {
			if p.mdDir == "" {
				continue
			}
			if md, txt, err = files.LoadMarkdown(p.mdDir); err == nil && md != "" {
				break
			}
		}
		if md == "" {
			md = files.SampleMarkdown(parsed[0].name, opts.Backend, method, app.now())
			txt = md
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"md_content":       md,
			"txt_content":      txt,
			"archive_zip_path": archivePath,
			"new_pdf_path":     "",
			"file_name":        parsed[0].name,
		})
	}
}

// parseOne stores the upload in a temporary file and runs the engine on it.
// Engine failures are logged and reported as an empty result.
func (a *App) parseOne(ctx context.Context, fh *multipart.FileHeader, opts engine.Options) (parsedFile, error) {
	p := parsedFile{name: files.SafeStem(fh.Filename)}
	if err := checkUpload(fh); err != nil {
		return p, err
	}
	tmp, err := os.MkdirTemp("", "mineru-parse-*")
	if err != nil {
		return p, err
	}
	defer os.RemoveAll(tmp)

	src := filepath.Join(tmp, "temp_"+files.SanitizeFilename(filepath.Base(fh.Filename)))
	if err := saveUpload(fh, src); err != nil {
		return p, err
	}
	mdDir, err := a.runner.Parse(ctx, src, fh.Filename, opts)
	if err != nil {
		a.logger.Error("file parse failed", zap.String("file", fh.Filename), zap.Error(err))
		return p, nil
	}
	p.mdDir = mdDir
	return p, nil
}

// resultEntries lays out <name>/<name>.md and <name>/images/*.jpg for every
// parsed file, with placeholder Markdown for files without a result.
func (a *App) resultEntries(parsed []parsedFile, backend, method string, withMD, withImages bool) (map[string][]byte, error) {
	entries := map[string][]byte{}
	for _, p := range parsed {
		mdPath, ok := "", false
		if p.mdDir != "" {
			mdPath, ok = files.FindMarkdown(p.mdDir)
		}
		if !ok {
			entries[p.name+"/"+p.name+".md"] = []byte(files.SampleMarkdown(p.name, backend, method, a.now()))
			continue
		}
		if withMD {
			data, err := os.ReadFile(mdPath)
			if err != nil {
				return nil, err
			}
			entries[p.name+"/"+p.name+".md"] = data
		}
		if withImages {
			images, _ := filepath.Glob(filepath.Join(filepath.Dir(mdPath), "images", "*.jpg"))
			for _, img := range images {
				data, err := os.ReadFile(img)
				if err != nil {
					return nil, err
				}
				entries[p.name+"/images/"+filepath.Base(img)] = data
			}
		}
	}
	return entries, nil
}

// HandleConvertToPDF returns the uploaded file as a PDF. PDFs pass through,
// images become a one-page document.
func HandleConvertToPDF(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !app.parseUpload(w, r) {
			return
		}
		defer r.MultipartForm.RemoveAll()

		fh := firstFile(r.MultipartForm, "file", "files")
		if fh == nil {
			WriteError(w, http.StatusBadRequest, "未上传文件")
			return
		}
		if !convert.Supported(fh.Filename) {
			WriteError(w, http.StatusBadRequest, "不支持的文件类型: "+filepath.Ext(fh.Filename))
			return
		}

		tmp, err := os.MkdirTemp("", "mineru-topdf-*")
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "转换失败: "+err.Error())
			return
		}
		defer os.RemoveAll(tmp)

		src := filepath.Join(tmp, "temp_"+files.SanitizeFilename(filepath.Base(fh.Filename)))
		if err := saveUpload(fh, src); err != nil {
			WriteError(w, http.StatusInternalServerError, "转换失败: "+err.Error())
			return
		}
		name := fh.Filename
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			name = files.Stem(name) + ".pdf"
		}
		dst := filepath.Join(tmp, "out.pdf")
		if err := convert.ToPDF(src, dst); err != nil {
			app.logger.Warn("convert to pdf", zap.String("file", fh.Filename), zap.Error(err))
			WriteError(w, http.StatusInternalServerError, fmt.Sprintf("转换失败: %v", err))
			return
		}
		data, err := os.ReadFile(dst)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "转换失败: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		setAttachment(w, name)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func firstFile(form *multipart.Form, keys ...string) *multipart.FileHeader {
	for _, k := range keys {
		if fhs := form.File[k]; len(fhs) > 0 {
			return fhs[0]
		}
	}
	return nil
}
