// Package router provides centralized route registration.
// All HTTP routes are registered here, grouped by area, and the whole mux is
// wrapped with the shared middleware chain.
package router

import (
	"fmt"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"mineruweb/internal/handler"
	"mineruweb/internal/middleware"
)

// gzipMinSize is the smallest response body that gets compressed.
const gzipMinSize = 1000

// Register registers all routes on mux and returns the root handler with
// recovery, request ids, access logging, security headers and gzip applied.
func Register(mux *http.ServeMux, app *handler.App, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// ── Pages and static assets ──
	mux.HandleFunc("/", handler.HandleIndex(app))
	mux.HandleFunc("/static/", handler.HandleStatic(app))
	mux.HandleFunc("/CHANGELOG.md", handler.HandleChangelog(app))

	// ── System ──
	mux.HandleFunc("/api/health", handler.HandleHealth(app))
	mux.HandleFunc("/api/version", handler.HandleVersion(app))
	mux.HandleFunc("/api/backend_options", handler.HandleBackendOptions(app))
	mux.HandleFunc("/api/file_list", handler.HandleFileList(app))
	mux.HandleFunc("/api/config", handler.HandleConfig(app))
	mux.HandleFunc("/api/logs/recent", handler.HandleLogsRecent(app))

	// ── Tasks and queue ──
	mux.HandleFunc("/api/tasks", handler.HandleTasks(app))
	mux.HandleFunc("/api/tasks/{id}", handler.HandleTaskByID(app))
	mux.HandleFunc("/api/tasks/{id}/{action}", handler.HandleTaskAction(app))
	mux.HandleFunc("/api/queue", handler.HandleQueue(app))
	mux.HandleFunc("/api/queue/{action}", handler.HandleQueueAction(app))

	// ── Synchronous conversion ──
	mux.HandleFunc("/file_parse", handler.HandleFileParse(app))
	mux.HandleFunc("/convert_to_pdf", handler.HandleConvertToPDF(app))

	// ── Output directory ──
	mux.HandleFunc("/list_output_files", handler.HandleListOutput(app))
	mux.HandleFunc("/delete_output_files", handler.HandleDeleteOutput(app))
	mux.HandleFunc("/download_file/{filename}", handler.HandleDownloadFile(app))
	mux.HandleFunc("/download_all", handler.HandleDownloadAll(app))
	mux.HandleFunc("/output/raw/{path...}", handler.HandleRawOutput(app))
	mux.HandleFunc("/output/find_pdf", handler.HandleFindPDF(app))

	chain := middleware.Chain(
		middleware.Recover(logger),
		middleware.RequestID(),
		middleware.AccessLog(logger),
		middleware.SecurityHeaders(),
	)
	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(gzipMinSize))
	if err != nil {
		return nil, fmt.Errorf("gzip wrapper: %w", err)
	}
	return gzip(chain(mux.ServeHTTP)), nil
}
