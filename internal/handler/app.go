// Package handler provides the App struct that binds the conversion services
// for the HTTP layer, plus the route handlers themselves.
package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"mineruweb/internal/config"
	"mineruweb/internal/engine"
	"mineruweb/internal/filelist"
	"mineruweb/internal/task"
)

// App is the API facade shared by all handlers.
type App struct {
	configManager *config.ConfigManager
	tasks         *task.Manager
	fileList      *filelist.Store
	runner        *engine.Runner
	logger        *zap.Logger
	now           func() time.Time
}

// NewApp creates a new App with all service dependencies injected.
func NewApp(
	cm *config.ConfigManager,
	tm *task.Manager,
	fl *filelist.Store,
	runner *engine.Runner,
	logger *zap.Logger,
) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		configManager: cm,
		tasks:         tm,
		fileList:      fl,
		runner:        runner,
		logger:        logger,
		now:           time.Now,
	}
}

// Config returns the current configuration.
func (a *App) Config() *config.Config {
	return a.configManager.Get()
}

func (a *App) outputDir() string {
	return a.Config().Storage.OutputDir
}

// requireAdmin checks the X-Admin-Token header against the configured admin
// password and writes 403 when it does not match. Without a configured
// password every request passes.
func (a *App) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if a.configManager.CheckAdminToken(r.Header.Get("X-Admin-Token")) {
		return true
	}
	WriteError(w, http.StatusForbidden, "需要管理员口令")
	return false
}
