package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mineruweb/internal/config"
	"mineruweb/internal/db"
	"mineruweb/internal/engine"
	"mineruweb/internal/errlog"
	"mineruweb/internal/filelist"
	"mineruweb/internal/gpu"
	"mineruweb/internal/handler"
	"mineruweb/internal/logging"
	"mineruweb/internal/retention"
	"mineruweb/internal/router"
	"mineruweb/internal/task"
)

// serveFlags are command line overrides. They apply on top of the config
// file and are never saved.
type serveFlags struct {
	host               string
	port               int
	enableSglangEngine bool
	maxConvertPages    int
	outputDir          string
	engine             string
}

func newServeCmd(configPath *string) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务（默认命令）",
		Args:  cobra.NoArgs,
	}
	fs := cmd.Flags()
	fs.StringVar(&f.host, "host", "", "监听地址 (默认取配置 server.host)")
	fs.IntVar(&f.port, "port", 0, "监听端口 (默认取配置 server.port)")
	fs.BoolVar(&f.enableSglangEngine, "enable-sglang-engine", false, "启用本地 SgLang 引擎，仅提供 pipeline 与 vlm-sglang-engine 后端")
	fs.IntVar(&f.maxConvertPages, "max-convert-pages", 0, "单个文件最多转换的页数")
	fs.StringVar(&f.outputDir, "output-dir", "", "转换结果目录")
	fs.StringVar(&f.engine, "engine", "", "解析引擎: auto, cli, api, local, stub")

	cmd.RunE = func(c *cobra.Command, args []string) error {
		changed := func(name string) bool {
			fl := fs.Lookup(name)
			return fl != nil && fl.Changed
		}
		override := func(cfg *config.Config) {
			if changed("host") {
				cfg.Server.Host = f.host
			}
			if changed("port") {
				cfg.Server.Port = f.port
			}
			if changed("enable-sglang-engine") {
				cfg.Engine.SglangEngineEnable = f.enableSglangEngine
			}
			if changed("max-convert-pages") {
				cfg.Engine.MaxConvertPages = f.maxConvertPages
			}
			if changed("output-dir") {
				cfg.Storage.OutputDir = f.outputDir
			}
			if changed("engine") {
				cfg.Engine.Mode = f.engine
			}
		}
		return runServe(c.Context(), *configPath, override)
	}
	return cmd
}

// loadConfig creates the config directory and loads (or initialises) the file.
func loadConfig(path string) (*config.ConfigManager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	cm, err := config.NewConfigManager(path)
	if err != nil {
		return nil, err
	}
	if err := cm.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cm, nil
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	return database, nil
}

func selectEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.Engine, error) {
	return engine.Select(ctx, engine.SelectConfig{
		Mode:       cfg.Engine.Mode,
		BinaryPath: cfg.Engine.BinaryPath,
		APIURL:     cfg.Engine.APIURL,
		APIKey:     cfg.Engine.APIKey,
	}, logger)
}

func runServe(ctx context.Context, configPath string, override func(*config.Config)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config
	cm, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cm.Override(override)
	cfg := cm.Get()

	// 2. Logger
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		ErrorDir:   cfg.Log.Dir,
		RotationMB: cfg.Log.RotationMB,
	})
	if err != nil {
		return err
	}
	defer logging.Close(logger)

	// 3. Database
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := os.MkdirAll(cfg.Storage.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	// 4. Engine and services
	eng, err := selectEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("parsing engine selected", zap.String("engine", eng.Name()))
	runner := engine.NewRunner(eng, cfg.Storage.OutputDir, cfg.Engine.MaxConvertPages, logger)
	fileList := filelist.NewStore(database)
	guard := gpu.NewGuard(cfg.GPU.NvidiaSMIPath, cfg.GPU.RequiredFreeMB, logger)

	tm := task.NewManager(task.Deps{
		Store:    task.NewSQLStore(database),
		FileList: fileList,
		Parser:   runner,
		Guard:    guard,
		Logger:   logger,
	}, task.Settings{
		UploadDir:           filepath.Join(cfg.Storage.DataDir, "uploads"),
		OutputDir:           cfg.Storage.OutputDir,
		PollInterval:        time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		ProgressTick:        time.Duration(cfg.Queue.ProgressTickSeconds) * time.Second,
		ProgressStep:        cfg.Queue.ProgressStep,
		SimulateWhenMissing: cfg.Queue.SimulateWhenMissing,
		ParseTimeout:        time.Duration(cfg.Engine.TimeoutMinutes) * time.Minute,
	})
	if err := tm.Load(cfg.Queue.AutoStart); err != nil {
		return err
	}

	// 5. Retention
	sweeper := retention.New(tm, cfg.Storage.OutputDir, time.Duration(cfg.Retention.MaxAgeHours)*time.Hour, logger)
	if err := sweeper.Start(cfg.Retention.Schedule); err != nil {
		logger.Warn("retention not scheduled", zap.Error(err))
	}

	// 6. Config hot reload
	go func() {
		mode := cfg.Engine.Mode
		err := cm.Watch(ctx, func(next *config.Config) {
			errlog.SetRotationSizeMB(next.Log.RotationMB)
			if next.Engine.Mode == mode {
				return
			}
			e, err := selectEngine(ctx, next, logger)
			if err != nil {
				logger.Warn("engine reload failed", zap.Error(err))
				return
			}
			mode = next.Engine.Mode
			runner.SetEngine(e)
			logger.Info("parsing engine switched", zap.String("engine", e.Name()))
		})
		if err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	// 7. HTTP
	app := handler.NewApp(cm, tm, fileList, runner, logger)
	root, err := router.Register(http.NewServeMux(), app, logger)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("MinerU web service starting", zap.String("addr", "http://"+addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("retention shutdown", zap.Error(err))
	}
	if err := tm.Shutdown(shutdownCtx); err != nil {
		logger.Warn("task worker shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
