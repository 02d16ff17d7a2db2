package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"runbox/internal/api"
	"runbox/internal/catalog"
	"runbox/internal/queue"
	"runbox/internal/sandbox"
	"runbox/internal/worker"
	"runbox/internal/workspace"
	"runbox/pkg/utils/logger"
)

const defaultConfigPath = "configs/runbox.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	languages, err := catalog.Default()
	if err != nil {
		logger.Error(context.Background(), "init language catalog failed", zap.Error(err))
		return
	}

	manager := workspace.NewManager(appCfg.Workspace.Dir)
	if err := manager.Ensure(); err != nil {
		logger.Error(context.Background(), "init workspace failed", zap.Error(err))
		return
	}

	redisCfg, queueCfg := appCfg.redisQueueConfig()
	jobQueue, err := queue.NewRedisQueue(redisCfg, queueCfg)
	if err != nil {
		logger.Error(context.Background(), "init job queue failed", zap.Error(err))
		return
	}
	defer func() {
		_ = jobQueue.Close()
	}()

	driver, err := sandbox.NewDriver(appCfg.sandboxConfig())
	if err != nil {
		logger.Error(context.Background(), "init sandbox driver failed", zap.Error(err))
		return
	}

	pool, err := worker.NewPool(worker.Config{
		Queue:         jobQueue,
		Catalog:       languages,
		Workspace:     manager,
		Sandbox:       driver,
		ContainerRoot: appCfg.Sandbox.ContainerRoot,
		Concurrency:   appCfg.Worker.Concurrency,
		DrainGrace:    appCfg.Worker.DrainGrace,
	})
	if err != nil {
		logger.Error(context.Background(), "init worker pool failed", zap.Error(err))
		return
	}
	pool.Start(context.Background())

	janitor := workspace.NewJanitor(manager, workspace.JanitorConfig{
		ArchiveDir:    appCfg.Workspace.ArchiveDir,
		RetainFor:     appCfg.Workspace.RetainFor,
		SweepInterval: appCfg.Workspace.SweepInterval,
	})
	janitor.Start(context.Background())

	httpServer := buildHTTPServer(appCfg, jobQueue, languages)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	pool.Close()
	janitor.Stop()
}

func buildHTTPServer(cfg *AppConfig, jobQueue queue.Queue, languages *catalog.Catalog) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	ctrl := api.NewController(jobQueue, languages, cfg.Submit.MaxCodeBytes)
	router := api.NewRouter(ctrl)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
