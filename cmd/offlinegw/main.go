package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"offlinegw/internal/logging"
	"offlinegw/internal/offlinegw"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", getenvDefault("OFFLINEGW_CONFIG", "/offlinegw.yaml"), "path to offlinegw.yaml")
	pflag.Parse()

	cfg, err := offlinegw.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, flush, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer flush()

	svc, err := offlinegw.NewService(cfg, logger)
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{
		serve(stop, logger, "proxy", cfg.Server.Port, svc.Handler()),
	}
	if cfg.Server.AdminPort > 0 {
		servers = append(servers, serve(stop, logger, "admin", cfg.Server.AdminPort, svc.AdminHandler()))
	}
	logger.Info("offlinegw started",
		zap.String("origin", cfg.Server.Origin),
		zap.String("static", cfg.StaticGeneration()),
		zap.String("dynamic", cfg.DynamicGeneration()))

	svc.Start(ctx)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn("close service", zap.Error(err))
	}
}

func serve(stop func(), logger *zap.Logger, name string, port int, h http.Handler) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("server", name), zap.String("addr", addr), zap.Error(err))
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("server", name), zap.String("addr", addr))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.String("server", name), zap.Error(err))
			stop()
		}
	}()
	return srv
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
