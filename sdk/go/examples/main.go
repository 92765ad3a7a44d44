package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/storage/redis"
	sdk "github.com/hewenyu/service-coordination/sdk/go"
)

func main() {
	logger, err := config.NewLogger(true)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 与其他服务共享同一个Redis注册中心
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb, err := redis.NewClient(ctx, redis.Options{Addr: addr})
	if err != nil {
		logger.Fatal("连接Redis失败", zap.Error(err))
	}
	defer rdb.Close()
	reg := registry.New(redis.NewServiceStorage(rdb, 90*time.Second, logger), registry.DefaultConfig(), logger)

	// 业务接口和健康检查
	e := echo.New()
	e.HideBanner = true
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/hello", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"message": "hello"})
	})
	go func() {
		if err := e.Start(":8000"); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP服务异常", zap.Error(err))
		}
	}()

	cfg := sdk.DefaultConfig()
	cfg.ServiceName = "example-service"
	cfg.Host = "127.0.0.1"
	cfg.Port = 8000
	cfg.Metadata = map[string]string{"version": "1.0.0"}

	client, err := sdk.NewClient(cfg, reg, logger)
	if err != nil {
		logger.Fatal("创建SDK客户端失败", zap.Error(err))
	}
	if err := client.Start(ctx); err != nil {
		logger.Fatal("服务注册失败", zap.Error(err))
	}
	logger.Info("服务注册成功", zap.String("instance_id", client.GetServiceID()))

	// 通过注册中心调用其他服务
	res := client.CallService(ctx, "user-service", "/api/users/1", sdk.WithStrategy(registry.StrategyLeastConnections))
	if res == nil {
		logger.Warn("user-service 不可用")
	} else {
		logger.Info("调用user-service完成", zap.Int("status", res.StatusCode), zap.String("instance", res.Instance.InstanceID))
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Stop(shutdownCtx); err != nil {
		logger.Error("关闭SDK客户端失败", zap.Error(err))
	}
	_ = e.Shutdown(shutdownCtx)
}
