package apihandler

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/pkg/api/handler"
)

// Handler 定义API服务接口
type Handler interface {
	// Start 监听端口并在后台提供服务
	Start() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	server *echo.Echo
	cfg    *config.Config
	logger config.Logger
}

// NewAPIHandler 创建API服务，挂好通用中间件；路由由调用方通过Echo()注册
func NewAPIHandler(cfg *config.Config, logger config.Logger, middlewares ...echo.MiddlewareFunc) *EchoHandler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("HTTP请求",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	// 添加CORS中间件
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	for _, m := range middlewares {
		e.Use(m)
	}

	return &EchoHandler{
		server: e,
		cfg:    cfg,
		logger: logger,
	}
}

// Echo 返回底层的Echo实例
func (h *EchoHandler) Echo() *echo.Echo {
	return h.server
}

// Addr 返回实际监听地址，未启动时为空
func (h *EchoHandler) Addr() string {
	if h.server.Listener == nil {
		return ""
	}
	return h.server.Listener.Addr().String()
}

// Start 启动API服务。端口绑定失败同步返回，之后的服务在后台运行。
func (h *EchoHandler) Start() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Server.ListenAddress, h.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	h.server.Listener = ln

	h.logger.Info("启动API服务", zap.String("address", ln.Addr().String()))

	// 启动服务（非阻塞）
	go func() {
		if err := h.server.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("API服务异常退出", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭API服务...")

	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("关闭API服务出错", zap.Error(err))
		return err
	}
	return nil
}
