package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/apihandler"
	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/internal/events"
	"github.com/hewenyu/service-coordination/internal/registry"
	"github.com/hewenyu/service-coordination/pkg/api/handler"
	"github.com/hewenyu/service-coordination/pkg/api/router"
	"github.com/hewenyu/service-coordination/pkg/dns"
	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage"
	"github.com/hewenyu/service-coordination/pkg/storage/memory"
	"github.com/hewenyu/service-coordination/pkg/storage/redis"
	sdk "github.com/hewenyu/service-coordination/sdk/go"
)

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLoggerWithLevel(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("服务异常退出", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger config.Logger) error {
	logger.Info("Service Coordination Starting...",
		zap.String("version", handler.Version),
		zap.String("backend", cfg.Registry.Backend),
		zap.Int("api_port", cfg.Server.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储后端
	backend, store, closeStorage, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	// 注册中心
	reg := registry.New(backend, registry.Config{
		HealthCheckInterval:    cfg.Registry.HealthCheckInterval,
		HealthCheckTimeout:     cfg.Registry.HealthCheckTimeout,
		MaxConsecutiveFailures: cfg.Registry.MaxConsecutiveFailures,
	}, logger)
	reg.OnServiceHealthChanged(func(_ context.Context, e registry.Event) error {
		logger.Warn("服务健康状态变化",
			zap.String("service", e.Instance.ServiceName),
			zap.String("id", e.Instance.InstanceID),
			zap.String("from", string(e.OldStatus)),
			zap.String("to", string(e.NewStatus)))
		return nil
	})

	// 事件总线
	publisher := events.NewPublisher(store, events.NewHTTPTransport(reg, nil), events.PublisherConfig{
		SourceService:   cfg.Client.ServiceName,
		MaxRetries:      cfg.Events.MaxRetries,
		RetryBaseDelay:  cfg.Events.RetryBaseDelay,
		DeliveryTimeout: cfg.Events.DeliveryTimeout,
		EventTTL:        cfg.Events.EventTTL,
		RecentLimit:     cfg.Events.RecentLimit,
		DeadLetterLimit: cfg.Events.DeadLetterLimit,
		DeadLetterTTL:   cfg.Events.DeadLetterTTL,
		Routes:          events.DefaultRoutes(),
	}, logger)
	consumer := events.NewHandler(store, auditHandlers(cfg.Client.ServiceName, logger), logger,
		events.WithStatusTTL(cfg.Events.StatusTTL),
		events.WithProcessingLease(cfg.Events.ProcessingLease))

	// HTTP接口
	metrics := handler.NewMetricsHandler(reg, publisher)
	api := apihandler.NewAPIHandler(cfg, logger, metrics.Middleware())
	router.RegisterRoutes(api.Echo(),
		handler.NewServiceHandler(reg, logger),
		handler.NewHealthHandler(reg, store),
		metrics)
	router.RegisterEventRoutes(api.Echo(), handler.NewEventHandler(publisher, consumer, logger))
	if err := api.Start(); err != nil {
		return err
	}

	// DNS视图
	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer = dns.NewServer(cfg, reg, logger, dns.WithQueryObserver(metrics))
		if err := dnsServer.Start(); err != nil {
			return err
		}
		// 注册信息变化时清空DNS缓存
		flush := func(context.Context, registry.Event) error {
			dnsServer.FlushCache()
			return nil
		}
		reg.OnServiceRegistered(flush)
		reg.OnServiceDeregistered(flush)
		reg.OnServiceHealthChanged(flush)
	}

	// 自注册并启动健康检查
	client, err := sdk.NewClient(sdk.Config{
		ServiceName:       cfg.Client.ServiceName,
		Host:              cfg.Client.Host,
		Port:              cfg.Client.Port,
		HealthCheckPath:   cfg.Client.HealthCheckPath,
		Weight:            cfg.Client.Weight,
		Metadata:          cfg.Client.Metadata,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		AutoRegister:      cfg.Client.AutoRegister,
	}, reg, logger)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	logger.Info("服务已启动", zap.String("instance_id", client.GetServiceID()))

	// 等待信号以优雅关闭
	<-ctx.Done()
	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Stop(shutdownCtx); err != nil {
		logger.Error("停止客户端失败", zap.Error(err))
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭API服务失败", zap.Error(err))
	}
	if dnsServer != nil {
		if err := dnsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭DNS服务失败", zap.Error(err))
		}
	}
	if err := publisher.Close(); err != nil {
		logger.Error("关闭事件发布器失败", zap.Error(err))
	}

	logger.Info("服务已关闭")
	return nil
}

// newStorage 按配置创建注册后端和事件存储
func newStorage(ctx context.Context, cfg *config.Config, logger config.Logger) (storage.DiscoveryBackend, storage.Store, func(), error) {
	switch cfg.Registry.Backend {
	case config.BackendRedis:
		client, err := redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("已连接Redis", zap.String("addr", cfg.Redis.Addr))
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("关闭Redis连接失败", zap.Error(err))
			}
		}
		return redis.NewServiceStorage(client, cfg.Registry.TTL, logger), redis.NewStore(client), closeFn, nil
	default:
		logger.Warn("使用内存后端，注册信息只在本进程内可见")
		return memory.NewServiceStorage(memory.WithTTL(cfg.Registry.TTL)), memory.NewStore(), func() {}, nil
	}
}

// auditHandlers 为全部事件类型注册只记录日志的处理函数
func auditHandlers(serviceName string, logger config.Logger) map[model.EventType]events.HandlerFunc {
	table := make(map[model.EventType]events.HandlerFunc)
	for _, t := range model.EventTypes() {
		table[t] = func(_ context.Context, env *model.EventEnvelope) (any, error) {
			logger.Info("收到事件",
				zap.String("event_id", env.EventID),
				zap.String("event_type", string(env.EventType)),
				zap.String("source", env.SourceService))
			return map[string]string{"received_by": serviceName}, nil
		}
	}
	return table
}
