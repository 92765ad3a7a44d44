package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 后端类型
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config 应用程序配置结构
type Config struct {
	// HTTP服务配置（服务注册API、事件接收与运维接口共用）
	Server struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"server"`

	// Redis配置
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	// 注册中心配置
	Registry struct {
		Backend                string        `mapstructure:"backend"` // "memory" 或 "redis"
		TTL                    time.Duration `mapstructure:"ttl"`
		HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
		HealthCheckTimeout     time.Duration `mapstructure:"health_check_timeout"`
		MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	} `mapstructure:"registry"`

	// 本进程的服务发现客户端配置
	Client struct {
		ServiceName       string            `mapstructure:"service_name"`
		Host              string            `mapstructure:"host"`
		Port              int               `mapstructure:"port"`
		HealthCheckPath   string            `mapstructure:"health_check_path"`
		Weight            int               `mapstructure:"weight"`
		Metadata          map[string]string `mapstructure:"metadata"`
		HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
		AutoRegister      bool              `mapstructure:"auto_register"`
	} `mapstructure:"client"`

	// 事件总线配置
	Events struct {
		MaxRetries      int           `mapstructure:"max_retries"`
		RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
		DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
		EventTTL        time.Duration `mapstructure:"event_ttl"`
		StatusTTL       time.Duration `mapstructure:"status_ttl"`
		ProcessingLease time.Duration `mapstructure:"processing_lease"` // 处理中标记的有效期
		RecentLimit     int           `mapstructure:"recent_limit"`
		DeadLetterLimit int           `mapstructure:"dead_letter_limit"`
		DeadLetterTTL   time.Duration `mapstructure:"dead_letter_ttl"`
	} `mapstructure:"events"`

	// DNS服务配置
	DNS struct {
		Enabled       bool          `mapstructure:"enabled"`
		ListenAddress string        `mapstructure:"listen_address"`
		Port          int           `mapstructure:"port"`
		Protocol      string        `mapstructure:"protocol"` // udp, tcp 或 both
		Domain        string        `mapstructure:"domain"`
		TTL           int           `mapstructure:"ttl"`
		CacheTTL      time.Duration `mapstructure:"cache_ttl"` // 本地应答缓存时间，0表示不缓存
		Upstream      []string      `mapstructure:"upstream"`  // 非本域查询的上游DNS，为空时拒绝
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	// 可选的 .env 文件，不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取.env文件错误: %w", err)
	}

	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.service-coordination")
		v.AddConfigPath("/etc/service-coordination")
	}

	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值，其他错误返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("SVC_COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置的取值范围
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("不支持的注册中心后端: %q", c.Registry.Backend)
	}
	if c.Registry.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("registry.max_consecutive_failures 必须大于0")
	}
	if c.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries 不能为负数")
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8081)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.ttl", 60*time.Second)
	v.SetDefault("registry.health_check_interval", 30*time.Second)
	v.SetDefault("registry.health_check_timeout", 5*time.Second)
	v.SetDefault("registry.max_consecutive_failures", 3)

	v.SetDefault("client.service_name", "coordinator")
	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", 8081)
	v.SetDefault("client.health_check_path", "/health")
	v.SetDefault("client.weight", 1)
	v.SetDefault("client.heartbeat_interval", 30*time.Second)
	v.SetDefault("client.auto_register", true)

	v.SetDefault("events.max_retries", 3)
	v.SetDefault("events.retry_base_delay", 60*time.Second)
	v.SetDefault("events.delivery_timeout", 10*time.Second)
	v.SetDefault("events.event_ttl", 24*time.Hour)
	v.SetDefault("events.status_ttl", 24*time.Hour)
	v.SetDefault("events.processing_lease", 30*time.Second)
	v.SetDefault("events.recent_limit", 100)
	v.SetDefault("events.dead_letter_limit", 1000)
	v.SetDefault("events.dead_letter_ttl", 7*24*time.Hour)

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "udp")
	v.SetDefault("dns.domain", "service.local")
	v.SetDefault("dns.ttl", 30)
	v.SetDefault("dns.cache_ttl", 5*time.Second)
	v.SetDefault("dns.upstream", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("redis.addr", "SVC_COORD_REDIS_ADDR")
	v.BindEnv("registry.backend", "SVC_COORD_REGISTRY_BACKEND")
	v.BindEnv("server.port", "SVC_COORD_PORT")
	v.BindEnv("client.service_name", "SVC_COORD_SERVICE_NAME")
	v.BindEnv("client.host", "SVC_COORD_SERVICE_HOST")
	v.BindEnv("client.port", "SVC_COORD_SERVICE_PORT")
}
