package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 编排服务HTTP配置
	Server struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"server"`

	// etcd配置（注册中心的持久化后端，可选）
	Etcd struct {
		Enabled     bool          `mapstructure:"enabled"`
		Endpoints   []string      `mapstructure:"endpoints"`
		Username    string        `mapstructure:"username"`
		Password    string        `mapstructure:"password"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"etcd"`

	// 健康监测配置
	HealthMonitor struct {
		Interval     time.Duration `mapstructure:"interval"`
		ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
		MaxInFlight  int           `mapstructure:"max_in_flight"`
	} `mapstructure:"health_monitor"`

	// 熔断器配置
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		SuccessThreshold int           `mapstructure:"success_threshold"`
		OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	} `mapstructure:"breaker"`

	// 试验协调器配置
	Trial struct {
		MaxRetries     int           `mapstructure:"max_retries"`
		RetryBase      time.Duration `mapstructure:"retry_base"`
		MaxPauseWindow time.Duration `mapstructure:"max_pause_window"`
	} `mapstructure:"trial"`

	// WebSocket广播配置
	WebSocket struct {
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"websocket"`

	// DNS发现服务配置（可选）
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Domain        string `mapstructure:"domain"`
		TTL           uint32 `mapstructure:"ttl"`
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")    // 配置文件名（无扩展名）
		v.AddConfigPath(".")         // 当前目录
		v.AddConfigPath("./configs") // configs目录
		v.AddConfigPath("/etc/dean") // 系统目录
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("DEAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 从环境变量覆盖
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// HTTP服务默认配置
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8082)

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.timeout", 3*time.Second)

	// 健康监测默认配置
	v.SetDefault("health_monitor.interval", 30*time.Second)
	v.SetDefault("health_monitor.probe_timeout", 5*time.Second)
	v.SetDefault("health_monitor.max_in_flight", 10)

	// 熔断器默认配置
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout", 60*time.Second)

	// 试验协调器默认配置
	v.SetDefault("trial.max_retries", 3)
	v.SetDefault("trial.retry_base", time.Second)
	v.SetDefault("trial.max_pause_window", 5*time.Minute)

	// WebSocket默认配置
	v.SetDefault("websocket.queue_size", 16)

	// DNS发现默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8053)
	v.SetDefault("dns.domain", "dean.local.")
	v.SetDefault("dns.ttl", 30)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("server.port", "DEAN_SERVER_PORT")
	v.BindEnv("etcd.enabled", "DEAN_ETCD_ENABLED")
	v.BindEnv("etcd.endpoints", "DEAN_ETCD_ENDPOINTS")
	v.BindEnv("health_monitor.interval", "DEAN_HEALTH_MONITOR_INTERVAL")
	v.BindEnv("dns.port", "DEAN_DNS_PORT")
}
