package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/api"
	"github.com/mprestonsparks/dean-orchestration/internal/breaker"
	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/dnsdisc"
	"github.com/mprestonsparks/dean-orchestration/internal/registry"
	"github.com/mprestonsparks/dean-orchestration/internal/storage"
	etcdstore "github.com/mprestonsparks/dean-orchestration/internal/storage/etcd"
	"github.com/mprestonsparks/dean-orchestration/internal/trial"
	"github.com/mprestonsparks/dean-orchestration/internal/ws"
)

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLogger(appConfig.Log.Level, appConfig.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 打印启动信息
	logger.Info("DEAN Orchestration Service Starting...",
		zap.String("version", "0.1.0"),
		zap.Int("api_port", appConfig.Server.Port),
		zap.Bool("etcd_enabled", appConfig.Etcd.Enabled),
		zap.Bool("dns_enabled", appConfig.DNS.Enabled),
	)

	// 初始化持久化存储，未启用etcd时注册表以纯内存模式运行
	var store storage.RegistryStore
	if appConfig.Etcd.Enabled {
		etcdClient, err := etcdstore.NewClient(etcdstore.ClientConfig{
			Endpoints:   appConfig.Etcd.Endpoints,
			Username:    appConfig.Etcd.Username,
			Password:    appConfig.Etcd.Password,
			DialTimeout: appConfig.Etcd.DialTimeout,
			Timeout:     appConfig.Etcd.Timeout,
		})
		if err != nil {
			logger.Error("连接etcd失败", zap.Error(err))
			os.Exit(1)
		}
		defer etcdClient.Close()

		// 检查etcd连接状态
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := etcdClient.Ping(ctx); err != nil {
			cancel()
			logger.Error("etcd健康检查失败", zap.Error(err))
			os.Exit(1)
		}
		cancel()
		logger.Info("etcd连接成功并通过健康检查")

		store = etcdstore.NewStore(etcdClient)
	}

	// 初始化服务注册表
	reg := registry.New(logger, registry.Options{
		Store: store,
		BreakerConfig: breaker.Config{
			FailureThreshold: appConfig.Breaker.FailureThreshold,
			SuccessThreshold: appConfig.Breaker.SuccessThreshold,
			OpenTimeout:      appConfig.Breaker.OpenTimeout,
		},
		HTTPClient: http.DefaultClient,
	})

	// 从持久化存储恢复已注册的服务
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := reg.LoadFromStore(ctx); err != nil {
			logger.Warn("恢复服务注册信息失败", zap.Error(err))
		}
		cancel()
	}

	// 启动健康监控
	monitor := registry.NewHealthMonitor(reg, logger, registry.MonitorConfig{
		Interval:     appConfig.HealthMonitor.Interval,
		ProbeTimeout: appConfig.HealthMonitor.ProbeTimeout,
		MaxInFlight:  appConfig.HealthMonitor.MaxInFlight,
	}, http.DefaultClient)
	monitor.Start()
	defer monitor.Stop()

	// 初始化WebSocket广播中心
	hub := ws.NewHub(logger, appConfig.WebSocket.QueueSize)

	// 初始化试验协调器及其下游服务客户端
	coordinator := trial.NewCoordinator(
		logger,
		hub,
		trial.NewPopulationClient(reg),
		trial.NewLedgerClient(reg),
		trial.NewEngineClient(reg),
		trial.Config{
			MaxRetries:     appConfig.Trial.MaxRetries,
			RetryBase:      appConfig.Trial.RetryBase,
			MaxPauseWindow: appConfig.Trial.MaxPauseWindow,
		},
	)

	// 启动HTTP API服务
	server := api.NewServer(appConfig, logger, reg, coordinator, hub)
	server.Start()

	// 启动DNS发现服务（可选）
	if appConfig.DNS.Enabled {
		dnsServer := dnsdisc.NewServer(reg, appConfig, logger)
		dnsServer.Start()
		defer dnsServer.Stop()
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭HTTP服务失败", zap.Error(err))
	}

	// 取消进行中的试验并等待收尾
	for _, summary := range coordinator.ListTrials("", 0) {
		if _, err := coordinator.CancelTrial(summary.TrialID); err != nil {
			continue
		}
	}
	coordinator.Wait()
	logger.Info("服务已退出")
}
