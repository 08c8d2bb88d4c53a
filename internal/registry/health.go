package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

// MonitorConfig 表示健康监测配置
type MonitorConfig struct {
	Interval     time.Duration // 探测周期，默认30s
	ProbeTimeout time.Duration // 单次探测默认超时，服务可单独配置
	MaxInFlight  int           // 并发探测上限
}

// normalize 补全零值配置项
func (c MonitorConfig) normalize() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 10
	}
	return c
}

// HealthMonitor 周期性探测所有已注册服务的健康端点。
// 作为独立的后台任务运行，与所有试验任务并发，探测之间有界并发，
// 永远不会阻塞API请求处理。
type HealthMonitor struct {
	registry *Registry
	cfg      MonitorConfig
	client   HTTPDoer
	logger   config.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHealthMonitor 创建健康监测器
func NewHealthMonitor(registry *Registry, logger config.Logger, cfg MonitorConfig, client HTTPDoer) *HealthMonitor {
	if client == nil {
		client = &http.Client{}
	}
	return &HealthMonitor{
		registry: registry,
		cfg:      cfg.normalize(),
		client:   client,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动健康监测循环，在进程生命周期内持续运行
func (m *HealthMonitor) Start() {
	go func() {
		defer close(m.doneChan)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.logger.Info("健康监测已启动",
			zap.Duration("interval", m.cfg.Interval),
			zap.Int("max_in_flight", m.cfg.MaxInFlight),
		)

		for {
			select {
			case <-ticker.C:
				m.ProbeAll(context.Background())
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop 停止健康监测循环
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	<-m.doneChan
}

// ProbeAll 对所有已注册服务并发发起一轮健康探测，并发数有界
func (m *HealthMonitor) ProbeAll(ctx context.Context) {
	services := m.registry.List(ListFilter{})
	if len(services) == 0 {
		return
	}

	sem := make(chan struct{}, m.cfg.MaxInFlight)
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		sem <- struct{}{}
		go func(svc *model.ServiceRegistration) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probeOne(ctx, svc)
		}(svc)
	}
	wg.Wait()
}

// probeOne 探测单个服务并把结果回写注册中心。
// 响应体status为healthy/degraded时按其映射，其他任何成功响应、
// 超时或连接失败都视为不健康，并按真实调用失败上报熔断器。
func (m *HealthMonitor) probeOne(ctx context.Context, svc *model.ServiceRegistration) {
	timeout := svc.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = m.cfg.ProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := svc.HealthCheck.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, svc.HealthURL(), nil)
	if err != nil {
		m.registry.reportProbe(svc.Name, model.HealthUnhealthy, "构造探测请求失败: "+err.Error())
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.registry.reportProbe(svc.Name, model.HealthUnhealthy, "健康探测失败: "+err.Error())
		m.logger.Debug("健康探测失败", zap.String("name", svc.Name), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		m.registry.reportProbe(svc.Name, model.HealthUnhealthy, "读取探测响应失败: "+err.Error())
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.registry.reportProbe(svc.Name, model.HealthUnhealthy, "健康端点返回 HTTP "+resp.Status)
		return
	}

	var probe model.HealthProbeResponse
	if err := json.Unmarshal(body, &probe); err != nil {
		m.registry.reportProbe(svc.Name, model.HealthUnhealthy, "解析探测响应失败: "+err.Error())
		return
	}

	switch probe.Status {
	case "healthy":
		m.registry.reportProbe(svc.Name, model.HealthHealthy, "")
	case "degraded":
		m.registry.reportProbe(svc.Name, model.HealthDegraded, "")
	default:
		m.registry.reportProbe(svc.Name, model.HealthUnhealthy, "健康端点报告状态: "+probe.Status)
	}
}
