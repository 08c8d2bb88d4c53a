package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/apierr"
	"github.com/mprestonsparks/dean-orchestration/internal/breaker"
	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
	"github.com/mprestonsparks/dean-orchestration/internal/storage"
)

// HTTPDoer 抽象HTTP客户端，便于测试替换
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 表示注册中心的可选配置
type Options struct {
	// Store 持久化后端，可为nil（纯内存模式）
	Store storage.RegistryStore
	// BreakerConfig 每个服务的熔断器配置
	BreakerConfig breaker.Config
	// HTTPClient 外部调用使用的HTTP客户端
	HTTPClient HTTPDoer
	// DefaultCallTimeout 未配置时的外部调用超时
	DefaultCallTimeout time.Duration
}

// entry 表示注册中心内的一个服务条目，
// 条目级互斥锁保证注册信息与熔断器的细粒度并发安全
type entry struct {
	mu      sync.Mutex
	reg     *model.ServiceRegistration
	breaker *breaker.Breaker
}

// snapshot 返回注册信息的拷贝
func (e *entry) snapshot() *model.ServiceRegistration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Clone()
}

// Registry 是服务注册中心：维护服务目录，
// 为每个服务名持有一个共享的熔断器，并作为试验逻辑访问外部服务的唯一通道。
type Registry struct {
	mu       sync.RWMutex
	services map[string]*entry

	store      storage.RegistryStore
	breakerCfg breaker.Config
	httpClient HTTPDoer
	callTO     time.Duration
	logger     config.Logger
}

// New 创建一个新的注册中心
func New(logger config.Logger, opts Options) *Registry {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	callTO := opts.DefaultCallTimeout
	if callTO <= 0 {
		callTO = 30 * time.Second
	}

	return &Registry{
		services:   make(map[string]*entry),
		store:      opts.Store,
		breakerCfg: opts.BreakerConfig,
		httpClient: client,
		callTO:     callTO,
		logger:     logger,
	}
}

// LoadFromStore 从持久化后端恢复注册信息，在进程启动时调用一次。
// 恢复的服务状态重置为unknown，交给健康监测重新评估。
func (r *Registry) LoadFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	services, err := r.store.LoadServices(ctx)
	if err != nil {
		return fmt.Errorf("从持久化后端加载注册信息失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range services {
		svc.Status = model.HealthUnknown
		svc.LastHealthCheck = nil
		svc.LastError = ""
		r.services[svc.Name] = &entry{
			reg:     svc,
			breaker: breaker.New(r.breakerCfg),
		}
	}

	r.logger.Info("已从持久化后端恢复注册信息", zap.Int("count", len(services)))
	return nil
}

// Register 注册或更新一个服务（按名称upsert）。
// 持久化是尽力而为的：后端失败只记录日志，不影响内存注册。
func (r *Registry) Register(ctx context.Context, reg *model.ServiceRegistration) (*model.ServiceRegistration, error) {
	if reg.Name == "" {
		return nil, apierr.NewValidationError("服务名称不能为空")
	}
	if reg.Host == "" {
		return nil, apierr.NewValidationError("服务host不能为空")
	}
	if reg.Port <= 0 || reg.Port > 65535 {
		return nil, apierr.NewValidationError("无效的服务端口")
	}

	stored := reg.Clone()
	stored.Status = model.HealthUnknown
	stored.LastHealthCheck = nil
	stored.LastError = ""
	now := time.Now()
	stored.RegisteredAt = now
	stored.LastHeartbeat = now

	r.mu.Lock()
	existing, ok := r.services[stored.Name]
	if ok {
		// 已存在时替换注册信息，但保留共享的熔断器实例
		existing.mu.Lock()
		existing.reg = stored
		existing.mu.Unlock()
	} else {
		r.services[stored.Name] = &entry{
			reg:     stored,
			breaker: breaker.New(r.breakerCfg),
		}
	}
	r.mu.Unlock()

	// 尽力持久化
	r.persist(ctx, stored)

	r.logger.Info("服务注册成功",
		zap.String("name", stored.Name),
		zap.String("address", stored.Address()),
		zap.String("service_type", stored.Metadata.ServiceType),
	)

	return stored.Clone(), nil
}

// Deregister 注销一个服务，同时移除其熔断器
func (r *Registry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	_, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return apierr.NewNotFoundError("服务不存在: " + name)
	}
	delete(r.services, name)
	r.mu.Unlock()

	// 尽力从持久化后端删除
	if r.store != nil {
		if err := r.store.DeleteService(ctx, name); err != nil {
			r.logger.Warn("从持久化后端删除注册信息失败", zap.String("name", name), zap.Error(err))
		}
	}

	r.logger.Info("服务注销成功", zap.String("name", name))
	return nil
}

// Get 获取单个服务的注册信息
func (r *Registry) Get(name string) (*model.ServiceRegistration, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, apierr.NewNotFoundError("服务不存在: " + name)
	}
	return e.snapshot(), nil
}

// ListFilter 表示服务列表查询条件
type ListFilter struct {
	ServiceType string
	Capability  string
}

// List 按条件列出已注册的服务
func (r *Registry) List(filter ListFilter) []*model.ServiceRegistration {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.services))
	for _, e := range r.services {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]*model.ServiceRegistration, 0, len(entries))
	for _, e := range entries {
		snap := e.snapshot()
		if filter.ServiceType != "" && snap.Metadata.ServiceType != filter.ServiceType {
			continue
		}
		if filter.Capability != "" && !snap.Metadata.HasCapability(filter.Capability) {
			continue
		}
		result = append(result, snap)
	}
	return result
}

// Heartbeat 更新服务的最后心跳时间
func (r *Registry) Heartbeat(ctx context.Context, name string) (*model.ServiceRegistration, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, apierr.NewNotFoundError("服务不存在: " + name)
	}

	e.mu.Lock()
	e.reg.LastHeartbeat = time.Now()
	snap := e.reg.Clone()
	e.mu.Unlock()

	return snap, nil
}

// UpdateMetadata 合并更新服务的元数据，缺失字段保持不变
func (r *Registry) UpdateMetadata(ctx context.Context, name string, patch model.MetadataPatch) (*model.ServiceRegistration, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, apierr.NewNotFoundError("服务不存在: " + name)
	}

	e.mu.Lock()
	meta := &e.reg.Metadata
	if patch.ServiceType != nil {
		meta.ServiceType = *patch.ServiceType
	}
	if patch.Capabilities != nil {
		meta.Capabilities = append([]string(nil), patch.Capabilities...)
	}
	if patch.Dependencies != nil {
		meta.Dependencies = append([]string(nil), patch.Dependencies...)
	}
	if patch.Endpoints != nil {
		if meta.Endpoints == nil {
			meta.Endpoints = make(map[string]string)
		}
		for k, v := range patch.Endpoints {
			meta.Endpoints[k] = v
		}
	}
	if patch.Tags != nil {
		if meta.Tags == nil {
			meta.Tags = make(map[string]string)
		}
		for k, v := range patch.Tags {
			meta.Tags[k] = v
		}
	}
	snap := e.reg.Clone()
	e.mu.Unlock()

	// 元数据变更也尽力持久化
	r.persist(ctx, snap)

	return snap, nil
}

// CallRequest 表示一次经由注册中心路由的外部调用
type CallRequest struct {
	Method  string
	Path    string
	Body    interface{}   // 非nil时序列化为JSON请求体
	Timeout time.Duration // 为0时使用默认超时
}

// CallResponse 表示外部调用的响应
type CallResponse struct {
	StatusCode int
	Body       []byte
}

// Decode 将响应体解析到out
func (r *CallResponse) Decode(out interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// CallError 表示外部调用失败。
// Transient为true时（超时、连接错误、5xx）调用方可以重试；
// 4xx响应为永久性应用错误，不应重试。
type CallError struct {
	StatusCode int
	Transient  bool
	Message    string
}

// Error 实现error接口
func (e *CallError) Error() string {
	return e.Message
}

// IsTransient 判断err是否为可重试的外部调用失败
func IsTransient(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Transient
}

// Call 是试验逻辑访问外部服务的唯一通道。
// 先询问该服务的熔断器；熔断器拒绝时立即失败，不发起网络请求。
// 调用结束后根据结果更新熔断器：超时和5xx计为失败，4xx作为
// 永久性应用错误报告给调用方，对熔断器只计一次失败。
func (r *Registry) Call(ctx context.Context, name string, req CallRequest) (*CallResponse, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, apierr.NewNotFoundError("服务不存在: " + name)
	}

	snap := e.snapshot()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.callTO
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 先完成请求构造，序列化失败不是服务的问题，不触碰熔断器
	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://"+snap.Address()+req.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if !e.breaker.Allow() {
		return nil, apierr.NewServiceUnavailableError("服务熔断中: " + name)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		// 超时或连接失败
		e.breaker.RecordFailure()
		return nil, &CallError{
			Transient: true,
			Message:   fmt.Sprintf("调用服务失败 [%s %s%s]: %v", req.Method, name, req.Path, err),
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.breaker.RecordFailure()
		return nil, &CallError{
			Transient: true,
			Message:   fmt.Sprintf("读取服务响应失败 [%s]: %v", name, err),
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		e.breaker.RecordSuccess()
		return &CallResponse{StatusCode: resp.StatusCode, Body: data}, nil
	case resp.StatusCode >= 500:
		e.breaker.RecordFailure()
		return nil, &CallError{
			StatusCode: resp.StatusCode,
			Transient:  true,
			Message:    fmt.Sprintf("服务返回错误 [%s]: HTTP %d", name, resp.StatusCode),
		}
	default:
		// 4xx：永久性应用错误，对熔断器只计一次失败
		e.breaker.RecordFailure()
		return nil, &CallError{
			StatusCode: resp.StatusCode,
			Transient:  false,
			Message:    fmt.Sprintf("服务拒绝请求 [%s]: HTTP %d: %s", name, resp.StatusCode, string(data)),
		}
	}
}

// BreakerState 返回指定服务熔断器的当前状态
func (r *Registry) BreakerState(name string) (breaker.State, error) {
	e, ok := r.lookup(name)
	if !ok {
		return "", apierr.NewNotFoundError("服务不存在: " + name)
	}
	return e.breaker.State(), nil
}

// lookup 查找服务条目
func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[name]
	return e, ok
}

// persist 尽力把注册信息写入持久化后端，失败只记录日志
func (r *Registry) persist(ctx context.Context, reg *model.ServiceRegistration) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveService(ctx, reg); err != nil {
		r.logger.Warn("持久化注册信息失败，注册中心继续以内存状态运行",
			zap.String("name", reg.Name),
			zap.Error(err),
		)
	}
}

// reportProbe 由健康监测回写探测结果。
// 服务状态只会被健康监测和心跳更新，试验逻辑永远不直接改写。
func (r *Registry) reportProbe(name string, status model.HealthState, probeErr string) {
	e, ok := r.lookup(name)
	if !ok {
		return
	}

	e.mu.Lock()
	now := time.Now()
	e.reg.Status = status
	e.reg.LastHealthCheck = &now
	e.reg.LastError = probeErr
	e.mu.Unlock()

	// 不健康的探测结果等同于一次真实调用失败
	if status == model.HealthUnhealthy {
		e.breaker.RecordFailure()
	}
}
