package breaker

import (
	"sync"
	"time"
)

// State 表示熔断器状态
type State string

const (
	// StateClosed 关闭状态，请求正常通过
	StateClosed State = "closed"
	// StateOpen 打开状态，请求被快速拒绝
	StateOpen State = "open"
	// StateHalfOpen 半开状态，允许单个探测请求
	StateHalfOpen State = "half_open"
)

// Config 表示熔断器配置
type Config struct {
	FailureThreshold int           // 连续失败多少次后打开
	SuccessThreshold int           // 半开状态连续成功多少次后关闭
	OpenTimeout      time.Duration // 打开状态持续多久后允许探测
}

// DefaultConfig 返回默认熔断器配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// normalize 补全零值配置项
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	return c
}

// Breaker 实现按依赖隔离故障的熔断器状态机。
// 同一个服务名的所有调用方共享同一个实例，所有方法并发安全。
type Breaker struct {
	mu sync.Mutex

	cfg              Config
	state            State
	failureCount     int
	successCount     int
	probeInFlight    bool
	lastTransitionAt time.Time

	// now 可在测试中替换以控制时间
	now func() time.Time
}

// New 创建一个新的熔断器
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.normalize(),
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow 判断是否允许发起一次调用。
// 打开状态下超时窗口结束后的第一次调用会把熔断器切换到半开状态，
// 该调用即为探测调用；半开状态同一时刻只放行一个探测。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastTransitionAt) < b.cfg.OpenTimeout {
			return false
		}
		// 超时窗口结束，切换到半开并放行探测调用
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess 记录一次成功的调用结果
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		// 成功会打断连续失败的计数
		b.failureCount = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure 记录一次失败的调用结果
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// 探测失败立即回到打开状态，重新计时
		b.probeInFlight = false
		b.transitionLocked(StateOpen)
	}
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionLocked 执行状态转换并重置计数器，调用方必须持有锁
func (b *Breaker) transitionLocked(to State) {
	b.state = to
	b.failureCount = 0
	b.successCount = 0
	b.lastTransitionAt = b.now()
}
