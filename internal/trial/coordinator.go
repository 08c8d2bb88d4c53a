package trial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/apierr"
	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
	"github.com/mprestonsparks/dean-orchestration/internal/registry"
	"github.com/mprestonsparks/dean-orchestration/internal/ws"
)

// errCancelled 表示试验在等待外部服务期间观察到了取消请求
var errCancelled = errors.New("试验已请求取消")

// Config 表示试验协调器配置
type Config struct {
	MaxRetries     int           // 单次外部调用的最大尝试次数
	RetryBase      time.Duration // 指数退避的基础间隔
	MaxPauseWindow time.Duration // 熔断等待的累计上限
	PauseTick      time.Duration // 熔断等待的重试节拍
}

// normalize 补全零值配置项
func (c Config) normalize() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.MaxPauseWindow <= 0 {
		c.MaxPauseWindow = 5 * time.Minute
	}
	if c.PauseTick <= 0 {
		c.PauseTick = 15 * time.Second
	}
	return c
}

// trialState 表示一个试验的运行时状态。
// trial字段只由试验自己的协调协程改写；取消标志由API侧置位、
// 由代际循环在每代边界读取。
type trialState struct {
	mu              sync.Mutex
	trial           *model.EvolutionTrial
	cancelRequested atomic.Bool
}

// snapshot 返回试验状态的拷贝
func (ts *trialState) snapshot() *model.EvolutionTrial {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.trial.Clone()
}

// Coordinator 驱动进化试验状态机。
// 每个试验是一个独立的并发任务；试验内部严格按代串行。
// 所有外部调用都经过注册中心，因此天然继承熔断保护。
type Coordinator struct {
	mu     sync.RWMutex
	trials map[string]*trialState

	hub        *ws.Hub
	population PopulationService
	ledger     TokenLedger
	engine     WorkflowEngine
	cfg        Config
	logger     config.Logger

	// sleep和randFloat可在测试中替换，消除真实等待和随机性
	sleep     func(d time.Duration)
	randFloat func() float64

	wg sync.WaitGroup
}

// NewCoordinator 创建试验协调器
func NewCoordinator(logger config.Logger, hub *ws.Hub, population PopulationService, ledger TokenLedger, engine WorkflowEngine, cfg Config) *Coordinator {
	return &Coordinator{
		trials:     make(map[string]*trialState),
		hub:        hub,
		population: population,
		ledger:     ledger,
		engine:     engine,
		cfg:        cfg.normalize(),
		logger:     logger,
		sleep:      time.Sleep,
		randFloat:  rand.Float64,
	}
}

// validateParams 校验试验参数范围
func validateParams(req *model.StartTrialRequest) error {
	if req.PopulationSize < 1 || req.PopulationSize > 100 {
		return apierr.NewValidationError("population_size必须在[1,100]范围内")
	}
	if req.Generations < 1 || req.Generations > 1000 {
		return apierr.NewValidationError("generations必须在[1,1000]范围内")
	}
	if req.TokenBudget <= 0 {
		return apierr.NewValidationError("token_budget必须大于0")
	}
	if req.DiversityThreshold < 0.1 || req.DiversityThreshold > 1.0 {
		return apierr.NewValidationError("diversity_threshold必须在[0.1,1.0]范围内")
	}
	return nil
}

// StartTrial 启动一个新的进化试验。
// 参数校验和全局预算检查都在创建任何试验记录之前完成；
// 通过后创建pending状态的记录并启动独立的协调协程。
func (c *Coordinator) StartTrial(ctx context.Context, req *model.StartTrialRequest) (*model.StartTrialResponse, error) {
	if err := validateParams(req); err != nil {
		return nil, err
	}

	if err := c.ledger.CheckBudget(ctx, req.TokenBudget); err != nil {
		return nil, err
	}

	trialID := uuid.New().String()
	now := time.Now()
	trial := &model.EvolutionTrial{
		TrialID: trialID,
		Status:  model.TrialPending,
		Parameters: model.TrialParameters{
			PopulationSize:     req.PopulationSize,
			Generations:        req.Generations,
			TokenBudget:        req.TokenBudget,
			DiversityThreshold: req.DiversityThreshold,
		},
		Progress: model.TrialProgress{
			TotalGenerations: req.Generations,
		},
		ResourceUsage: model.TrialResourceUsage{
			TokensBudget:    req.TokenBudget,
			TokensRemaining: req.TokenBudget,
		},
		Timing: model.TrialTiming{
			StartedAt: now,
		},
		GenerationMetrics: []model.GenerationMetric{},
	}

	ts := &trialState{trial: trial}
	c.mu.Lock()
	c.trials[trialID] = ts
	c.mu.Unlock()

	c.logger.Info("试验已创建",
		zap.String("trial_id", trialID),
		zap.Int("population_size", req.PopulationSize),
		zap.Int("generations", req.Generations),
		zap.Int64("token_budget", req.TokenBudget),
	)

	c.wg.Add(1)
	go c.run(ts)

	return &model.StartTrialResponse{
		TrialID:      trialID,
		Status:       model.TrialPending,
		WebSocketURL: "/ws/evolution/" + trialID,
	}, nil
}

// GetTrial 返回试验的完整快照
func (c *Coordinator) GetTrial(trialID string) (*model.EvolutionTrial, error) {
	ts, ok := c.lookup(trialID)
	if !ok {
		return nil, apierr.NewNotFoundError("试验不存在: " + trialID)
	}
	return ts.snapshot(), nil
}

// ListTrials 按状态过滤列出试验摘要，按启动时间倒序
func (c *Coordinator) ListTrials(status model.TrialStatus, limit int) []*model.TrialSummary {
	c.mu.RLock()
	states := make([]*trialState, 0, len(c.trials))
	for _, ts := range c.trials {
		states = append(states, ts)
	}
	c.mu.RUnlock()

	summaries := make([]*model.TrialSummary, 0, len(states))
	for _, ts := range states {
		snap := ts.snapshot()
		if status != "" && snap.Status != status {
			continue
		}
		summaries = append(summaries, snap.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})

	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries
}

// CancelTrial 请求取消试验。
// 只置位取消标志并立即返回；状态由代际循环在下一个代边界改写。
// 对终态试验的取消请求返回Conflict。
func (c *Coordinator) CancelTrial(trialID string) (*model.CancelTrialResponse, error) {
	ts, ok := c.lookup(trialID)
	if !ok {
		return nil, apierr.NewNotFoundError("试验不存在: " + trialID)
	}

	ts.mu.Lock()
	status := ts.trial.Status
	ts.mu.Unlock()

	if status.IsTerminal() {
		return nil, apierr.NewConflictError(fmt.Sprintf("试验已处于终态 %s，无法取消", status))
	}

	ts.cancelRequested.Store(true)
	c.logger.Info("已请求取消试验", zap.String("trial_id", trialID))

	return &model.CancelTrialResponse{
		TrialID: trialID,
		Status:  status,
	}, nil
}

// Wait 等待所有试验协程退出，用于测试和优雅关闭
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// lookup 查找试验状态
func (c *Coordinator) lookup(trialID string) (*trialState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.trials[trialID]
	return ts, ok
}

// run 是单个试验的协调协程：pending → initializing → running →
// monitoring → completed，任一非终态出错则进入failed，
// 取消标志在代边界被观察到则进入cancelled。
func (c *Coordinator) run(ts *trialState) {
	defer c.wg.Done()

	ctx := context.Background()
	snap := ts.snapshot()
	trialID := snap.TrialID
	params := snap.Parameters

	// pending → initializing：创建种群
	c.setStatus(ts, model.TrialInitializing)

	err := c.callExternal(ctx, ts, func(ctx context.Context) error {
		return c.population.CreatePopulation(ctx, trialID, params.PopulationSize)
	})
	if err != nil {
		c.finish(ts, err)
		return
	}

	// 预算预留尽力而为，账本以消耗上报为准
	if err := c.ledger.Reserve(ctx, trialID, params.TokenBudget); err != nil {
		c.logger.Warn("预留令牌预算失败", zap.String("trial_id", trialID), zap.Error(err))
	}

	if ts.cancelRequested.Load() {
		c.finish(ts, errCancelled)
		return
	}

	// initializing → running
	c.setStatus(ts, model.TrialRunning)

	// 触发工作流DAG仅用于可观测性：失败只记录，绝不影响试验本身
	if err := c.engine.TriggerTrialRun(ctx, trialID, params); err != nil {
		c.logger.Warn("触发工作流DAG失败，试验继续", zap.String("trial_id", trialID), zap.Error(err))
	}

	// 代际循环：一代一迭代，试验内严格串行
	for gen := 1; gen <= params.Generations; gen++ {
		var result *EvolveResult
		err := c.callExternal(ctx, ts, func(ctx context.Context) error {
			r, err := c.population.EvolveGeneration(ctx, trialID, gen)
			if err == nil {
				result = r
			}
			return err
		})
		if err != nil {
			c.finish(ts, err)
			return
		}

		avg, max, min := fitnessStats(result.Fitness)
		diversity := 0.0
		if result.DiversityIndex != nil {
			// 服务自报的多样性指数优先
			diversity = *result.DiversityIndex
		} else {
			diversity = diversityIndex(result.Traits)
		}

		// 多样性不足时，必须在下一代开始之前完成变异注入
		if diversity < params.DiversityThreshold {
			strength := mutationStrength(params.DiversityThreshold, diversity)
			c.logger.Info("多样性低于阈值，注入变异",
				zap.String("trial_id", trialID),
				zap.Int("generation", gen),
				zap.Float64("diversity", diversity),
				zap.Float64("strength", strength),
			)
			err := c.callExternal(ctx, ts, func(ctx context.Context) error {
				return c.population.InjectMutations(ctx, trialID, gen, strength)
			})
			if err != nil {
				c.finish(ts, err)
				return
			}
		}

		// 记账并追加本代指标
		update, genTokens, budgetExhausted := c.recordGeneration(ts, gen, result, avg, max, min, diversity)

		// 消耗上报尽力而为
		if genTokens > 0 {
			if err := c.ledger.Consume(ctx, trialID, genTokens); err != nil {
				c.logger.Debug("上报令牌消耗失败", zap.String("trial_id", trialID), zap.Error(err))
			}
		}

		c.hub.PublishUpdate(trialID, update)

		// 代边界检查：先取消，后预算
		if ts.cancelRequested.Load() {
			c.finish(ts, errCancelled)
			return
		}
		if budgetExhausted {
			c.logger.Info("令牌预算耗尽，提前结束代际循环",
				zap.String("trial_id", trialID),
				zap.Int("generation", gen),
			)
			break
		}
	}

	// running → monitoring：收集最终模式
	c.setStatus(ts, model.TrialMonitoring)

	var patterns int
	err = c.callExternal(ctx, ts, func(ctx context.Context) error {
		n, err := c.population.CollectPatterns(ctx, trialID)
		if err == nil {
			patterns = n
		}
		return err
	})
	if err != nil {
		c.finish(ts, err)
		return
	}

	ts.mu.Lock()
	ts.trial.Performance.PatternsDiscovered += patterns
	ts.mu.Unlock()

	// monitoring → completed
	c.finish(ts, nil)
}

// recordGeneration 在试验状态上记录一代的结果。
// 令牌用量在记账时截断到预算上限，保证任何时刻都不会超出预算。
func (c *Coordinator) recordGeneration(ts *trialState, gen int, result *EvolveResult, avg, max, min, diversity float64) (*ws.UpdateMessage, int64, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := ts.trial
	budget := t.Parameters.TokenBudget

	used := t.ResourceUsage.TokensUsed + result.TokensUsed
	if used > budget {
		used = budget
	}
	genTokens := used - t.ResourceUsage.TokensUsed
	t.ResourceUsage.TokensUsed = used
	t.ResourceUsage.TokensRemaining = budget - used

	metric := model.GenerationMetric{
		Generation:         gen,
		AvgFitness:         avg,
		MaxFitness:         max,
		MinFitness:         min,
		DiversityIndex:     diversity,
		TokensUsed:         genTokens,
		PatternsDiscovered: result.PatternsDiscovered,
		Timestamp:          time.Now(),
	}
	t.GenerationMetrics = append(t.GenerationMetrics, metric)
	t.Progress.CurrentGeneration = gen

	if max > t.Performance.BestFitness {
		t.Performance.BestFitness = max
	}
	t.Performance.DiversityIndex = diversity
	t.Performance.PatternsDiscovered += result.PatternsDiscovered
	t.Performance.ActiveAgents = result.ActiveAgents

	elapsed := time.Since(t.Timing.StartedAt)
	t.Timing.Duration = elapsed.Seconds()
	if gen < t.Progress.TotalGenerations {
		eta := t.Timing.StartedAt.Add(time.Duration(float64(elapsed) / float64(gen) * float64(t.Progress.TotalGenerations)))
		t.Timing.EstimatedCompletion = &eta
	} else {
		t.Timing.EstimatedCompletion = nil
	}

	update := &ws.UpdateMessage{
		TrialID:           t.TrialID,
		CurrentGeneration: gen,
		TotalGenerations:  t.Progress.TotalGenerations,
		Metric:            metric,
		ResourceUsage:     t.ResourceUsage,
		Performance:       t.Performance,
	}
	return update, genTokens, used >= budget
}

// setStatus 推进试验到下一个非终态
func (c *Coordinator) setStatus(ts *trialState, status model.TrialStatus) {
	ts.mu.Lock()
	ts.trial.Status = status
	trialID := ts.trial.TrialID
	ts.mu.Unlock()

	c.logger.Debug("试验状态变更",
		zap.String("trial_id", trialID),
		zap.String("status", string(status)),
	)
}

// finish 把试验推进到终态并广播终结消息。
// err为nil且未请求取消时正常完成；errCancelled或终结前已置位的
// 取消标志进入cancelled；其他错误进入failed并记录错误信息。无论哪种结局，
// complete消息都恰好广播一次，客户端绝不会无限等待。
func (c *Coordinator) finish(ts *trialState, err error) {
	ts.mu.Lock()
	t := ts.trial
	if t.Status.IsTerminal() {
		ts.mu.Unlock()
		return
	}

	switch {
	case err == nil && ts.cancelRequested.Load():
		// 模式收集期间请求的取消在终结时生效，cancelled优先于completed
		t.Status = model.TrialCancelled
	case err == nil:
		t.Status = model.TrialCompleted
	case errors.Is(err, errCancelled):
		t.Status = model.TrialCancelled
	default:
		t.Status = model.TrialFailed
		t.Error = err.Error()
	}
	t.Timing.Duration = time.Since(t.Timing.StartedAt).Seconds()
	t.Timing.EstimatedCompletion = nil
	snap := t.Clone()
	ts.mu.Unlock()

	c.hub.PublishComplete(snap.TrialID, snap)

	if snap.Status == model.TrialFailed {
		c.logger.Error("试验失败",
			zap.String("trial_id", snap.TrialID),
			zap.String("error", snap.Error),
		)
	} else {
		c.logger.Info("试验结束",
			zap.String("trial_id", snap.TrialID),
			zap.String("status", string(snap.Status)),
			zap.Int("generations_completed", snap.Progress.CurrentGeneration),
			zap.Int64("tokens_used", snap.ResourceUsage.TokensUsed),
		)
	}
}

// callExternal 执行一次外部调用并施加统一的失败策略：
//   - 瞬时失败（超时、连接错误、5xx）按指数退避加全抖动重试，
//     最多MaxRetries次尝试，耗尽后按服务不可用失败；
//   - 熔断器打开时不立即重试，按PauseTick节拍等待并重新尝试，
//     累计等待超过MaxPauseWindow后按服务不可用失败；
//   - 4xx等永久性错误立即放弃，不做任何重试。
//
// 等待期间观察到取消请求时返回errCancelled。
func (c *Coordinator) callExternal(ctx context.Context, ts *trialState, op func(context.Context) error) error {
	attempts := 0
	var paused time.Duration

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		// 熔断器打开：按节拍等待下一次尝试
		if apierr.IsCode(err, apierr.ErrServiceUnavailable) {
			if paused >= c.cfg.MaxPauseWindow {
				return apierr.NewServiceUnavailableError(
					fmt.Sprintf("等待窗口(%s)耗尽，服务持续不可用: %v", c.cfg.MaxPauseWindow, err))
			}
			if ts.cancelRequested.Load() {
				return errCancelled
			}
			c.sleep(c.cfg.PauseTick)
			paused += c.cfg.PauseTick
			continue
		}

		// 永久性错误：立即中止
		if !registry.IsTransient(err) {
			return err
		}

		attempts++
		if attempts >= c.cfg.MaxRetries {
			return apierr.NewServiceUnavailableError(
				fmt.Sprintf("重试%d次后服务仍不可用: %v", attempts, err))
		}

		// 指数退避 + 全抖动：在[0, base*2^(attempt-1)]内均匀取值
		backoff := time.Duration(c.randFloat() * float64(c.cfg.RetryBase) * math.Pow(2, float64(attempts-1)))
		c.sleep(backoff)
	}
}
