package trial

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mprestonsparks/dean-orchestration/internal/apierr"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
	"github.com/mprestonsparks/dean-orchestration/internal/registry"
)

// 默认协作方服务名
const (
	// ServicePopulation 种群服务：实际执行进化计算的黑盒协作方
	ServicePopulation = "population-service"
	// ServiceTokenLedger 令牌预算账本服务
	ServiceTokenLedger = "token-ledger"
	// ServiceWorkflowEngine 工作流引擎（仅用于可观测性，尽力触发）
	ServiceWorkflowEngine = "workflow-engine"
)

// EvolveResult 表示种群服务一次进化步骤的结果
type EvolveResult struct {
	Generation         int         `json:"generation"`
	Fitness            []float64   `json:"fitness"`                   // 每个智能体的适应度
	Traits             [][]float64 `json:"traits,omitempty"`          // 每个智能体的性状向量
	DiversityIndex     *float64    `json:"diversity_index,omitempty"` // 服务自报的多样性指数，可缺省
	TokensUsed         int64       `json:"tokens_used"`
	PatternsDiscovered int         `json:"patterns_discovered"`
	ActiveAgents       int         `json:"active_agents"`
}

// PopulationService 抽象种群服务协作方
type PopulationService interface {
	// CreatePopulation 为试验创建初始种群
	CreatePopulation(ctx context.Context, trialID string, size int) error

	// EvolveGeneration 执行一次进化步骤并返回结果
	EvolveGeneration(ctx context.Context, trialID string, generation int) (*EvolveResult, error)

	// InjectMutations 注入变异以恢复种群多样性
	InjectMutations(ctx context.Context, trialID string, generation int, strength float64) error

	// CollectPatterns 收集最终发现的模式，返回模式数量
	CollectPatterns(ctx context.Context, trialID string) (int, error)
}

// TokenLedger 抽象令牌预算账本协作方
type TokenLedger interface {
	// CheckBudget 检查全局可用预算是否足够，不足时返回错误
	CheckBudget(ctx context.Context, amount int64) error

	// Reserve 为试验预留预算
	Reserve(ctx context.Context, trialID string, amount int64) error

	// Consume 上报试验的实际消耗
	Consume(ctx context.Context, trialID string, amount int64) error
}

// WorkflowEngine 抽象工作流引擎协作方
type WorkflowEngine interface {
	// TriggerTrialRun 触发试验对应的DAG运行，仅用于可观测性
	TriggerTrialRun(ctx context.Context, trialID string, params model.TrialParameters) error
}

// populationClient 通过注册中心路由访问种群服务
type populationClient struct {
	registry *registry.Registry
	service  string
}

// NewPopulationClient 创建种群服务客户端，所有调用都经过注册中心的熔断器
func NewPopulationClient(reg *registry.Registry) PopulationService {
	return &populationClient{registry: reg, service: ServicePopulation}
}

// CreatePopulation 为试验创建初始种群
func (c *populationClient) CreatePopulation(ctx context.Context, trialID string, size int) error {
	_, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/populations",
		Body: map[string]interface{}{
			"trial_id":        trialID,
			"population_size": size,
		},
	})
	if err != nil {
		return fmt.Errorf("创建种群失败: %w", err)
	}
	return nil
}

// EvolveGeneration 执行一次进化步骤
func (c *populationClient) EvolveGeneration(ctx context.Context, trialID string, generation int) (*EvolveResult, error) {
	resp, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/populations/" + trialID + "/evolve",
		Body: map[string]interface{}{
			"generation": generation,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("进化步骤失败: %w", err)
	}

	var result EvolveResult
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("解析进化结果失败: %w", err)
	}
	return &result, nil
}

// InjectMutations 注入变异
func (c *populationClient) InjectMutations(ctx context.Context, trialID string, generation int, strength float64) error {
	_, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/populations/" + trialID + "/mutations",
		Body: map[string]interface{}{
			"generation": generation,
			"strength":   strength,
		},
	})
	if err != nil {
		return fmt.Errorf("注入变异失败: %w", err)
	}
	return nil
}

// CollectPatterns 收集最终发现的模式
func (c *populationClient) CollectPatterns(ctx context.Context, trialID string) (int, error) {
	resp, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodGet,
		Path:   "/api/v1/populations/" + trialID + "/patterns",
	})
	if err != nil {
		return 0, fmt.Errorf("收集模式失败: %w", err)
	}

	var result struct {
		PatternsDiscovered int `json:"patterns_discovered"`
	}
	if err := resp.Decode(&result); err != nil {
		return 0, fmt.Errorf("解析模式结果失败: %w", err)
	}
	return result.PatternsDiscovered, nil
}

// ledgerClient 通过注册中心路由访问令牌账本服务
type ledgerClient struct {
	registry *registry.Registry
	service  string
}

// NewLedgerClient 创建令牌账本客户端
func NewLedgerClient(reg *registry.Registry) TokenLedger {
	return &ledgerClient{registry: reg, service: ServiceTokenLedger}
}

// CheckBudget 检查全局可用预算
func (c *ledgerClient) CheckBudget(ctx context.Context, amount int64) error {
	resp, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/budget/check",
		Body:   map[string]interface{}{"amount": amount},
	})
	if err != nil {
		return fmt.Errorf("检查令牌预算失败: %w", err)
	}

	var result struct {
		Sufficient bool  `json:"sufficient"`
		Available  int64 `json:"available"`
	}
	if err := resp.Decode(&result); err != nil {
		return fmt.Errorf("解析预算检查结果失败: %w", err)
	}
	if !result.Sufficient {
		return apierr.NewValidationError(fmt.Sprintf("全局令牌预算不足: 需要 %d, 可用 %d", amount, result.Available))
	}
	return nil
}

// Reserve 为试验预留预算
func (c *ledgerClient) Reserve(ctx context.Context, trialID string, amount int64) error {
	_, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/budget/reserve",
		Body:   map[string]interface{}{"trial_id": trialID, "amount": amount},
	})
	if err != nil {
		return fmt.Errorf("预留令牌预算失败: %w", err)
	}
	return nil
}

// Consume 上报实际消耗
func (c *ledgerClient) Consume(ctx context.Context, trialID string, amount int64) error {
	_, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/budget/consume",
		Body:   map[string]interface{}{"trial_id": trialID, "amount": amount},
	})
	if err != nil {
		return fmt.Errorf("上报令牌消耗失败: %w", err)
	}
	return nil
}

// engineClient 通过注册中心路由访问工作流引擎
type engineClient struct {
	registry *registry.Registry
	service  string
}

// NewEngineClient 创建工作流引擎客户端
func NewEngineClient(reg *registry.Registry) WorkflowEngine {
	return &engineClient{registry: reg, service: ServiceWorkflowEngine}
}

// TriggerTrialRun 触发试验DAG运行
func (c *engineClient) TriggerTrialRun(ctx context.Context, trialID string, params model.TrialParameters) error {
	_, err := c.registry.Call(ctx, c.service, registry.CallRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/dags/evolution-trial/trigger",
		Body: map[string]interface{}{
			"trial_id":   trialID,
			"parameters": params,
		},
	})
	if err != nil {
		return fmt.Errorf("触发工作流DAG失败: %w", err)
	}
	return nil
}
