package model

import (
	"time"
)

// TrialStatus 表示进化试验状态
type TrialStatus string

const (
	// TrialPending 已创建，等待初始化
	TrialPending TrialStatus = "pending"
	// TrialInitializing 正在创建种群
	TrialInitializing TrialStatus = "initializing"
	// TrialRunning 代际循环进行中
	TrialRunning TrialStatus = "running"
	// TrialMonitoring 代际循环结束，正在收集最终模式
	TrialMonitoring TrialStatus = "monitoring"
	// TrialCompleted 正常完成（终态）
	TrialCompleted TrialStatus = "completed"
	// TrialFailed 失败（终态）
	TrialFailed TrialStatus = "failed"
	// TrialCancelled 已取消（终态）
	TrialCancelled TrialStatus = "cancelled"
)

// IsTerminal 判断状态是否为终态
func (s TrialStatus) IsTerminal() bool {
	return s == TrialCompleted || s == TrialFailed || s == TrialCancelled
}

// TrialParameters 表示试验参数
type TrialParameters struct {
	PopulationSize     int     `json:"population_size"`
	Generations        int     `json:"generations"`
	TokenBudget        int64   `json:"token_budget"`
	DiversityThreshold float64 `json:"diversity_threshold"`
}

// TrialProgress 表示试验的进度
type TrialProgress struct {
	CurrentGeneration int `json:"current_generation"`
	TotalGenerations  int `json:"total_generations"`
}

// TrialResourceUsage 表示试验的资源用量
type TrialResourceUsage struct {
	TokensUsed      int64 `json:"tokens_used"`
	TokensBudget    int64 `json:"tokens_budget"`
	TokensRemaining int64 `json:"tokens_remaining"`
}

// TrialPerformance 表示试验的性能指标
type TrialPerformance struct {
	BestFitness        float64 `json:"best_fitness"`
	DiversityIndex     float64 `json:"diversity_index"`
	PatternsDiscovered int     `json:"patterns_discovered"`
	ActiveAgents       int     `json:"active_agents"`
}

// TrialTiming 表示试验的时间信息
type TrialTiming struct {
	StartedAt           time.Time  `json:"started_at"`
	Duration            float64    `json:"duration_seconds"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// GenerationMetric 表示一代完成后的指标记录
type GenerationMetric struct {
	Generation         int       `json:"generation"`
	AvgFitness         float64   `json:"avg_fitness"`
	MaxFitness         float64   `json:"max_fitness"`
	MinFitness         float64   `json:"min_fitness"`
	DiversityIndex     float64   `json:"diversity_index"`
	TokensUsed         int64     `json:"tokens_used_this_generation"`
	PatternsDiscovered int       `json:"patterns_discovered_this_generation"`
	Timestamp          time.Time `json:"timestamp"`
}

// EvolutionTrial 表示一次进化试验的完整状态
type EvolutionTrial struct {
	TrialID           string             `json:"trial_id"`
	Status            TrialStatus        `json:"status"`
	Parameters        TrialParameters    `json:"parameters"`
	Progress          TrialProgress      `json:"progress"`
	ResourceUsage     TrialResourceUsage `json:"resource_usage"`
	Performance       TrialPerformance   `json:"performance"`
	Timing            TrialTiming        `json:"timing"`
	GenerationMetrics []GenerationMetric `json:"generation_metrics"`
	Error             string             `json:"error,omitempty"`
}

// Clone 返回试验状态的深拷贝，供快照和广播使用
func (t *EvolutionTrial) Clone() *EvolutionTrial {
	dup := *t
	dup.GenerationMetrics = append([]GenerationMetric(nil), t.GenerationMetrics...)
	if t.Timing.EstimatedCompletion != nil {
		e := *t.Timing.EstimatedCompletion
		dup.Timing.EstimatedCompletion = &e
	}
	return &dup
}

// Summary 返回试验的摘要信息
func (t *EvolutionTrial) Summary() *TrialSummary {
	return &TrialSummary{
		TrialID:           t.TrialID,
		Status:            t.Status,
		CurrentGeneration: t.Progress.CurrentGeneration,
		TotalGenerations:  t.Progress.TotalGenerations,
		BestFitness:       t.Performance.BestFitness,
		TokensUsed:        t.ResourceUsage.TokensUsed,
		StartedAt:         t.Timing.StartedAt,
	}
}

// TrialSummary 表示试验列表中的摘要信息
type TrialSummary struct {
	TrialID           string      `json:"trial_id"`
	Status            TrialStatus `json:"status"`
	CurrentGeneration int         `json:"current_generation"`
	TotalGenerations  int         `json:"total_generations"`
	BestFitness       float64     `json:"best_fitness"`
	TokensUsed        int64       `json:"tokens_used"`
	StartedAt         time.Time   `json:"started_at"`
}

// StartTrialRequest 表示启动试验的请求
type StartTrialRequest struct {
	PopulationSize     int     `json:"population_size"`
	Generations        int     `json:"generations"`
	TokenBudget        int64   `json:"token_budget"`
	DiversityThreshold float64 `json:"diversity_threshold"`
}

// StartTrialResponse 表示启动试验的响应
type StartTrialResponse struct {
	TrialID      string      `json:"trial_id"`
	Status       TrialStatus `json:"status"`
	WebSocketURL string      `json:"websocket_url"`
}

// CancelTrialResponse 表示取消试验的响应
type CancelTrialResponse struct {
	TrialID string      `json:"trial_id"`
	Status  TrialStatus `json:"status"`
}
