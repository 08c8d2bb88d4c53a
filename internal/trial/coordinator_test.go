package trial

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mprestonsparks/dean-orchestration/internal/apierr"
	"github.com/mprestonsparks/dean-orchestration/internal/breaker"
	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
	"github.com/mprestonsparks/dean-orchestration/internal/registry"
	"github.com/mprestonsparks/dean-orchestration/internal/ws"
)

// mockPopulation 可编程的种群服务
type mockPopulation struct {
	mu            sync.Mutex
	createCalls   int
	evolveCalls   int
	mutationGens  []int
	patternCalls  int
	createErr     error
	evolveFn      func(gen int) (*EvolveResult, error)
	patternsFn    func() (int, error)
	patternsCount int
	patternsErr   error
}

func (m *mockPopulation) CreatePopulation(ctx context.Context, trialID string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	return m.createErr
}

func (m *mockPopulation) EvolveGeneration(ctx context.Context, trialID string, gen int) (*EvolveResult, error) {
	m.mu.Lock()
	m.evolveCalls++
	fn := m.evolveFn
	m.mu.Unlock()
	if fn != nil {
		return fn(gen)
	}
	return steadyResult(gen, 0.5), nil
}

func (m *mockPopulation) InjectMutations(ctx context.Context, trialID string, gen int, strength float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutationGens = append(m.mutationGens, gen)
	return nil
}

func (m *mockPopulation) CollectPatterns(ctx context.Context, trialID string) (int, error) {
	m.mu.Lock()
	m.patternCalls++
	fn := m.patternsFn
	count, patternsErr := m.patternsCount, m.patternsErr
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return count, patternsErr
}

// steadyResult 构造固定多样性、适应度随代数线性增长的进化结果
func steadyResult(gen int, diversity float64) *EvolveResult {
	base := 0.1 * float64(gen)
	d := diversity
	return &EvolveResult{
		Generation:     gen,
		Fitness:        []float64{base, base + 0.1, base + 0.2},
		DiversityIndex: &d,
		TokensUsed:     100,
		ActiveAgents:   3,
	}
}

// mockLedger 可编程的令牌账本
type mockLedger struct {
	mu           sync.Mutex
	checkErr     error
	checkCalls   int
	reserveCalls int
	consumed     int64
}

func (m *mockLedger) CheckBudget(ctx context.Context, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkCalls++
	return m.checkErr
}

func (m *mockLedger) Reserve(ctx context.Context, trialID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveCalls++
	return nil
}

func (m *mockLedger) Consume(ctx context.Context, trialID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed += amount
	return nil
}

// mockEngine 可编程的工作流引擎
type mockEngine struct {
	mu           sync.Mutex
	triggerCalls int
	triggerErr   error
}

func (m *mockEngine) TriggerTrialRun(ctx context.Context, trialID string, params model.TrialParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerCalls++
	return m.triggerErr
}

// testFixture 打包协调器和它的mock协作方
type testFixture struct {
	coord      *Coordinator
	hub        *ws.Hub
	population *mockPopulation
	ledger     *mockLedger
	engine     *mockEngine
}

// newFixture 创建测试夹具，消除真实等待
func newFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		hub:        ws.NewHub(config.NewNopLogger(), 64),
		population: &mockPopulation{},
		ledger:     &mockLedger{},
		engine:     &mockEngine{},
	}
	f.coord = NewCoordinator(config.NewNopLogger(), f.hub, f.population, f.ledger, f.engine, Config{
		MaxRetries:     3,
		RetryBase:      time.Millisecond,
		MaxPauseWindow: 50 * time.Millisecond,
		PauseTick:      10 * time.Millisecond,
	})
	f.coord.sleep = func(time.Duration) {}
	f.coord.randFloat = func() float64 { return 0.5 }
	return f
}

// validRequest 返回场景A的标准试验参数
func validRequest() *model.StartTrialRequest {
	return &model.StartTrialRequest{
		PopulationSize:     10,
		Generations:        3,
		TokenBudget:        1000,
		DiversityThreshold: 0.3,
	}
}

// runToCompletion 启动试验并等待其协程退出，返回终态快照
func runToCompletion(t *testing.T, f *testFixture, req *model.StartTrialRequest) *model.EvolutionTrial {
	t.Helper()
	resp, err := f.coord.StartTrial(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, []model.TrialStatus{model.TrialPending, model.TrialInitializing}, resp.Status)
	assert.Equal(t, "/ws/evolution/"+resp.TrialID, resp.WebSocketURL)

	f.coord.Wait()

	trial, err := f.coord.GetTrial(resp.TrialID)
	require.NoError(t, err)
	return trial
}

func TestStartTrial_ParameterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		mod  func(r *model.StartTrialRequest)
	}{
		{"种群过小", func(r *model.StartTrialRequest) { r.PopulationSize = 0 }},
		{"种群过大", func(r *model.StartTrialRequest) { r.PopulationSize = 101 }},
		{"代数过小", func(r *model.StartTrialRequest) { r.Generations = 0 }},
		{"代数过大", func(r *model.StartTrialRequest) { r.Generations = 1001 }},
		{"预算为零", func(r *model.StartTrialRequest) { r.TokenBudget = 0 }},
		{"阈值过低", func(r *model.StartTrialRequest) { r.DiversityThreshold = 0.05 }},
		{"阈值过高", func(r *model.StartTrialRequest) { r.DiversityThreshold = 1.5 }},
	}
	for _, c := range cases {
		req := validRequest()
		c.mod(req)
		_, err := f.coord.StartTrial(ctx, req)
		assert.True(t, apierr.IsCode(err, apierr.ErrValidation), c.name)
	}

	// 校验失败时不会创建任何试验记录
	assert.Empty(t, f.coord.ListTrials("", 0))
	// 也不会触碰账本
	assert.Equal(t, 0, f.ledger.checkCalls)
}

func TestStartTrial_InsufficientBudgetCreatesNoTrial(t *testing.T) {
	f := newFixture(t)
	f.ledger.checkErr = apierr.NewValidationError("全局令牌预算不足")

	_, err := f.coord.StartTrial(context.Background(), validRequest())
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.ErrValidation))
	assert.Empty(t, f.coord.ListTrials("", 0))
}

func TestTrial_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.population.patternsCount = 4

	trial := runToCompletion(t, f, validRequest())

	// 场景A：3代全部完成，无变异注入
	assert.Equal(t, model.TrialCompleted, trial.Status)
	require.Len(t, trial.GenerationMetrics, 3)
	assert.Empty(t, f.population.mutationGens)
	assert.Equal(t, 1, f.population.createCalls)
	assert.Equal(t, 1, f.population.patternCalls)
	assert.Equal(t, 1, f.engine.triggerCalls)
	assert.Equal(t, 1, f.ledger.reserveCalls)
	assert.Empty(t, trial.Error)

	// 代际指标严格递增无空洞，适应度按0.1/代增长
	for i, m := range trial.GenerationMetrics {
		assert.Equal(t, i+1, m.Generation)
		assert.InDelta(t, 0.1*float64(i+1)+0.2, m.MaxFitness, 1e-9)
	}

	// 不变式：代数和令牌都不越界
	assert.Equal(t, 3, trial.Progress.CurrentGeneration)
	assert.LessOrEqual(t, trial.Progress.CurrentGeneration, trial.Progress.TotalGenerations)
	assert.EqualValues(t, 300, trial.ResourceUsage.TokensUsed)
	assert.LessOrEqual(t, trial.ResourceUsage.TokensUsed, trial.Parameters.TokenBudget)
	assert.EqualValues(t, 300, f.ledger.consumed)

	// 最终模式计入性能指标
	assert.Equal(t, 4, trial.Performance.PatternsDiscovered)
	assert.InDelta(t, 0.5, trial.Performance.DiversityIndex, 1e-9)
}

func TestTrial_WorkflowEngineFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.engine.triggerErr = &registry.CallError{Transient: true, Message: "引擎不可达"}

	trial := runToCompletion(t, f, validRequest())

	// DAG触发失败只记录日志，试验照常完成
	assert.Equal(t, model.TrialCompleted, trial.Status)
	require.Len(t, trial.GenerationMetrics, 3)
}

func TestTrial_DiversityTriggersSingleInjection(t *testing.T) {
	f := newFixture(t)
	f.population.evolveFn = func(gen int) (*EvolveResult, error) {
		if gen == 2 {
			return steadyResult(gen, 0.2), nil
		}
		return steadyResult(gen, 0.5), nil
	}

	trial := runToCompletion(t, f, validRequest())

	// 第2代多样性0.2低于阈值0.3：恰好注入一次变异，且发生在第2代之后、第3代之前
	assert.Equal(t, model.TrialCompleted, trial.Status)
	assert.Equal(t, []int{2}, f.population.mutationGens)
	require.Len(t, trial.GenerationMetrics, 3)
}

func TestTrial_ComputedDiversityWhenNotReported(t *testing.T) {
	f := newFixture(t)
	f.population.evolveFn = func(gen int) (*EvolveResult, error) {
		// 不自报多样性，性状向量完全相同 → 计算出的多样性为0，触发注入
		return &EvolveResult{
			Generation: gen,
			Fitness:    []float64{0.5, 0.5},
			Traits:     [][]float64{{0.5, 0.5}, {0.5, 0.5}},
			TokensUsed: 10,
		}, nil
	}

	trial := runToCompletion(t, f, validRequest())

	assert.Equal(t, model.TrialCompleted, trial.Status)
	assert.Equal(t, []int{1, 2, 3}, f.population.mutationGens)
}

func TestTrial_BudgetExhaustionStopsEarly(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Generations = 10
	req.TokenBudget = 150 // 每代消耗100，第2代记账时截断并触发提前结束

	trial := runToCompletion(t, f, req)

	assert.Equal(t, model.TrialCompleted, trial.Status)
	require.Len(t, trial.GenerationMetrics, 2)
	assert.Equal(t, 2, trial.Progress.CurrentGeneration)

	// 截断保证用量不超预算
	assert.EqualValues(t, 150, trial.ResourceUsage.TokensUsed)
	assert.EqualValues(t, 0, trial.ResourceUsage.TokensRemaining)
	assert.EqualValues(t, 50, trial.GenerationMetrics[1].TokensUsed)
}

func TestTrial_CancelObservedAtGenerationBoundary(t *testing.T) {
	f := newFixture(t)

	gate := make(chan struct{})
	var gateOnce sync.Once
	f.population.evolveFn = func(gen int) (*EvolveResult, error) {
		gateOnce.Do(func() { <-gate })
		return steadyResult(gen, 0.5), nil
	}

	resp, err := f.coord.StartTrial(context.Background(), validRequest())
	require.NoError(t, err)

	// 在第1代进化完成前请求取消；进行中的调用先跑完，取消在代边界生效
	cancelResp, err := f.coord.CancelTrial(resp.TrialID)
	require.NoError(t, err)
	assert.False(t, cancelResp.Status.IsTerminal())
	close(gate)

	f.coord.Wait()

	trial, err := f.coord.GetTrial(resp.TrialID)
	require.NoError(t, err)
	assert.Equal(t, model.TrialCancelled, trial.Status)

	// 代边界才观察取消：已完成的代保留完整指标
	assert.Len(t, trial.GenerationMetrics, trial.Progress.CurrentGeneration)
}

func TestTrial_CancelDuringMonitoring(t *testing.T) {
	f := newFixture(t)

	gate := make(chan struct{})
	entered := make(chan struct{})
	var gateOnce sync.Once
	f.population.patternsFn = func() (int, error) {
		gateOnce.Do(func() {
			close(entered)
			<-gate
		})
		return 2, nil
	}

	resp, err := f.coord.StartTrial(context.Background(), validRequest())
	require.NoError(t, err)

	// 等到模式收集开始，确认试验处于monitoring状态后再请求取消
	<-entered
	trial, err := f.coord.GetTrial(resp.TrialID)
	require.NoError(t, err)
	assert.Equal(t, model.TrialMonitoring, trial.Status)

	cancelResp, err := f.coord.CancelTrial(resp.TrialID)
	require.NoError(t, err)
	assert.Equal(t, model.TrialMonitoring, cancelResp.Status)
	close(gate)

	f.coord.Wait()

	// 监控期间接受的取消必须以cancelled终结，而不是completed
	trial, err = f.coord.GetTrial(resp.TrialID)
	require.NoError(t, err)
	assert.Equal(t, model.TrialCancelled, trial.Status)

	// 代际循环已经全部跑完，指标保持完整
	assert.Len(t, trial.GenerationMetrics, trial.Parameters.Generations)
}

func TestCancelTrial_TerminalReturnsConflict(t *testing.T) {
	f := newFixture(t)

	trial := runToCompletion(t, f, validRequest())
	require.Equal(t, model.TrialCompleted, trial.Status)

	_, err := f.coord.CancelTrial(trial.TrialID)
	assert.True(t, apierr.IsCode(err, apierr.ErrConflict))

	// 状态保持不变
	after, err := f.coord.GetTrial(trial.TrialID)
	require.NoError(t, err)
	assert.Equal(t, model.TrialCompleted, after.Status)
}

func TestCancelTrial_UnknownReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CancelTrial("no-such-trial")
	assert.True(t, apierr.IsCode(err, apierr.ErrNotFound))
}

func TestTrial_PermanentErrorAbortsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.population.evolveFn = func(gen int) (*EvolveResult, error) {
		return nil, &registry.CallError{StatusCode: http.StatusBadRequest, Transient: false, Message: "种群不存在"}
	}

	trial := runToCompletion(t, f, validRequest())

	// 4xx永久性错误：不重试，立即失败
	assert.Equal(t, model.TrialFailed, trial.Status)
	assert.Equal(t, 1, f.population.evolveCalls)
	assert.Contains(t, trial.Error, "种群不存在")
}

func TestTrial_TransientFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t)
	f.population.evolveFn = func(gen int) (*EvolveResult, error) {
		return nil, &registry.CallError{StatusCode: http.StatusInternalServerError, Transient: true, Message: "内部错误"}
	}

	trial := runToCompletion(t, f, validRequest())

	// 瞬时失败最多尝试3次，之后按服务不可用失败
	assert.Equal(t, model.TrialFailed, trial.Status)
	assert.Equal(t, 3, f.population.evolveCalls)
	assert.Contains(t, trial.Error, "不可用")
}

func TestTrial_PauseWindowExhaustion(t *testing.T) {
	f := newFixture(t)
	f.population.evolveFn = func(gen int) (*EvolveResult, error) {
		// 模拟熔断器始终打开
		return nil, apierr.NewServiceUnavailableError("服务熔断中")
	}

	trial := runToCompletion(t, f, validRequest())

	assert.Equal(t, model.TrialFailed, trial.Status)
	assert.Contains(t, trial.Error, "耗尽")
}

func TestTrial_CompleteBroadcastOnFailure(t *testing.T) {
	f := newFixture(t)
	f.population.createErr = &registry.CallError{StatusCode: http.StatusBadRequest, Transient: false, Message: "参数被拒绝"}

	trial := runToCompletion(t, f, validRequest())
	require.Equal(t, model.TrialFailed, trial.Status)

	// 失败的试验同样广播complete：迟到订阅者立即收到快照和终结消息
	sub, err := f.hub.Subscribe(trial.TrialID, trial)
	require.NoError(t, err)

	var types []string
	for data := range sub.C() {
		types = append(types, extractType(t, data))
	}
	require.Len(t, types, 2)
	assert.Equal(t, ws.TypeStatus, types[0])
	assert.Equal(t, ws.TypeComplete, types[1])
}

func TestListTrials_FilterAndLimit(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		runToCompletion(t, f, validRequest())
	}
	f.population.createErr = &registry.CallError{Transient: false, Message: "拒绝"}
	runToCompletion(t, f, validRequest())

	assert.Len(t, f.coord.ListTrials("", 0), 4)
	assert.Len(t, f.coord.ListTrials(model.TrialCompleted, 0), 3)
	assert.Len(t, f.coord.ListTrials(model.TrialFailed, 0), 1)
	assert.Len(t, f.coord.ListTrials("", 2), 2)
}

func TestTrial_EndToEndThroughRegistryBreaker(t *testing.T) {
	// 场景B：种群服务每次调用都失败。
	// 经过注册中心的真实客户端路径：第3次失败后熔断器打开，
	// 协调器的网络尝试不超过3次，试验以服务不可用失败。
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := registry.New(config.NewNopLogger(), registry.Options{BreakerConfig: breaker.DefaultConfig()})
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), &model.ServiceRegistration{
		Name: ServicePopulation,
		Host: u.Hostname(),
		Port: port,
	})
	require.NoError(t, err)

	hub := ws.NewHub(config.NewNopLogger(), 8)
	coord := NewCoordinator(config.NewNopLogger(), hub, NewPopulationClient(reg), &mockLedger{}, &mockEngine{}, Config{
		MaxRetries:     3,
		RetryBase:      time.Millisecond,
		MaxPauseWindow: 20 * time.Millisecond,
		PauseTick:      10 * time.Millisecond,
	})
	coord.sleep = func(time.Duration) {}
	coord.randFloat = func() float64 { return 0.5 }

	resp, err := coord.StartTrial(context.Background(), validRequest())
	require.NoError(t, err)
	coord.Wait()

	trial, err := coord.GetTrial(resp.TrialID)
	require.NoError(t, err)
	assert.Equal(t, model.TrialFailed, trial.Status)
	assert.Contains(t, trial.Error, "不可用")
	assert.Equal(t, 3, attempts)

	state, err := reg.BreakerState(ServicePopulation)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, state)
}

// extractType 解析广播消息的type字段
func extractType(t *testing.T, data []byte) string {
	t.Helper()
	var m struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &m))
	return m.Type
}
