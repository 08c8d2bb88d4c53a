package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

// 消息类型
const (
	// TypeStatus 订阅时下发的完整试验快照
	TypeStatus = "status"
	// TypeUpdate 每完成一代下发一条进度更新
	TypeUpdate = "update"
	// TypeComplete 试验终结时下发且仅下发一次
	TypeComplete = "complete"
)

// StatusMessage 表示订阅时的试验快照消息
type StatusMessage struct {
	Type  string                `json:"type"`
	Trial *model.EvolutionTrial `json:"trial"`
}

// UpdateMessage 表示单代进度更新消息
type UpdateMessage struct {
	Type              string                   `json:"type"`
	TrialID           string                   `json:"trial_id"`
	CurrentGeneration int                      `json:"current_generation"`
	TotalGenerations  int                      `json:"total_generations"`
	Metric            model.GenerationMetric   `json:"metric"`
	ResourceUsage     model.TrialResourceUsage `json:"resource_usage"`
	Performance       model.TrialPerformance   `json:"performance"`
}

// CompleteMessage 表示试验终结消息
type CompleteMessage struct {
	Type  string                `json:"type"`
	Trial *model.EvolutionTrial `json:"trial"`
}

// Subscriber 表示一个WebSocket订阅者。
// 每个订阅者持有自己的有界非阻塞投递队列：队列满时丢弃最老的
// 消息（有损、尽力而为），绝不阻塞协调器或其他订阅者。
type Subscriber struct {
	queue chan []byte
}

// C 返回订阅者的消息通道；话题终结后通道会在消息投递完毕后关闭
func (s *Subscriber) C() <-chan []byte {
	return s.queue
}

// push 非阻塞入队，队列满时丢弃最老的消息腾出位置
func (s *Subscriber) push(data []byte) {
	select {
	case s.queue <- data:
		return
	default:
	}

	// 队列已满：丢最老的一条，再尝试入队
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- data:
	default:
	}
}

// topic 表示一个试验的广播话题
type topic struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	terminal []byte // 终结消息，话题关闭后缓存给迟到的订阅者
}

// Hub 按trial_id话题做试验进度的扇出广播。
// WebSocket投递是有损的；GET /evolution/{id}/status 始终是权威数据源。
type Hub struct {
	mu        sync.Mutex
	topics    map[string]*topic
	queueSize int
	logger    config.Logger
}

// NewHub 创建广播中心
func NewHub(logger config.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Hub{
		topics:    make(map[string]*topic),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe 订阅一个试验的进度。
// 订阅时立即投递包含当前完整快照的status消息；如果试验已经终结，
// 快照之后立刻补发缓存的complete消息并关闭通道。
func (h *Hub) Subscribe(trialID string, snapshot *model.EvolutionTrial) (*Subscriber, error) {
	data, err := json.Marshal(&StatusMessage{Type: TypeStatus, Trial: snapshot})
	if err != nil {
		return nil, fmt.Errorf("序列化试验快照失败: %w", err)
	}

	sub := &Subscriber{queue: make(chan []byte, h.queueSize)}

	t := h.getTopic(trialID)
	t.mu.Lock()
	defer t.mu.Unlock()

	sub.push(data)
	if t.terminal != nil {
		// 迟到的订阅者：快照后补发终结消息，随即关闭
		sub.push(t.terminal)
		close(sub.queue)
		return sub, nil
	}

	t.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe 取消订阅
func (h *Hub) Unsubscribe(trialID string, sub *Subscriber) {
	h.mu.Lock()
	t, ok := h.topics[trialID]
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		close(sub.queue)
	}
}

// PublishUpdate 向话题的所有订阅者广播一条代际进度更新
func (h *Hub) PublishUpdate(trialID string, msg *UpdateMessage) {
	msg.Type = TypeUpdate
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("序列化进度消息失败", zap.String("trial_id", trialID), zap.Error(err))
		return
	}

	t := h.getTopic(trialID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal != nil {
		return
	}
	for sub := range t.subs {
		sub.push(data)
	}
}

// PublishComplete 广播试验终结消息并关闭话题。
// 每个试验只会广播一次complete；之后所有订阅者的通道在投递
// 完剩余消息后关闭，新订阅者会收到缓存的终结消息。
func (h *Hub) PublishComplete(trialID string, trial *model.EvolutionTrial) {
	data, err := json.Marshal(&CompleteMessage{Type: TypeComplete, Trial: trial})
	if err != nil {
		h.logger.Error("序列化终结消息失败", zap.String("trial_id", trialID), zap.Error(err))
		return
	}

	t := h.getTopic(trialID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal != nil {
		return // 已经终结过
	}
	t.terminal = data

	for sub := range t.subs {
		sub.push(data)
		close(sub.queue)
		delete(t.subs, sub)
	}
}

// getTopic 获取或创建话题
func (h *Hub) getTopic(trialID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[trialID]
	if !ok {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		h.topics[trialID] = t
	}
	return t
}
