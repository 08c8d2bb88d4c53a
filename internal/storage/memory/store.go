package memory

import (
	"context"
	"sync"

	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

// Store 是基于内存的注册信息持久化实现，作为默认后端，也用于测试
type Store struct {
	services map[string]*model.ServiceRegistration
	mutex    sync.RWMutex
}

// NewStore 创建新的内存存储
func NewStore() *Store {
	return &Store{
		services: make(map[string]*model.ServiceRegistration),
	}
}

// SaveService 持久化一条服务注册信息
func (m *Store) SaveService(ctx context.Context, service *model.ServiceRegistration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.services[service.Name] = service.Clone()
	return nil
}

// DeleteService 删除一条服务注册信息
func (m *Store) DeleteService(ctx context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.services, name)
	return nil
}

// LoadServices 加载所有已持久化的服务注册信息
func (m *Store) LoadServices(ctx context.Context) ([]*model.ServiceRegistration, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	services := make([]*model.ServiceRegistration, 0, len(m.services))
	for _, service := range m.services {
		services = append(services, service.Clone())
	}

	return services, nil
}

// Close 关闭后端连接，内存实现为空操作
func (m *Store) Close() error {
	return nil
}
