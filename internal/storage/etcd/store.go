package etcd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

const (
	// 服务注册信息的存储前缀
	servicePrefix = "/dean/services/"
)

// Store 实现基于etcd的注册信息持久化
type Store struct {
	client *Client
}

// NewStore 创建一个新的基于etcd的注册信息存储
func NewStore(client *Client) *Store {
	return &Store{
		client: client,
	}
}

// serviceKey 获取服务注册信息的存储键
func serviceKey(name string) string {
	return servicePrefix + name
}

// SaveService 持久化一条服务注册信息
func (s *Store) SaveService(ctx context.Context, service *model.ServiceRegistration) error {
	data, err := json.Marshal(service)
	if err != nil {
		return fmt.Errorf("序列化服务注册信息失败: %w", err)
	}

	if err := s.client.Put(ctx, serviceKey(service.Name), data); err != nil {
		return fmt.Errorf("存储服务注册信息失败: %w", err)
	}

	return nil
}

// DeleteService 删除一条服务注册信息
func (s *Store) DeleteService(ctx context.Context, name string) error {
	if err := s.client.Delete(ctx, serviceKey(name)); err != nil {
		return fmt.Errorf("删除服务注册信息失败: %w", err)
	}
	return nil
}

// LoadServices 加载所有已持久化的服务注册信息
func (s *Store) LoadServices(ctx context.Context) ([]*model.ServiceRegistration, error) {
	kvs, err := s.client.GetWithPrefix(ctx, servicePrefix)
	if err != nil {
		return nil, fmt.Errorf("加载服务注册信息失败: %w", err)
	}

	services := make([]*model.ServiceRegistration, 0, len(kvs))
	for _, data := range kvs {
		var service model.ServiceRegistration
		if err := json.Unmarshal(data, &service); err != nil {
			// 跳过损坏的记录，不让单条脏数据阻塞整体加载
			continue
		}
		services = append(services, &service)
	}

	return services, nil
}

// Close 关闭etcd连接
func (s *Store) Close() error {
	return s.client.Close()
}
