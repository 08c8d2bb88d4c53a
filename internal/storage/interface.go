package storage

import (
	"context"

	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

// RegistryStore 定义注册中心的持久化后端接口。
// 所有实现都只被注册中心使用；持久化失败由注册中心记录日志并吞掉，
// 注册中心本身始终以内存状态为准。
type RegistryStore interface {
	// SaveService 持久化一条服务注册信息
	SaveService(ctx context.Context, service *model.ServiceRegistration) error

	// DeleteService 删除一条服务注册信息
	DeleteService(ctx context.Context, name string) error

	// LoadServices 加载所有已持久化的服务注册信息
	LoadServices(ctx context.Context) ([]*model.ServiceRegistration, error)

	// Close 关闭后端连接
	Close() error
}
