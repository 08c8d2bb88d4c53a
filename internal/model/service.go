package model

import (
	"net"
	"strconv"
	"time"
)

// HealthState 表示服务健康状态
type HealthState string

const (
	// HealthUnknown 未知状态（刚注册、尚未探测）
	HealthUnknown HealthState = "unknown"
	// HealthHealthy 健康状态
	HealthHealthy HealthState = "healthy"
	// HealthDegraded 降级状态（可用但性能受损）
	HealthDegraded HealthState = "degraded"
	// HealthUnhealthy 不健康状态
	HealthUnhealthy HealthState = "unhealthy"
)

// ServiceMetadata 表示服务的结构化元数据
type ServiceMetadata struct {
	ServiceType  string            `json:"service_type,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// HasCapability 判断服务是否声明了指定能力
func (m *ServiceMetadata) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HealthCheckConfig 表示服务健康检查配置
type HealthCheckConfig struct {
	Protocol string        `json:"protocol,omitempty"` // 默认 "http"
	Path     string        `json:"path,omitempty"`     // 默认 "/health"
	Method   string        `json:"method,omitempty"`   // 默认 "GET"
	Timeout  time.Duration `json:"timeout,omitempty"`  // 默认 5s
}

// ServiceRegistration 表示一个已注册的服务实例
type ServiceRegistration struct {
	Name            string            `json:"name"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Version         string            `json:"version,omitempty"`
	Metadata        ServiceMetadata   `json:"metadata"`
	HealthCheck     HealthCheckConfig `json:"health_check"`
	Status          HealthState       `json:"status"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
	LastHealthCheck *time.Time        `json:"last_health_check,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
}

// Address 返回服务的host:port地址
func (s *ServiceRegistration) Address() string {
	return joinHostPort(s.Host, s.Port)
}

// HealthURL 返回服务健康检查的完整URL
func (s *ServiceRegistration) HealthURL() string {
	path := s.HealthCheck.Path
	if path == "" {
		path = "/health"
	}
	return "http://" + s.Address() + path
}

// Clone 返回注册信息的深拷贝，避免调用方持有内部引用
func (s *ServiceRegistration) Clone() *ServiceRegistration {
	dup := *s
	if s.LastHealthCheck != nil {
		t := *s.LastHealthCheck
		dup.LastHealthCheck = &t
	}
	dup.Metadata.Capabilities = append([]string(nil), s.Metadata.Capabilities...)
	dup.Metadata.Dependencies = append([]string(nil), s.Metadata.Dependencies...)
	dup.Metadata.Endpoints = cloneStringMap(s.Metadata.Endpoints)
	dup.Metadata.Tags = cloneStringMap(s.Metadata.Tags)
	return &dup
}

// HealthProbeResponse 表示外部服务健康端点的响应体
type HealthProbeResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// MetadataPatch 表示服务元数据的部分更新
type MetadataPatch struct {
	ServiceType  *string           `json:"service_type,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// cloneStringMap 复制字符串映射
func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// joinHostPort 拼接host和port
func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
