package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mprestonsparks/dean-orchestration/internal/registry"
	"github.com/mprestonsparks/dean-orchestration/internal/trial"
)

// startTime 进程启动时间，用于上报uptime
var startTime = time.Now()

// HealthResponse 编排服务自身的健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	registry    *registry.Registry
	coordinator *trial.Coordinator
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(reg *registry.Registry, coordinator *trial.Coordinator) *HealthHandler {
	return &HealthHandler{
		registry:    reg,
		coordinator: coordinator,
	}
}

// RegisterRoutes 注册健康检查路由
func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.healthCheck)
}

// healthCheck 健康检查处理函数
func (h *HealthHandler) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"uptime":              time.Since(startTime).String(),
			"goroutines":          runtime.NumGoroutine(),
			"registered_services": len(h.registry.List(registry.ListFilter{})),
			"active_trials":       len(h.coordinator.ListTrials("", 0)),
		},
	})
}
