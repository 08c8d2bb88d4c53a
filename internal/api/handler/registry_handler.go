package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mprestonsparks/dean-orchestration/internal/model"
	"github.com/mprestonsparks/dean-orchestration/internal/registry"
)

// RegistryHandler 处理服务注册相关的HTTP请求
type RegistryHandler struct {
	registry *registry.Registry
}

// NewRegistryHandler 创建一个新的服务注册处理器
func NewRegistryHandler(reg *registry.Registry) *RegistryHandler {
	return &RegistryHandler{
		registry: reg,
	}
}

// RegisterRoutes 注册API路由
func (h *RegistryHandler) RegisterRoutes(e *echo.Echo) {
	// 服务注册
	e.POST("/registry/register", h.registerService)

	services := e.Group("/registry/services")
	services.GET("", h.listServices)                     // 服务列表
	services.GET("/:name", h.getService)                 // 服务详情
	services.DELETE("/:name", h.deregisterService)       // 服务注销
	services.POST("/:name/heartbeat", h.updateHeartbeat) // 服务心跳
	services.PATCH("/:name/metadata", h.updateMetadata)  // 元数据部分更新
}

// registerService 处理服务注册请求
func (h *RegistryHandler) registerService(c echo.Context) error {
	req := new(model.ServiceRegistration)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	stored, err := h.registry.Register(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, stored)
}

// deregisterService 处理服务注销请求
func (h *RegistryHandler) deregisterService(c echo.Context) error {
	name := c.Param("name")
	if err := h.registry.Deregister(c.Request().Context(), name); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// getService 处理服务详情查询请求
func (h *RegistryHandler) getService(c echo.Context) error {
	svc, err := h.registry.Get(c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, svc)
}

// listServices 处理服务列表查询请求
func (h *RegistryHandler) listServices(c echo.Context) error {
	services := h.registry.List(registry.ListFilter{
		ServiceType: c.QueryParam("service_type"),
		Capability:  c.QueryParam("capability"),
	})
	return c.JSON(http.StatusOK, map[string]interface{}{
		"services": services,
		"count":    len(services),
	})
}

// updateHeartbeat 处理服务心跳请求
func (h *RegistryHandler) updateHeartbeat(c echo.Context) error {
	svc, err := h.registry.Heartbeat(c.Request().Context(), c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":           svc.Name,
		"last_heartbeat": svc.LastHeartbeat,
	})
}

// updateMetadata 处理元数据部分更新请求
func (h *RegistryHandler) updateMetadata(c echo.Context) error {
	patch := new(model.MetadataPatch)
	if err := c.Bind(patch); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	svc, err := h.registry.UpdateMetadata(c.Request().Context(), c.Param("name"), *patch)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, svc)
}
