package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mprestonsparks/dean-orchestration/internal/model"
	"github.com/mprestonsparks/dean-orchestration/internal/trial"
)

// TrialHandler 处理进化试验相关的HTTP请求
type TrialHandler struct {
	coordinator *trial.Coordinator
}

// NewTrialHandler 创建一个新的试验处理器
func NewTrialHandler(coordinator *trial.Coordinator) *TrialHandler {
	return &TrialHandler{
		coordinator: coordinator,
	}
}

// RegisterRoutes 注册API路由
func (h *TrialHandler) RegisterRoutes(e *echo.Echo) {
	evolution := e.Group("/evolution")
	evolution.POST("/start", h.startTrial)            // 启动试验
	evolution.GET("/list", h.listTrials)              // 试验列表
	evolution.GET("/:trialId/status", h.trialStatus)  // 试验快照
	evolution.POST("/:trialId/cancel", h.cancelTrial) // 取消试验
}

// startTrial 处理试验启动请求
func (h *TrialHandler) startTrial(c echo.Context) error {
	req := new(model.StartTrialRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	resp, err := h.coordinator.StartTrial(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// trialStatus 返回试验的完整快照，是独立于WebSocket投递的权威数据源
func (h *TrialHandler) trialStatus(c echo.Context) error {
	snapshot, err := h.coordinator.GetTrial(c.Param("trialId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// listTrials 处理试验列表查询请求
func (h *TrialHandler) listTrials(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的limit参数"))
		}
		limit = n
	}

	trials := h.coordinator.ListTrials(model.TrialStatus(c.QueryParam("status")), limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"trials": trials,
		"count":  len(trials),
	})
}

// cancelTrial 处理试验取消请求，对终态试验返回409
func (h *TrialHandler) cancelTrial(c echo.Context) error {
	resp, err := h.coordinator.CancelTrial(c.Param("trialId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
