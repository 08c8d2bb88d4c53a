package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mprestonsparks/dean-orchestration/internal/apierr"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

// errorResponse 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// writeError 把编排层错误映射为HTTP响应：
// 校验错误400、未找到404、冲突409、服务不可用503，其余一律500
func writeError(c echo.Context, err error) error {
	if e := apierr.FromError(err); e != nil {
		return c.JSON(e.HTTPStatus(), errorResponse(e.HTTPStatus(), e.Message))
	}
	return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
}
