package apierr

import (
	"errors"
	"net/http"
)

// 定义错误代码
const (
	// ErrValidation 请求参数无效
	ErrValidation = iota + 1
	// ErrNotFound 资源不存在
	ErrNotFound
	// ErrConflict 操作与当前状态冲突
	ErrConflict
	// ErrServiceUnavailable 依赖服务不可用（熔断器打开或等待窗口耗尽）
	ErrServiceUnavailable
	// ErrInternal 内部错误
	ErrInternal
)

// Error 定义编排层操作可能返回的错误类型
type Error struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus 返回错误对应的HTTP状态码
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewValidationError 创建参数无效错误
func NewValidationError(message string) *Error {
	return &Error{
		Code:    ErrValidation,
		Message: message,
	}
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *Error {
	return &Error{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewConflictError 创建状态冲突错误
func NewConflictError(message string) *Error {
	return &Error{
		Code:    ErrConflict,
		Message: message,
	}
}

// NewServiceUnavailableError 创建服务不可用错误
func NewServiceUnavailableError(message string) *Error {
	return &Error{
		Code:    ErrServiceUnavailable,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *Error {
	return &Error{
		Code:    ErrInternal,
		Message: message,
	}
}

// IsCode 判断err（或其包装链中的任意一层）是否为指定代码的编排层错误
func IsCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// FromError 提取err包装链中的编排层错误，不存在时返回nil
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
