package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternalServerError = http.StatusInternalServerError // 服务器内部错误
	ErrCodeBadRequest          = http.StatusBadRequest          // 请求参数错误
	ErrCodeNotFound            = http.StatusNotFound            // 资源不存在
	ErrCodeConflict            = http.StatusConflict            // 资源冲突

	// 配置和评估相关错误
	ErrCodeConfigNotFound     = http.StatusNotFound            // 配置不存在
	ErrCodeReadOnlyConfig     = http.StatusConflict            // 配置来自规则目录，不能通过接口修改
	ErrCodeInvalidDocument    = http.StatusBadRequest          // 文档格式无效
	ErrCodeConfigRejected     = http.StatusUnprocessableEntity // 配置没有可用内容
	ErrCodeNoInstance         = http.StatusServiceUnavailable  // 没有可用的实例
	ErrCodeEvaluationRejected = http.StatusBadRequest          // 评估数据无效
)

// APIError 自定义接口错误类型
type APIError struct {
	Code    int         // HTTP 状态码
	Message string      // 错误消息
	Err     error       // 原始错误
	Data    interface{} // 附加数据（可选）
}

// Error 实现 error 接口
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError 创建新的接口错误
func NewAPIError(code int, message string, err error) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConfigNotFoundError 创建配置不存在错误
func NewConfigNotFoundError(path string) *APIError {
	return &APIError{
		Code:    ErrCodeConfigNotFound,
		Message: fmt.Sprintf("配置 %s 不存在", path),
	}
}

// NewReadOnlyConfigError 创建只读配置错误
func NewReadOnlyConfigError(path string) *APIError {
	return &APIError{
		Code:    ErrCodeReadOnlyConfig,
		Message: fmt.Sprintf("配置 %s 由规则目录管理", path),
	}
}

// NewInvalidDocumentError 创建文档格式无效错误
func NewInvalidDocumentError(err error) *APIError {
	return &APIError{
		Code:    ErrCodeInvalidDocument,
		Message: "文档格式无效",
		Err:     err,
	}
}

// NewConfigRejectedError 创建配置被拒绝错误，diagnostics 随响应返回
func NewConfigRejectedError(err error, diagnostics interface{}) *APIError {
	return &APIError{
		Code:    ErrCodeConfigRejected,
		Message: "配置加载失败",
		Err:     err,
		Data:    diagnostics,
	}
}

// NewNoInstanceError 创建没有可用实例错误
func NewNoInstanceError(err error) *APIError {
	return &APIError{
		Code:    ErrCodeNoInstance,
		Message: "没有可用的实例",
		Err:     err,
	}
}

// NewInternalServerError 创建服务器内部错误
func NewInternalServerError(err error) *APIError {
	return &APIError{
		Code:    ErrCodeInternalServerError,
		Message: "服务器内部错误",
		Err:     err,
	}
}

// HandleError 统一错误处理函数
func HandleError(c echo.Context, err error) error {
	logrus.WithFields(logrus.Fields{
		"error":      err.Error(),
		"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
		"path":       c.Request().URL.Path,
		"method":     c.Request().Method,
	}).Error("API 错误")

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		resp := Response{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Data:    apiErr.Data,
		}

		// 调试级别下返回详细错误
		if resp.Data == nil && apiErr.Err != nil && IsDebugMode() {
			resp.Data = map[string]string{
				"error_detail": apiErr.Err.Error(),
			}
		}

		return c.JSON(apiErr.Code, resp)
	}

	// 处理未知错误
	return c.JSON(http.StatusInternalServerError, Response{
		Code:    http.StatusInternalServerError,
		Message: "服务器内部错误",
	})
}

// IsDebugMode 判断是否为调试模式
func IsDebugMode() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}
