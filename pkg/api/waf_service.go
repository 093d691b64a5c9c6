package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/manager"
	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/source"
	"github.com/haolipeng/waf_detector/pkg/types"
	"github.com/haolipeng/waf_detector/pkg/waf"
)

// maxBodySize 是配置文档和评估请求的最大字节数
const maxBodySize = 8 << 20

// 响应结构体
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// WAFService 提供配置管理和一次性评估接口
type WAFService struct {
	manager   *manager.Manager
	collector *metrics.Collector
	timeout   time.Duration
}

// NewWAFService 创建服务，timeout 是评估请求未指定 timeout_us 时使用的超时
func NewWAFService(m *manager.Manager, collector *metrics.Collector, timeout time.Duration) *WAFService {
	return &WAFService{
		manager:   m,
		collector: collector,
		timeout:   timeout,
	}
}

// GetConfigs 列出配置路径，filter 为路径正则
func (ws *WAFService) GetConfigs(c echo.Context) error {
	filter := c.QueryParam("filter")
	paths, err := ws.manager.ConfigPaths(filter)
	if err != nil {
		return HandleError(c, NewAPIError(ErrCodeBadRequest, "过滤条件无效", err))
	}
	if paths == nil {
		paths = []string{}
	}

	logrus.WithFields(logrus.Fields{
		"filter":    filter,
		"count":     len(paths),
		"operation": "list_configs",
	}).Debug("获取配置列表")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取配置列表成功",
		Data: map[string]interface{}{
			"paths": paths,
			"count": len(paths),
		},
	})
}

// GetConfig 返回配置最近一次加载的诊断信息
func (ws *WAFService) GetConfig(c echo.Context) error {
	path := c.Param("*")
	diag, ok := ws.manager.Diagnostics(path)
	if !ok {
		return HandleError(c, NewConfigNotFoundError(path))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取配置成功",
		Data:    diag.ToObject(),
	})
}

// PutConfig 添加或更新配置，请求体为 JSON 或 YAML 文档
func (ws *WAFService) PutConfig(c echo.Context) error {
	path := c.Param("*")
	if err := checkWritablePath(path); err != nil {
		return HandleError(c, err)
	}

	body, err := readBody(c)
	if err != nil {
		return HandleError(c, NewInvalidDocumentError(err))
	}
	doc, err := decodeDocument(c.Request().Header.Get(echo.HeaderContentType), body)
	if err != nil {
		return HandleError(c, NewInvalidDocumentError(err))
	}

	diag, err := ws.manager.Update(path, &doc)
	if err != nil {
		if errors.Is(err, types.ErrUpdateFailed) || errors.Is(err, types.ErrEmptyRuleset) {
			return HandleError(c, NewConfigRejectedError(err, diag.ToObject()))
		}
		return HandleError(c, NewInternalServerError(err))
	}

	logrus.WithFields(logrus.Fields{
		"path":      path,
		"loaded":    diag.LoadedCount(),
		"operation": "update",
	}).Info("配置更新成功")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "更新配置成功",
		Data:    diag.ToObject(),
	})
}

// DeleteConfig 删除通过接口提交的配置
func (ws *WAFService) DeleteConfig(c echo.Context) error {
	path := c.Param("*")
	if err := checkWritablePath(path); err != nil {
		return HandleError(c, err)
	}

	removed, err := ws.manager.Remove(path)
	if !removed {
		return HandleError(c, NewConfigNotFoundError(path))
	}
	// 删除最后一份配置后没有实例可用，不视为失败
	if err != nil && !errors.Is(err, types.ErrEmptyRuleset) {
		return HandleError(c, NewInternalServerError(err))
	}

	logrus.WithFields(logrus.Fields{
		"path":      path,
		"operation": "delete",
	}).Info("配置已删除")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "删除配置成功",
	})
}

// GetAddresses 返回当前实例使用的地址
func (ws *WAFService) GetAddresses(c echo.Context) error {
	addresses := ws.manager.KnownAddresses()
	if addresses == nil {
		addresses = []string{}
	}
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取地址成功",
		Data:    addresses,
	})
}

// GetActions 返回当前实例可能产生的动作类型
func (ws *WAFService) GetActions(c echo.Context) error {
	actions := ws.manager.KnownActions()
	if actions == nil {
		actions = []string{}
	}
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取动作成功",
		Data:    actions,
	})
}

// Evaluate 在一次性上下文中评估请求体中的数据
//
// 请求体: {"persistent": {...}, "ephemeral": {...}, "timeout_us": 1000}
func (ws *WAFService) Evaluate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return HandleError(c, NewInvalidDocumentError(err))
	}

	wctx, err := ws.manager.NewContext()
	if err != nil {
		return HandleError(c, NewNoInstanceError(err))
	}
	defer wctx.Close()

	// 按当前实例的限制截断请求
	req, err := source.ParseRequest(body, source.ParseOptions{
		DefaultTimeout: ws.timeout,
		Limits:         wctx.Limits(),
	})
	if err != nil {
		return HandleError(c, NewInvalidDocumentError(err))
	}
	wctx.AddTruncations(req.Truncations)
	ws.collector.RecordTruncations(req.Truncations)

	start := time.Now()
	rc, res := wctx.Run(req.Persistent, req.Ephemeral, req.Timeout)
	elapsed := time.Since(start)

	if res != nil {
		ws.collector.RecordRun(rc.String(), elapsed, len(res.Events), res.ActionTypes(), res.Timeout)
	} else {
		ws.collector.RecordRun(rc.String(), elapsed, 0, nil, false)
	}

	if err := rc.Err(); err != nil {
		code := ErrCodeEvaluationRejected
		if rc == waf.ErrInternal {
			code = ErrCodeInternalServerError
		}
		return HandleError(c, NewAPIError(code, "评估失败", fmt.Errorf("%s: %w", rc, err)))
	}

	if res.HasEvents() {
		logrus.WithFields(logrus.Fields{
			"request_id": req.ID,
			"events":     len(res.Events),
			"actions":    res.ActionTypes(),
		}).Warn("告警信息")
	}

	data := map[string]interface{}{
		"request_id": req.ID,
		"code":       rc.String(),
		"result":     res.ToObject(),
	}
	if truncations := wctx.Truncations(); len(truncations) > 0 {
		data["truncations"] = truncations.ByName()
	}
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "评估完成",
		Data:    data,
	})
}

// checkWritablePath 检查配置路径是否允许通过接口修改
func checkWritablePath(path string) error {
	if path == "" {
		return NewAPIError(ErrCodeBadRequest, "配置路径不能为空", types.ErrEmptyPath)
	}
	if strings.HasPrefix(path, manager.FilePathPrefix) || path == waf.DefaultRulesetPath {
		return NewReadOnlyConfigError(path)
	}
	return nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodySize)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("request body is empty")
	}
	return body, nil
}

// decodeDocument 按内容类型解析文档，YAML 之外都按 JSON 解析
func decodeDocument(contentType string, body []byte) (object.Object, error) {
	if strings.Contains(contentType, "yaml") {
		return object.FromYAML(body)
	}
	return object.FromJSON(body)
}
