package api

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/haolipeng/waf_detector/pkg/config"
	"github.com/haolipeng/waf_detector/pkg/metrics"
)

// Server HTTP 服务器
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer 创建一个新的 HTTP 服务器
func NewServer(cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true

	addr := fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port)

	return &Server{
		echo: e,
		addr: addr,
	}
}

// Start 启动 HTTP 服务器
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop 停止 HTTP 服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// GetEcho 获取Echo实例
func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// RegisterWAFService 注册配置管理和评估接口
func (s *Server) RegisterWAFService(ws *WAFService) {
	s.echo.GET("/waf/configs", ws.GetConfigs)        // 列出配置路径
	s.echo.GET("/waf/configs/*", ws.GetConfig)       // 获取配置的诊断信息
	s.echo.PUT("/waf/configs/*", ws.PutConfig)       // 添加或更新配置
	s.echo.DELETE("/waf/configs/*", ws.DeleteConfig) // 删除配置
	s.echo.GET("/waf/addresses", ws.GetAddresses)    // 当前实例使用的地址
	s.echo.GET("/waf/actions", ws.GetActions)        // 当前实例可能产生的动作
	s.echo.POST("/waf/evaluate", ws.Evaluate)        // 一次性评估
}

// RegisterMetrics 注册 Prometheus 指标接口
func (s *Server) RegisterMetrics(collector *metrics.Collector) {
	if collector == nil {
		return
	}
	s.echo.GET("/metrics", echo.WrapHandler(collector.Handler()))
}
