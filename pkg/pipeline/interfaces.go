package pipeline

import (
	"context"
	"sync"

	"github.com/haolipeng/waf_detector/pkg/metrics"
)

// Source 定义请求数据源接口
type Source interface {
	// Start 启动数据源，读取结束或 ctx 取消后关闭输出 channel
	Start(ctx context.Context, wg *sync.WaitGroup) error
	// Output 返回请求输出channel
	Output() <-chan *Request
}

// Processor 定义请求处理器接口
type Processor interface {
	// Process 处理请求
	Process(ctx context.Context, in <-chan *Request, wg *sync.WaitGroup) (<-chan *Request, error)
	// Stage 返回处理器所属阶段
	Stage() Stage
	// Name 返回处理器的名称
	Name() string
	// CheckReady 检查处理器是否就绪
	CheckReady() error
	// Metrics 返回处理器的计数器
	Metrics() *metrics.StageMetrics
}

// Sink 定义处理结果输出接口
type Sink interface {
	// Consume 消费处理后的请求
	Consume(ctx context.Context, in <-chan *Request) error
	// Ready 返回就绪信号channel
	Ready() <-chan struct{}
}

// Pipeline 定义处理流水线接口
type Pipeline interface {
	// AddProcessor 添加处理器
	AddProcessor(processor Processor) error
	// SetSource 设置数据源
	SetSource(source Source)
	// SetSink 设置数据输出
	SetSink(sink Sink)
	// Start 启动流水线
	Start(ctx context.Context) error
	// Wait 等待数据源耗尽并且所有请求处理完成
	Wait()
	// Stop 停止流水线
	Stop() error
	// GetMetrics 获取处理器指标
	GetMetrics() map[string]*metrics.StageMetrics
	// Status 返回流水线状态
	Status() string
	// GetStats 返回流水线运行状态快照
	GetStats() map[string]interface{}
}
