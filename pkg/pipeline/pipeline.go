package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/types"
)

type pipeline struct {
	source     Source
	processors []Processor
	sink       Sink
	running    bool
	mu         sync.Mutex
	errChan    chan error
	status     string
	startTime  time.Time
	cancel     context.CancelFunc
	sinkDone   chan struct{}
	wg         sync.WaitGroup // 用于跟踪所有goroutine
}

func NewPipeline() Pipeline {
	return &pipeline{
		processors: make([]Processor, 0),
		errChan:    make(chan error, 1),
		status:     "initialized",
	}
}

func (p *pipeline) AddProcessor(processor Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("cannot add processor while pipeline is running")
	}

	p.processors = append(p.processors, processor)
	// 按Stage排序处理器
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Stage() < p.processors[j].Stage()
	})

	return nil
}

func (p *pipeline) SetSource(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

func (p *pipeline) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *pipeline) Start(parent context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("pipeline already running"))
	}
	if p.source == nil || p.sink == nil {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("source and sink are required"))
	}

	ctx, cancel := context.WithCancel(parent)
	p.wg = sync.WaitGroup{}
	p.running = true
	p.startTime = time.Now()
	p.status = "starting"
	p.cancel = cancel
	p.errChan = make(chan error, 100)
	p.sinkDone = make(chan struct{})
	errChan := p.errChan
	p.mu.Unlock()

	logrus.Info("Starting pipeline")

	// 1. 首先检查所有处理器是否就绪
	for _, proc := range p.processors {
		if err := proc.CheckReady(); err != nil {
			logrus.Errorf("Processor %s not ready: %v", proc.Name(), err)
			p.abort()
			return types.NewPipelineError("start", fmt.Errorf("processor %s not ready: %w", proc.Name(), err))
		}
	}

	// 启动错误处理goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.handleErrors(ctx, errChan)
	}()

	// 2. 前一个stage阶段处理器的处理结果直接传递给下一个stage阶段的处理器
	input := p.source.Output()
	for _, proc := range p.processors {
		logrus.Debugf("Starting processor %s at stage %v", proc.Name(), proc.Stage())
		out, err := proc.Process(ctx, input, &p.wg)
		if err != nil {
			logrus.Errorf("Failed to start processor %s: %v", proc.Name(), err)
			p.abort()
			return types.NewPipelineError("start", fmt.Errorf("failed to start processor %s: %w", proc.Name(), err))
		}
		input = out
	}
	logrus.Info("All processors have started successfully")

	// 3. 处理器就绪后，再启动sink
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.sinkDone)
		if err := p.sink.Consume(ctx, input); err != nil {
			logrus.Errorf("Sink error: %v", err)
			select {
			case errChan <- fmt.Errorf("sink error: %w", err):
			default:
			}
		}
	}()

	// 4. 等待sink就绪
	select {
	case <-p.sink.Ready():
		logrus.Debug("Sink is ready")
	case <-time.After(5 * time.Second):
		p.abort()
		return types.NewPipelineError("start", fmt.Errorf("timeout waiting for sink to be ready"))
	}

	// 5. 最后启动数据源，开始数据流转
	if err := p.source.Start(ctx, &p.wg); err != nil {
		logrus.Errorf("Failed to start source: %v", err)
		p.abort()
		return types.NewPipelineError("start", fmt.Errorf("failed to start source: %w", err))
	}

	p.mu.Lock()
	p.status = "running"
	p.mu.Unlock()
	logrus.Info("Pipeline is now running")
	return nil
}

// abort 在启动失败时取消已经启动的goroutine
func (p *pipeline) abort() {
	p.mu.Lock()
	cancel := p.cancel
	p.running = false
	p.status = "failed"
	p.mu.Unlock()
	cancel()
}

func (p *pipeline) Wait() {
	p.mu.Lock()
	done := p.sinkDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.status = "stopping"
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	logrus.Info("Pipeline stopping...")
	cancel()

	// 等待所有处理器完成
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("All processors completed gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Timeout waiting for processors to complete")
	}

	// 清理处理器资源
	for _, processor := range p.processors {
		if cleaner, ok := processor.(interface{ Cleanup() error }); ok {
			if err := cleaner.Cleanup(); err != nil {
				logrus.Errorf("Error cleaning up processor %s: %v", processor.Name(), err)
			}
		}
	}

	p.mu.Lock()
	p.status = "stopped"
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields(p.GetStats())).Info("Pipeline stopped and cleaned up")
	return nil
}

func (p *pipeline) handleErrors(ctx context.Context, errChan <-chan error) {
	logrus.Debug("Starting error handler")
	for {
		select {
		case err := <-errChan:
			logrus.Errorf("Pipeline error: %v", err)
		case <-ctx.Done():
			logrus.Debug("Context cancelled, stopping error handler")
			return
		}
	}
}

// GetStats 返回流水线运行状态
func (p *pipeline) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := map[string]interface{}{
		"status":     p.status,
		"uptime":     time.Since(p.startTime).String(),
		"processors": len(p.processors),
	}
	for _, proc := range p.processors {
		stats[proc.Name()] = proc.Metrics().GetStats()
	}
	return stats
}

// GetMetrics 返回各处理器的计数器
func (p *pipeline) GetMetrics() map[string]*metrics.StageMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]*metrics.StageMetrics, len(p.processors))
	for _, proc := range p.processors {
		out[proc.Name()] = proc.Metrics()
	}
	return out
}

func (p *pipeline) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
