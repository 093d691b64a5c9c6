package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/engine"
	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/pipeline"
	"github.com/haolipeng/waf_detector/pkg/waf"
)

// ContextFactory 创建评估上下文，通常由 manager.Manager 实现
type ContextFactory interface {
	NewContext() (*waf.Context, error)
}

// Evaluator 是流水线的规则评估阶段
//
// 带 session 的请求按会话哈希固定分配给同一个工作协程，
// 同一会话的请求按顺序在同一个上下文上评估；没有 session 的请求使用一次性上下文。
type Evaluator struct {
	workers   int
	factory   ContextFactory
	collector *metrics.Collector
	stats     *metrics.StageMetrics
}

func NewEvaluator(workers int, factory ContextFactory, collector *metrics.Collector) *Evaluator {
	return &Evaluator{
		workers:   workers,
		factory:   factory,
		collector: collector,
		stats:     &metrics.StageMetrics{},
	}
}

func (e *Evaluator) Stage() pipeline.Stage {
	return pipeline.StageEvaluation
}

func (e *Evaluator) Name() string {
	return "Evaluator"
}

func (e *Evaluator) Metrics() *metrics.StageMetrics {
	return e.stats
}

func (e *Evaluator) CheckReady() error {
	if e.workers <= 0 {
		return fmt.Errorf("invalid worker count: %d", e.workers)
	}
	if e.factory == nil {
		return fmt.Errorf("no context factory")
	}
	return nil
}

func (e *Evaluator) Process(ctx context.Context, in <-chan *pipeline.Request, wg *sync.WaitGroup) (<-chan *pipeline.Request, error) {
	if err := e.CheckReady(); err != nil {
		return nil, err
	}
	out := make(chan *pipeline.Request, 1000)

	logrus.Debugf("Starting Evaluator with %d workers", e.workers)

	queues := make([]chan *pipeline.Request, e.workers)
	var workersWG sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan *pipeline.Request, 100)
		workersWG.Add(1)
		wg.Add(1)
		go func(workerID int, queue <-chan *pipeline.Request) {
			defer wg.Done()
			defer workersWG.Done()
			e.worker(ctx, workerID, queue, out)
		}(i, queues[i])
	}

	// 分发协程: 同一会话的请求进入同一个队列
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		next := 0
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-in:
				if !ok {
					return
				}
				if req == nil {
					continue
				}
				idx := next
				if req.Session != "" {
					idx = int(xxhash.Sum64String(req.Session) % uint64(len(queues)))
				} else {
					next = (next + 1) % len(queues)
				}
				select {
				case queues[idx] <- req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// 所有工作协程退出后关闭输出
	wg.Add(1)
	go func() {
		defer wg.Done()
		workersWG.Wait()
		close(out)
	}()

	return out, nil
}

func (e *Evaluator) worker(ctx context.Context, workerID int, in <-chan *pipeline.Request, out chan<- *pipeline.Request) {
	logrus.Debugf("Evaluator worker %d started", workerID)
	sessions := make(map[string]*waf.Context)
	defer func() {
		for _, wctx := range sessions {
			wctx.Close()
		}
		logrus.Debugf("Evaluator worker %d stopped, %d sessions closed", workerID, len(sessions))
	}()

	for req := range in {
		start := time.Now()
		e.evaluate(req, sessions)
		e.stats.AddProcessingTime(time.Since(start))

		select {
		case out <- req:
		case <-ctx.Done():
			logrus.Warnf("Evaluator worker %d: context cancelled while sending request", workerID)
			return
		}
	}
}

func (e *Evaluator) evaluate(req *pipeline.Request, sessions map[string]*waf.Context) {
	e.stats.IncrementProcessed()

	wctx, oneShot, err := e.contextFor(req.Session, sessions)
	if err != nil {
		req.Err = err
		e.stats.IncrementDropped()
		logrus.WithFields(logrus.Fields{
			"request_id": req.ID,
			"error":      err.Error(),
		}).Warn("无法创建评估上下文")
		return
	}
	if oneShot {
		defer wctx.Close()
	}

	wctx.AddTruncations(req.Truncations)
	e.collector.RecordTruncations(req.Truncations)

	runStart := time.Now()
	req.Code, req.Result = wctx.Run(req.Persistent, req.Ephemeral, req.Timeout)
	elapsed := time.Since(runStart)
	if err := req.Code.Err(); err != nil {
		req.Err = err
		e.stats.IncrementDropped()
		if req.Code == waf.ErrInternal && !oneShot {
			// 上下文已不可用，下次请求重新创建
			wctx.Close()
			delete(sessions, req.Session)
		}
	}

	actionTypes := req.Result.ActionTypes()
	if req.Result != nil {
		e.collector.RecordRun(req.Code.String(), elapsed, len(req.Result.Events), actionTypes, req.Result.Timeout)
	} else {
		e.collector.RecordRun(req.Code.String(), elapsed, 0, nil, false)
	}

	if req.Matched() {
		e.stats.IncrementMatched()
	}
	for _, t := range actionTypes {
		if t == engine.ActionBlockRequest || t == engine.ActionRedirectRequest {
			e.stats.IncrementBlocked()
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"request_id": req.ID,
		"session":    req.Session,
		"code":       req.Code.String(),
	}).Debug("请求评估完成")
}

// contextFor 返回请求使用的上下文，oneShot 为 true 时调用方负责关闭
func (e *Evaluator) contextFor(session string, sessions map[string]*waf.Context) (*waf.Context, bool, error) {
	if session == "" {
		wctx, err := e.factory.NewContext()
		return wctx, true, err
	}
	if wctx, ok := sessions[session]; ok {
		return wctx, false, nil
	}
	wctx, err := e.factory.NewContext()
	if err != nil {
		return nil, false, err
	}
	sessions[session] = wctx
	return wctx, false, nil
}
