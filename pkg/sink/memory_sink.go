package sink

import (
	"context"
	"sync"

	"github.com/haolipeng/waf_detector/pkg/pipeline"
)

// MemorySink 将评估完成的请求保存在内存中，用于测试和一次性回放
type MemorySink struct {
	results []*pipeline.Request
	ready   chan struct{}
	mu      sync.Mutex
}

func NewMemorySink() *MemorySink {
	s := &MemorySink{
		results: make([]*pipeline.Request, 0),
		ready:   make(chan struct{}),
	}
	close(s.ready)
	return s
}

func (s *MemorySink) Consume(ctx context.Context, in <-chan *pipeline.Request) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-in:
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.results = append(s.results, req)
			s.mu.Unlock()
		}
	}
}

func (s *MemorySink) Ready() <-chan struct{} {
	return s.ready
}

// Results 返回收到的请求，顺序与到达顺序一致
func (s *MemorySink) Results() []*pipeline.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pipeline.Request(nil), s.results...)
}
