package metrics

import (
	"sync/atomic"
	"time"
)

// StageMetrics 是流水线单个阶段的计数器
type StageMetrics struct {
	Processed      uint64
	Dropped        uint64
	Matched        uint64 // 产生事件的请求数
	Blocked        uint64 // 产生阻断动作的请求数
	ProcessingTime uint64 // 纳秒
}

func (m *StageMetrics) IncrementProcessed() {
	atomic.AddUint64(&m.Processed, 1)
}

func (m *StageMetrics) IncrementDropped() {
	atomic.AddUint64(&m.Dropped, 1)
}

func (m *StageMetrics) IncrementMatched() {
	atomic.AddUint64(&m.Matched, 1)
}

func (m *StageMetrics) IncrementBlocked() {
	atomic.AddUint64(&m.Blocked, 1)
}

func (m *StageMetrics) AddProcessingTime(duration time.Duration) {
	atomic.AddUint64(&m.ProcessingTime, uint64(duration.Nanoseconds()))
}

// GetStats 返回计数器快照
func (m *StageMetrics) GetStats() map[string]interface{} {
	processed := atomic.LoadUint64(&m.Processed)
	return map[string]interface{}{
		"processed":       processed,
		"dropped":         atomic.LoadUint64(&m.Dropped),
		"matched":         atomic.LoadUint64(&m.Matched),
		"blocked":         atomic.LoadUint64(&m.Blocked),
		"processing_time": atomic.LoadUint64(&m.ProcessingTime),
		"avg_process_time": float64(atomic.LoadUint64(&m.ProcessingTime)) /
			float64(processed+1),
	}
}

// SourceMetrics 是数据源的计数器
type SourceMetrics struct {
	RequestsRead   uint64
	BytesProcessed uint64
	ErrorCount     uint64
}

func (m *SourceMetrics) IncrementRequestsRead() {
	atomic.AddUint64(&m.RequestsRead, 1)
}

func (m *SourceMetrics) AddBytesProcessed(bytes uint64) {
	atomic.AddUint64(&m.BytesProcessed, bytes)
}

func (m *SourceMetrics) IncrementErrorCount() {
	atomic.AddUint64(&m.ErrorCount, 1)
}

// SinkMetrics 是输出端的计数器
type SinkMetrics struct {
	AlertsWritten uint64
	AlertsSent    uint64
	WriteErrors   uint64
}

func (m *SinkMetrics) IncrementWritten() {
	atomic.AddUint64(&m.AlertsWritten, 1)
}

func (m *SinkMetrics) IncrementSent() {
	atomic.AddUint64(&m.AlertsSent, 1)
}

func (m *SinkMetrics) IncrementWriteErrors() {
	atomic.AddUint64(&m.WriteErrors, 1)
}
