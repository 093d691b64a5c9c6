package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/pipeline"
)

// maxLineSize 是单条请求记录的最大字节数
const maxLineSize = 4 << 20

// MaxRequestTimeout 是 timeout_us 允许的最大值，更大的值按该值处理
const MaxRequestTimeout = time.Minute

// ParseOptions 控制请求记录的解析
type ParseOptions struct {
	// DefaultTimeout 用于没有 timeout_us 的请求
	DefaultTimeout time.Duration
	// Limits 是地址值的限制，超出部分被截断并记录在请求中
	Limits object.Limits
}

// JSONLSource 从 JSON Lines 文件逐行读取评估请求
//
// 每行是一个对象:
//
//	{"id": "...", "session": "...", "persistent": {...}, "ephemeral": {...}, "timeout_us": 1000}
//
// id 缺省时自动生成，persistent 和 ephemeral 至少出现一个。
type JSONLSource struct {
	reader  io.Reader
	closer  io.Closer
	name    string
	output  chan *pipeline.Request
	stats   *metrics.SourceMetrics
	opts    ParseOptions
}

// NewJSONLFileSource 打开请求文件
func NewJSONLFileSource(filename string, bufferSize int, opts ParseOptions) (*JSONLSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open request file %s: %w", filename, err)
	}
	src := NewJSONLSource(f, filename, bufferSize, opts)
	src.closer = f
	return src, nil
}

// NewJSONLSource 从任意 reader 读取请求
func NewJSONLSource(r io.Reader, name string, bufferSize int, opts ParseOptions) *JSONLSource {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &JSONLSource{
		reader:  r,
		name:    name,
		output:  make(chan *pipeline.Request, bufferSize),
		stats:   &metrics.SourceMetrics{},
		opts:    opts,
	}
}

func (s *JSONLSource) Output() <-chan *pipeline.Request {
	return s.output
}

// Stats 返回数据源计数器
func (s *JSONLSource) Stats() *metrics.SourceMetrics {
	return s.stats
}

func (s *JSONLSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	logrus.Infof("Started reading requests from: %s", s.name)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(s.output)
		if s.closer != nil {
			defer s.closer.Close()
		}

		scanner := bufio.NewScanner(s.reader)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		line := 0
		for scanner.Scan() {
			line++
			data := scanner.Bytes()
			if len(data) == 0 {
				continue
			}
			s.stats.AddBytesProcessed(uint64(len(data)))

			req, err := s.decode(data, line)
			if err != nil {
				s.stats.IncrementErrorCount()
				logrus.WithFields(logrus.Fields{
					"source": s.name,
					"line":   line,
					"error":  err.Error(),
				}).Warn("跳过无效的请求记录")
				continue
			}
			s.stats.IncrementRequestsRead()

			select {
			case s.output <- req:
			case <-ctx.Done():
				logrus.Info("Stopping request reading due to context cancellation")
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.stats.IncrementErrorCount()
			logrus.Errorf("Error reading %s: %v", s.name, err)
			return
		}
		logrus.Infof("Reached end of %s, %d lines", s.name, line)
	}()
	return nil
}

func (s *JSONLSource) decode(data []byte, line int) (*pipeline.Request, error) {
	req, err := ParseRequest(data, s.opts)
	if err != nil {
		return nil, err
	}
	req.Source = fmt.Sprintf("file:%s:%d", s.name, line)
	return req, nil
}

// ParseRequest 解析一条 JSON 编码的评估请求
//
// 地址值按 opts.Limits 截断而不是整体拒绝，截断记录在 Request.Truncations 中。
func ParseRequest(data []byte, opts ParseOptions) (*pipeline.Request, error) {
	limits := opts.Limits.WithDefaults()
	// 记录本身和地址表各占一层
	record, truncations, err := object.DecodeJSON(data, limits.MaxContainerDepth+2, 2)
	if err != nil {
		return nil, err
	}
	if !record.IsMap() {
		return nil, fmt.Errorf("record must be an object, got %s", record.Kind())
	}

	req := &pipeline.Request{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixNano(),
		Timeout:   opts.DefaultTimeout,
	}
	if v, ok := record.Find("id"); ok {
		if id, ok := v.Scalar(); ok && id != "" {
			req.ID = id
		}
	}
	if v, ok := record.Find("session"); ok {
		req.Session, _ = v.Scalar()
	}
	if v, ok := record.Find("timeout_us"); ok {
		if timeout, ok := parseTimeout(v); ok {
			req.Timeout = timeout
		}
	}
	if v, ok := record.Find("persistent"); ok {
		batch := *v
		truncations.Merge(limits.TruncateValues(&batch))
		req.Persistent = &batch
	}
	if v, ok := record.Find("ephemeral"); ok {
		batch := *v
		truncations.Merge(limits.TruncateValues(&batch))
		req.Ephemeral = &batch
	}
	if req.Persistent == nil && req.Ephemeral == nil {
		return nil, fmt.Errorf("record has neither persistent nor ephemeral data")
	}
	if len(truncations) > 0 {
		req.Truncations = truncations
	}
	return req, nil
}

// parseTimeout 将 timeout_us 转换为时长，非正数无效，超过 MaxRequestTimeout 的按最大值处理
func parseTimeout(v *object.Object) (time.Duration, bool) {
	maxUs := MaxRequestTimeout.Microseconds()
	var us int64
	switch v.Kind() {
	case object.KindSigned:
		us = v.SignedValue()
	case object.KindUnsigned:
		if v.UnsignedValue() > uint64(maxUs) {
			us = maxUs
		} else {
			us = int64(v.UnsignedValue())
		}
	case object.KindFloat:
		f := v.FloatValue()
		if math.IsNaN(f) || f <= 0 {
			return 0, false
		}
		if f > float64(maxUs) {
			us = maxUs
		} else {
			us = int64(f)
		}
	default:
		return 0, false
	}
	if us <= 0 {
		return 0, false
	}
	if us > maxUs {
		us = maxUs
	}
	return time.Duration(us) * time.Microsecond, true
}
