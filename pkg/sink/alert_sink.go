package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/pipeline"
)

const defaultMaxFileSize = 50 * 1024 * 1024

// Options 是告警输出的配置
type Options struct {
	// Filename 为空时不写文件
	Filename    string
	MaxFileSize int64
	FileMode    os.FileMode
	// Endpoint 为空时不上报
	Endpoint string
	Timeout  time.Duration
	// All 为 true 时输出所有请求，否则只输出产生事件或失败的请求
	All bool
}

// AlertSink 将评估结果以 JSON Lines 写入文件，并可选地 POST 到告警服务
type AlertSink struct {
	opts        Options
	client      *http.Client
	file        *os.File
	curFileName string
	currentSize int64
	fileIndex   int
	stats       *metrics.SinkMetrics
	mu          sync.Mutex
	ready       chan struct{}
}

// Alert 是一条告警记录
type Alert struct {
	AlertID    string          `json:"alert_id"`
	AlertTime  time.Time       `json:"alert_time"`
	RequestID  string          `json:"request_id"`
	Session    string          `json:"session,omitempty"`
	Source     string          `json:"source,omitempty"`
	Code       string          `json:"code"`
	Error      string          `json:"error,omitempty"`
	Events     []object.Object `json:"events,omitempty"`
	Actions    *object.Object  `json:"actions,omitempty"`
	Attributes *object.Object  `json:"attributes,omitempty"`
	Timeout    bool            `json:"timeout"`
	DurationNs int64           `json:"duration_ns"`

	// 输入在编码时被截断的原因和原始大小
	Truncations map[string][]int `json:"truncations,omitempty"`
}

func NewAlertSink(opts Options) (*AlertSink, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0644
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	s := &AlertSink{
		opts:      opts,
		client:    &http.Client{Timeout: opts.Timeout},
		fileIndex: 1,
		stats:     &metrics.SinkMetrics{},
		ready:     make(chan struct{}),
	}
	if opts.Filename != "" {
		if err := s.openFile(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// openFile 打开告警文件，已存在时继续追加；超过大小限制后按序号切换到新文件
func (s *AlertSink) openFile() error {
	filename := s.opts.Filename
	if s.fileIndex > 1 {
		ext := filepath.Ext(filename)
		filename = fmt.Sprintf("%s_%s_%d%s", strings.TrimSuffix(filename, ext),
			time.Now().Format("20060102_150405"), s.fileIndex, ext)
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, s.opts.FileMode)
	if err != nil {
		logrus.Errorf("Failed to create alert file: %v", err)
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			logrus.Errorf("Failed to close previous alert file: %v", err)
		}
	}
	s.file = f
	s.curFileName = filename
	s.currentSize = info.Size()
	s.fileIndex++

	logrus.Infof("Writing alerts to %s", filename)
	return nil
}

// Stats 返回输出端计数器
func (s *AlertSink) Stats() *metrics.SinkMetrics {
	return s.stats
}

func (s *AlertSink) Consume(ctx context.Context, in <-chan *pipeline.Request) error {
	logrus.Info("Starting alert sink consumer")
	// 在程序结束时统一关闭文件
	defer func() {
		s.mu.Lock()
		if s.file != nil {
			if err := s.file.Close(); err != nil {
				logrus.Errorf("Failed to close alert file: %v", err)
			}
			s.file = nil
		}
		s.mu.Unlock()
		logrus.Info("Alert sink consumer stopped")
	}()

	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Alert sink received context cancellation")
			return nil
		case req, ok := <-in:
			if !ok {
				logrus.Debug("Alert sink input channel closed")
				return nil
			}
			if err := s.Write(ctx, req); err != nil {
				logrus.Errorf("Failed to write alert: %v", err)
			}
		}
	}
}

func (s *AlertSink) Ready() <-chan struct{} {
	return s.ready
}

// Write 输出一个请求的评估结果，不需要输出的请求直接忽略
func (s *AlertSink) Write(ctx context.Context, req *pipeline.Request) error {
	if !s.opts.All && !req.Matched() && req.Err == nil {
		return nil
	}

	alert := NewAlert(req)
	data, err := encodeAlert(alert)
	if err != nil {
		s.stats.IncrementWriteErrors()
		return fmt.Errorf("marshal alert: %w", err)
	}

	if req.Matched() {
		logrus.WithFields(logrus.Fields{
			"alert_id":   alert.AlertID,
			"request_id": alert.RequestID,
			"events":     len(alert.Events),
		}).Warn("告警信息")
	}

	if err := s.writeLine(data); err != nil {
		s.stats.IncrementWriteErrors()
		return err
	}
	if s.opts.Endpoint != "" && req.Matched() {
		if err := s.post(ctx, data); err != nil {
			s.stats.IncrementWriteErrors()
			return err
		}
		s.stats.IncrementSent()
	}
	return nil
}

func (s *AlertSink) writeLine(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if s.currentSize >= s.opts.MaxFileSize {
		if err := s.openFile(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(append(data, '\n'))
	s.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("write alert to %s: %w", s.curFileName, err)
	}
	s.stats.IncrementWritten()
	return nil
}

func (s *AlertSink) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alert server returned status code %d", resp.StatusCode)
	}
	logrus.Debugf("Alert successfully sent to %s", s.opts.Endpoint)
	return nil
}

// NewAlert 根据请求的评估结果生成告警记录
func NewAlert(req *pipeline.Request) *Alert {
	alert := &Alert{
		AlertID:   uuid.NewString(),
		AlertTime: time.Now(),
		RequestID: req.ID,
		Session:   req.Session,
		Source:    req.Source,
		Code:      req.Code.String(),
	}
	if req.Err != nil {
		alert.Error = req.Err.Error()
	}
	if len(req.Truncations) > 0 {
		alert.Truncations = req.Truncations.ByName()
	}
	if res := req.Result; res != nil {
		alert.Events = res.Events
		if res.Actions.Size() > 0 {
			alert.Actions = &res.Actions
		}
		if res.Attributes.Size() > 0 {
			alert.Attributes = &res.Attributes
		}
		alert.Timeout = res.Timeout
		alert.DurationNs = res.Duration.Nanoseconds()
	}
	return alert
}

// encodeAlert 编码一条告警，保留载荷中的 HTML 字符
func encodeAlert(alert *Alert) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(alert); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
