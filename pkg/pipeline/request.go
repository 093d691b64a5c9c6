package pipeline

import (
	"time"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/waf"
)

// Stage 表示处理阶段
type Stage int

const (
	StageEvaluation Stage = iota + 1 // 规则评估
)

// Request 是在流水线中流转的一次评估请求
type Request struct {
	ID        string
	Session   string // 同一会话的请求共享持久数据
	Timestamp int64
	Source    string // 来源，如 "file:requests.jsonl:12"

	Persistent *object.Object
	Ephemeral  *object.Object
	Timeout    time.Duration

	// 解析时对地址值做的截断
	Truncations object.Truncations

	// 评估结果
	Code   waf.ReturnCode
	Result *waf.Result
	Err    error
}

// Matched 判断请求是否产生了事件
func (r *Request) Matched() bool {
	return r.Code == waf.Match && r.Result.HasEvents()
}
