package waf

import (
	"fmt"
	"time"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/types"
)

// ReturnCode 是一次评估调用的返回码
type ReturnCode int

const (
	ErrInternal        ReturnCode = -3
	ErrInvalidObject   ReturnCode = -2
	ErrInvalidArgument ReturnCode = -1
	OK                 ReturnCode = 0
	Match              ReturnCode = 1
)

func (rc ReturnCode) String() string {
	switch rc {
	case ErrInternal:
		return "ERR_INTERNAL"
	case ErrInvalidObject:
		return "ERR_INVALID_OBJECT"
	case ErrInvalidArgument:
		return "ERR_INVALID_ARGUMENT"
	case OK:
		return "OK"
	case Match:
		return "MATCH"
	}
	return fmt.Sprintf("ReturnCode(%d)", int(rc))
}

// Err 将错误返回码转换成 error，OK 和 MATCH 返回 nil
func (rc ReturnCode) Err() error {
	switch rc {
	case ErrInternal:
		return types.ErrInternal
	case ErrInvalidObject:
		return types.ErrInvalidObject
	case ErrInvalidArgument:
		return types.ErrInvalidArgument
	}
	return nil
}

// 单次调用耗时的组成部分
const (
	TimingEncode   = "encode"   // 校验并合并输入
	TimingDuration = "duration" // 执行规则
	TimingDecode   = "decode"   // 生成结果
)

// Result 是 OK/MATCH 时返回的评估结果，归调用者所有
type Result struct {
	Events     []object.Object
	Actions    object.Object // 动作类型 -> 参数
	Attributes object.Object // 派生属性
	Duration   time.Duration // 上下文累计的评估耗时
	Timeout    bool
	Keep       bool
	// Timings 是本次调用各阶段的耗时，预算用完时为空
	Timings map[string]time.Duration
}

// HasEvents 判断是否产生了事件
func (r *Result) HasEvents() bool {
	return r != nil && len(r.Events) > 0
}

// HasActions 判断是否产生了动作
func (r *Result) HasActions() bool {
	return r != nil && r.Actions.Size() > 0
}

// ActionTypes 返回结果中的动作类型
func (r *Result) ActionTypes() []string {
	if r == nil {
		return nil
	}
	var out []string
	for i := 0; i < r.Actions.Size(); i++ {
		action, _ := r.Actions.Index(i)
		if t, ok := action.Key(); ok {
			out = append(out, t)
		}
	}
	return out
}

// ToObject 渲染成 {events, actions, attributes, duration, timeout, keep, timings}
func (r *Result) ToObject() object.Object {
	out := object.Map()
	events := object.Array()
	for _, e := range r.Events {
		events.ArrayAdd(e)
	}
	out.MapAdd("events", events)
	out.MapAdd("actions", mapOrEmpty(r.Actions))
	out.MapAdd("attributes", mapOrEmpty(r.Attributes))
	out.MapAdd("duration", object.Unsigned(uint64(r.Duration.Nanoseconds())))
	out.MapAdd("timeout", object.Bool(r.Timeout))
	out.MapAdd("keep", object.Bool(r.Keep))
	timings := object.Map()
	for _, key := range []string{TimingEncode, TimingDuration, TimingDecode} {
		if d, ok := r.Timings[key]; ok {
			timings.MapAdd(key, object.Unsigned(uint64(d.Nanoseconds())))
		}
	}
	out.MapAdd("timings", timings)
	return out
}

func mapOrEmpty(o object.Object) object.Object {
	if !o.IsMap() {
		return object.Map()
	}
	return o
}
