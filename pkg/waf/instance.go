package waf

import (
	"fmt"
	"sync/atomic"

	"github.com/haolipeng/waf_detector/pkg/engine"
	"github.com/haolipeng/waf_detector/pkg/log"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
	"github.com/haolipeng/waf_detector/pkg/types"
)

// Instance 是编译后的不可变规则集，可以被多个 goroutine 共享
//
// 实例使用引用计数，创建者持有一个引用，每个上下文持有一个引用。
// 创建者调用 Close 后不能再创建新的上下文，但已有上下文可以继续使用，
// 最后一个引用释放时实例才被销毁。
type Instance struct {
	engine     atomic.Pointer[engine.Engine]
	config     Config
	refCounter atomic.Int32
	closed     atomic.Bool // 创建者已经调用过 Close
}

func newInstance(eng *engine.Engine, cfg Config) *Instance {
	inst := &Instance{config: cfg}
	inst.engine.Store(eng)
	inst.refCounter.Store(1)
	return inst
}

// NewInstance 解析并编译配置文档，失败时仍然返回诊断信息
func NewInstance(doc *object.Object, cfg Config) (*Instance, ruleset.Diagnostics, error) {
	frag, diag, err := ruleset.Parse(doc, parseOptions())
	if err != nil {
		return nil, diag, err
	}
	if diag.LoadedCount() == 0 {
		return nil, diag, fmt.Errorf("%w: %v", types.ErrEmptyRuleset, diag.Err())
	}

	eng, err := engine.Compile(ruleset.Merge(frag), cfg.engineConfig())
	if err != nil {
		return nil, diag, err
	}
	log.Infof("instance created, ruleset version %q, %d rules", eng.Version(), eng.RuleCount())
	return newInstance(eng, cfg), diag, nil
}

// Close 释放创建者持有的引用
func (inst *Instance) Close() {
	if inst.closed.Swap(true) {
		return
	}
	inst.release()
}

func (inst *Instance) release() {
	if inst.addRefCounter(-1) != 0 {
		// 仍有上下文在使用，或者已经销毁过
		return
	}
	inst.engine.Store(nil)
	log.Debugf("instance destroyed")
}

// retain 增加引用计数，实例已不可用时返回 false
func (inst *Instance) retain() bool {
	return inst.addRefCounter(1) > 0
}

// addRefCounter 修改引用计数:
// 结果 > 0 表示实例仍可用，== 0 表示本次调用使计数归零，== -1 表示之前已经归零
func (inst *Instance) addRefCounter(x int32) int32 {
	for {
		current := inst.refCounter.Load()
		if current <= 0 {
			return -1
		}
		next := current + x
		if inst.refCounter.CompareAndSwap(current, next) {
			if next < 0 {
				return 0
			}
			return next
		}
	}
}

// KnownAddresses 返回规则集使用的根地址，实例销毁后返回 nil
func (inst *Instance) KnownAddresses() []string {
	eng := inst.engine.Load()
	if eng == nil {
		return nil
	}
	return eng.Addresses()
}

// KnownActions 返回规则集可能产生的动作类型，实例销毁后返回 nil
func (inst *Instance) KnownActions() []string {
	eng := inst.engine.Load()
	if eng == nil {
		return nil
	}
	return eng.ActionTypes()
}

// Version 返回规则集版本
func (inst *Instance) Version() string {
	eng := inst.engine.Load()
	if eng == nil {
		return ""
	}
	return eng.Version()
}

// RuleCount 返回编译后的规则数
func (inst *Instance) RuleCount() int {
	eng := inst.engine.Load()
	if eng == nil {
		return 0
	}
	return eng.RuleCount()
}

// Limits 返回实例使用的数据限制
func (inst *Instance) Limits() object.Limits {
	return inst.config.Limits.WithDefaults()
}

// NewContext 创建绑定到该实例的评估上下文
func (inst *Instance) NewContext() (*Context, error) {
	if inst.closed.Load() || !inst.retain() {
		return nil, types.ErrInstanceReleased
	}
	eng := inst.engine.Load()
	if eng == nil {
		inst.release()
		return nil, types.ErrInstanceReleased
	}
	return newContext(inst, eng), nil
}
