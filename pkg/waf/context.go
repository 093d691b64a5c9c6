package waf

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haolipeng/waf_detector/pkg/engine"
	"github.com/haolipeng/waf_detector/pkg/log"
	"github.com/haolipeng/waf_detector/pkg/object"
)

// addressKind 记录地址第一次出现时的类型，之后不再改变
type addressKind uint8

const (
	kindPersistent addressKind = iota + 1
	kindEphemeral
)

// Context 是绑定到一个实例的评估上下文
//
// Context 不可重入，同一时刻只能有一个 Run 调用，内部的互斥锁保证误用时
// 调用被串行化而不会破坏状态。
type Context struct {
	mutex sync.Mutex

	id       string
	instance *Instance
	engine   *engine.Engine
	state    *engine.State
	limits   object.Limits
	freeFn   object.ReleaseFunc

	kinds      map[string]addressKind
	persistent map[string]*object.Object
	ephemeral  map[string]*object.Object
	// 本次调用结束时需要释放的值
	pending []*object.Object

	duration    time.Duration
	budget      time.Duration
	truncations object.Truncations
	closed      bool
	poisoned    bool
}

func newContext(inst *Instance, eng *engine.Engine) *Context {
	return &Context{
		id:         uuid.NewString(),
		instance:   inst,
		engine:     eng,
		state:      engine.NewState(),
		limits:     inst.config.Limits.WithDefaults(),
		freeFn:     inst.config.FreeFn,
		budget:     inst.config.ContextBudget,
		kinds:      make(map[string]addressKind),
		persistent: make(map[string]*object.Object),
		ephemeral:  make(map[string]*object.Object),
	}
}

// ID 返回上下文的唯一标识
func (c *Context) ID() string {
	return c.id
}

// TotalRuntime 返回所有评估调用累计耗时
func (c *Context) TotalRuntime() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.duration
}

// Limits 返回上下文接受的地址值限制
func (c *Context) Limits() object.Limits {
	return c.limits
}

// AddTruncations 记录调用方在编码输入时做的截断
func (c *Context) AddTruncations(t object.Truncations) {
	if len(t) == 0 {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.truncations == nil {
		c.truncations = make(object.Truncations)
	}
	c.truncations.Merge(t)
}

// Truncations 返回上下文生命周期内记录的所有截断
func (c *Context) Truncations() object.Truncations {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.truncations.Clone()
}

// BudgetExhausted 判断上下文的总时间预算是否已用完
func (c *Context) BudgetExhausted() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.budgetExhausted()
}

func (c *Context) budgetExhausted() bool {
	return c.budget > 0 && c.duration >= c.budget
}

// Close 释放上下文持有的全部持久数据，并释放对实例的引用
func (c *Context) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for address, value := range c.persistent {
		c.release(value)
		delete(c.persistent, address)
	}
	for address, value := range c.ephemeral {
		c.release(value)
		delete(c.ephemeral, address)
	}
	c.releasePending()
	c.state = nil
	c.instance.release()
}

func (c *Context) release(value *object.Object) {
	if c.freeFn != nil && value != nil {
		c.freeFn(value)
	}
}

func (c *Context) releasePending() {
	for _, value := range c.pending {
		c.release(value)
	}
	c.pending = c.pending[:0]
}

// releaseBatch 释放一个未被接收的数据批次中的每个地址值
func (c *Context) releaseBatch(batch *object.Object) {
	if batch == nil {
		return
	}
	if !batch.IsMap() {
		c.release(batch)
		return
	}
	for i := 0; i < batch.Size(); i++ {
		value, _ := batch.Index(i)
		c.release(value)
	}
}

// Run 合并本次调用的数据并执行规则集
//
// persistent 的所有权在整个上下文生命周期内转移给上下文，
// ephemeral 的所有权只在本次调用内转移，调用结束时释放。
// timeout <= 0 表示不限时。
func (c *Context) Run(persistent, ephemeral *object.Object, timeout time.Duration) (rc ReturnCode, res *Result) {
	if c == nil || (persistent == nil && ephemeral == nil) {
		return ErrInvalidArgument, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrInvalidArgument, nil
	}
	if c.poisoned {
		c.releaseBatch(persistent)
		c.releaseBatch(ephemeral)
		return ErrInternal, nil
	}
	// 预算用完后不再评估，直接按超时返回
	if c.budgetExhausted() {
		c.releaseBatch(persistent)
		c.releaseBatch(ephemeral)
		return OK, &Result{Duration: c.duration, Timeout: true}
	}

	start := time.Now()
	if err := c.validate(persistent); err != nil {
		log.Debugf("context %s: invalid persistent data: %v", c.id, err)
		c.releaseBatch(persistent)
		c.releaseBatch(ephemeral)
		return ErrInvalidObject, nil
	}
	if err := c.validate(ephemeral); err != nil {
		log.Debugf("context %s: invalid ephemeral data: %v", c.id, err)
		c.releaseBatch(persistent)
		c.releaseBatch(ephemeral)
		return ErrInvalidObject, nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("context %s: internal error: %v", c.id, r)
			c.poisoned = true
			rc, res = ErrInternal, nil
		}
		c.clearEphemeral()
		c.releasePending()
	}()

	if c.budget > 0 {
		if remaining := c.budget - c.duration; timeout <= 0 || timeout > remaining {
			timeout = remaining
		}
	}

	changed := make(map[string]struct{})
	c.mergePersistent(persistent, changed)
	c.mergeEphemeral(ephemeral, changed)
	encoded := time.Now()

	var deadline time.Time
	if timeout > 0 {
		deadline = encoded.Add(timeout)
	}
	out, err := c.engine.Run(c.state, engine.Input{
		Lookup:   c.lookup,
		Changed:  changed,
		Deadline: deadline,
	})
	if err != nil {
		panic(fmt.Errorf("engine run failed: %w", err))
	}
	evaluated := time.Now()

	res = &Result{
		Events:     out.Events,
		Actions:    out.Actions(),
		Attributes: out.Attributes(),
		Timeout:    out.Timeout,
		Keep:       len(out.Events) > 0,
	}
	decoded := time.Now()
	c.duration += decoded.Sub(start)
	res.Duration = c.duration
	res.Timings = map[string]time.Duration{
		TimingEncode:   encoded.Sub(start),
		TimingDuration: evaluated.Sub(encoded),
		TimingDecode:   decoded.Sub(evaluated),
	}
	if out.Timeout {
		log.Debugf("context %s: evaluation timed out after %s", c.id, time.Since(start))
	}
	if len(out.Events) > 0 {
		return Match, res
	}
	return OK, res
}

func (c *Context) validate(batch *object.Object) error {
	if batch == nil {
		return nil
	}
	if !batch.IsMap() {
		return fmt.Errorf("address data must be a map, got %s", batch.Kind())
	}
	// 限制作用于每个地址的值，批次本身只是地址表
	for i := 0; i < batch.Size(); i++ {
		value, _ := batch.Index(i)
		if err := c.limits.Validate(value); err != nil {
			address, _ := value.Key()
			return fmt.Errorf("address %s: %w", address, err)
		}
	}
	return nil
}

func (c *Context) lookup(address string) (*object.Object, bool, bool) {
	if v, ok := c.ephemeral[address]; ok {
		return v, true, true
	}
	if v, ok := c.persistent[address]; ok {
		return v, false, true
	}
	return nil, false, false
}

// mergePersistent 将持久数据写入地址表，同名地址后出现的覆盖先出现的，
// 被覆盖和被忽略的值在本次调用结束时释放
func (c *Context) mergePersistent(batch *object.Object, changed map[string]struct{}) {
	if batch == nil {
		return
	}
	for i := 0; i < batch.Size(); i++ {
		entry, _ := batch.Index(i)
		address, _ := entry.Key()
		value := new(object.Object)
		*value = *entry

		kind, seen := c.kinds[address]
		if seen && kind != kindPersistent {
			// 地址类型冲突，忽略
			c.pending = append(c.pending, value)
			continue
		}
		c.kinds[address] = kindPersistent
		if old, ok := c.persistent[address]; ok {
			c.pending = append(c.pending, old)
		}
		c.persistent[address] = value
		changed[address] = struct{}{}
	}
}

// mergeEphemeral 将临时数据写入本次调用的地址表，同名地址后出现的覆盖先出现的
func (c *Context) mergeEphemeral(batch *object.Object, changed map[string]struct{}) {
	if batch == nil {
		return
	}
	for i := 0; i < batch.Size(); i++ {
		entry, _ := batch.Index(i)
		address, _ := entry.Key()
		value := new(object.Object)
		*value = *entry

		kind, seen := c.kinds[address]
		if seen && kind != kindEphemeral {
			c.pending = append(c.pending, value)
			continue
		}
		c.kinds[address] = kindEphemeral
		if old, ok := c.ephemeral[address]; ok {
			c.pending = append(c.pending, old)
		}
		c.ephemeral[address] = value
		changed[address] = struct{}{}
	}
}

func (c *Context) clearEphemeral() {
	for address, value := range c.ephemeral {
		c.pending = append(c.pending, value)
		delete(c.ephemeral, address)
	}
}
