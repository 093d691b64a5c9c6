package engine

import (
	"strconv"
	"time"

	"github.com/haolipeng/waf_detector/pkg/object"
)

// 遍历时每访问这么多个节点检查一次超时
const deadlineCheckInterval = 32

// LookupFunc 查找地址当前的值，ephemeral 表示该值只在本次调用中有效
type LookupFunc func(address string) (value *object.Object, ephemeral bool, ok bool)

// runState 保存一次评估调用内的状态
type runState struct {
	lookupFn LookupFunc
	derived  map[string]derivedValue
	limits   object.Limits
	deadline time.Time
	now      int64
	steps    int
	timedOut bool
	excluded map[*object.Object]struct{}
}

type derivedValue struct {
	value     *object.Object
	ephemeral bool
}

func (r *runState) lookup(address string) (*object.Object, bool, bool) {
	if d, ok := r.derived[address]; ok {
		return d.value, d.ephemeral, true
	}
	return r.lookupFn(address)
}

// expired 检查时间预算，超时后一直返回 true
func (r *runState) expired() bool {
	if r.timedOut {
		return true
	}
	if !r.deadline.IsZero() && !time.Now().Before(r.deadline) {
		r.timedOut = true
	}
	return r.timedOut
}

func (r *runState) tick() bool {
	r.steps++
	if r.steps%deadlineCheckInterval == 0 {
		return r.expired()
	}
	return r.timedOut
}

func (r *runState) isExcluded(o *object.Object) bool {
	if len(r.excluded) == 0 {
		return false
	}
	_, ok := r.excluded[o]
	return ok
}

func (r *runState) limitString(s string) string {
	if r.limits.MaxStringLength > 0 {
		return object.TruncateString(s, r.limits.MaxStringLength)
	}
	return s
}

// walk 深度优先访问标量叶子和映射的键，visit 返回 true 时停止遍历
func (r *runState) walk(o *object.Object, path []string, depth int, visit func(s string, path []string) bool) bool {
	if r.tick() || r.isExcluded(o) {
		return r.timedOut
	}
	if !o.IsContainer() {
		s, ok := o.Scalar()
		if !ok {
			return false
		}
		return visit(r.limitString(s), path)
	}
	if depth >= r.limits.MaxContainerDepth {
		return false
	}

	n := o.Size()
	if r.limits.MaxContainerSize > 0 && n > r.limits.MaxContainerSize {
		n = r.limits.MaxContainerSize
	}
	for i := 0; i < n; i++ {
		child, _ := o.Index(i)
		var childPath []string
		if o.IsMap() {
			key, _ := child.Key()
			childPath = append(path[:len(path):len(path)], key)
			if !r.isExcluded(child) && visit(r.limitString(key), childPath) {
				return true
			}
		} else {
			childPath = append(path[:len(path):len(path)], strconv.Itoa(i))
		}
		if r.walk(child, childPath, depth+1, visit) {
			return true
		}
	}
	return false
}

// resolve 沿 key_path 进入子结构，映射按键查找，数组按下标查找
func resolve(o *object.Object, keyPath []string) (*object.Object, bool) {
	current := o
	for _, key := range keyPath {
		switch {
		case current.IsMap():
			next, ok := current.Find(key)
			if !ok {
				return nil, false
			}
			current = next
		case current.IsArray():
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, false
			}
			if idx < 0 {
				idx += current.Size()
			}
			next, ok := current.Index(idx)
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}
