package object

import (
	"fmt"
	"unicode/utf8"

	"github.com/haolipeng/waf_detector/pkg/types"
)

const (
	DefaultMaxStringLength   = 4096
	DefaultMaxContainerDepth = 20
	DefaultMaxContainerSize  = 256
)

// Limits 描述有界值允许的最大字符串长度、容器大小和嵌套深度
type Limits struct {
	MaxStringLength   int `yaml:"max_string_length"`
	MaxContainerSize  int `yaml:"max_container_size"`
	MaxContainerDepth int `yaml:"max_container_depth"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxStringLength:   DefaultMaxStringLength,
		MaxContainerSize:  DefaultMaxContainerSize,
		MaxContainerDepth: DefaultMaxContainerDepth,
	}
}

// WithDefaults 将未设置(<=0)的限制替换为默认值
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = d.MaxStringLength
	}
	if l.MaxContainerSize <= 0 {
		l.MaxContainerSize = d.MaxContainerSize
	}
	if l.MaxContainerDepth <= 0 {
		l.MaxContainerDepth = d.MaxContainerDepth
	}
	return l
}

// Depth 返回对象的容器嵌套深度，标量为0，空容器为1
func Depth(o *Object) int {
	if !o.IsContainer() {
		return 0
	}
	max := 0
	for i := range o.entries {
		if d := Depth(&o.entries[i]); d > max {
			max = d
		}
	}
	return max + 1
}

// Validate 检查对象是否满足限制，返回遇到的第一个违规
func (l Limits) Validate(o *Object) error {
	return l.validate(o, 1)
}

func (l Limits) validate(o *Object, depth int) error {
	switch o.Kind() {
	case KindString:
		if len(o.str) > l.MaxStringLength {
			return fmt.Errorf("%w: length %d exceeds %d", types.ErrStringTooLong, len(o.str), l.MaxStringLength)
		}
	case KindArray, KindMap:
		if depth > l.MaxContainerDepth {
			return fmt.Errorf("%w: depth %d exceeds %d", types.ErrMaxDepthExceeded, depth, l.MaxContainerDepth)
		}
		if len(o.entries) > l.MaxContainerSize {
			return fmt.Errorf("%w: size %d exceeds %d", types.ErrContainerTooLarge, len(o.entries), l.MaxContainerSize)
		}
		for i := range o.entries {
			if err := l.validate(&o.entries[i], depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// TruncationReason 表示对象被截断的原因
type TruncationReason uint8

const (
	StringTooLong TruncationReason = 1 << iota
	ContainerTooLarge
	ObjectTooDeep
)

func (reason TruncationReason) String() string {
	switch reason {
	case ObjectTooDeep:
		return "container_depth"
	case ContainerTooLarge:
		return "container_size"
	case StringTooLong:
		return "string_length"
	default:
		return fmt.Sprintf("TruncationReason(%v)", int(reason))
	}
}

// Truncations 记录每种截断原因对应的原始大小
type Truncations map[TruncationReason][]int

func (t Truncations) add(reason TruncationReason, size int) {
	t[reason] = append(t[reason], size)
}

// Merge 将 other 中的截断追加到 t
func (t Truncations) Merge(other Truncations) {
	for reason, sizes := range other {
		t[reason] = append(t[reason], sizes...)
	}
}

// Clone 返回截断记录的副本
func (t Truncations) Clone() Truncations {
	out := make(Truncations, len(t))
	for reason, sizes := range t {
		out[reason] = append([]int(nil), sizes...)
	}
	return out
}

// ByName 以原因名称为键返回截断记录，用于 JSON 输出
func (t Truncations) ByName() map[string][]int {
	out := make(map[string][]int, len(t))
	for reason, sizes := range t {
		out[reason.String()] = append([]int(nil), sizes...)
	}
	return out
}

// TruncateString 将字符串截断到不超过 n 字节，不会切开多字节字符
func TruncateString(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Truncate 原地截断对象使其满足限制，返回发生的截断
// 超过深度的子容器会从父容器中移除
func (l Limits) Truncate(o *Object) Truncations {
	t := make(Truncations)
	if o.IsContainer() && l.MaxContainerDepth < 1 {
		t.add(ObjectTooDeep, Depth(o))
		o.entries = nil
		return t
	}
	l.truncate(o, 1, t)
	return t
}

func (l Limits) truncate(o *Object, depth int, t Truncations) {
	switch o.kind {
	case KindString:
		if len(o.str) > l.MaxStringLength {
			t.add(StringTooLong, len(o.str))
			o.str = TruncateString(o.str, l.MaxStringLength)
		}
	case KindArray, KindMap:
		if len(o.entries) > l.MaxContainerSize {
			t.add(ContainerTooLarge, len(o.entries))
			o.entries = o.entries[:l.MaxContainerSize]
		}
		kept := o.entries[:0]
		for i := range o.entries {
			child := o.entries[i]
			if child.IsContainer() && depth+1 > l.MaxContainerDepth {
				t.add(ObjectTooDeep, depth+Depth(&child))
				continue
			}
			l.truncate(&child, depth+1, t)
			kept = append(kept, child)
		}
		o.entries = kept
	}
}

// TruncateValues 对地址表中的每个值分别截断，地址表本身不计入深度和大小
func (l Limits) TruncateValues(batch *Object) Truncations {
	t := make(Truncations)
	if !batch.IsMap() {
		return t
	}
	for i := range batch.entries {
		t.Merge(l.Truncate(&batch.entries[i]))
	}
	return t
}
