package object

import (
	"fmt"
	"math"
	"strconv"
	"unsafe"
)

// Kind 表示有界值的类型标签
type Kind uint8

const (
	KindInvalid  Kind = 0
	KindSigned   Kind = 1 << 0 // 64位有符号整数
	KindUnsigned Kind = 1 << 1 // 64位无符号整数
	KindString   Kind = 1 << 2 // 显式长度的UTF-8字符串
	KindArray    Kind = 1 << 3 // 元素无名称的数组
	KindMap      Kind = 1 << 4 // 元素带名称的有序键值对
	KindBool     Kind = 1 << 5
	KindFloat    Kind = 1 << 6
	KindNull     Kind = 1 << 7
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindSigned:
		return "signed"
	case KindUnsigned:
		return "unsigned"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindNull:
		return "null"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Object 是引擎边界上交换的通用有界值
//
// 标量负载统一存放在 scalar 字段中(整数、浮点位模式、布尔)，
// 字符串负载存放在 str 中，容器的子元素存放在 entries 中。
// 零值即为 invalid 类型。
type Object struct {
	name    string
	named   bool
	kind    Kind
	str     string
	scalar  uint64
	entries []Object
}

// ReleaseFunc 用于回收交给评估上下文的数据，由上下文在约定的时间点调用
type ReleaseFunc func(obj *Object)

func Invalid() Object {
	return Object{}
}

func Null() Object {
	return Object{kind: KindNull}
}

// String 创建字符串对象，负载会被复制
func String(s string) Object {
	return Object{kind: KindString, str: cloneString(s)}
}

// StringFromBytes 从字节切片创建字符串对象，负载会被复制
func StringFromBytes(b []byte) Object {
	return Object{kind: KindString, str: string(b)}
}

// StringNoCopy 直接引用调用方的内存创建字符串对象
// 调用方必须保证 b 在对象使用期间不被修改或回收
func StringNoCopy(b []byte) Object {
	if len(b) == 0 {
		return Object{kind: KindString}
	}
	return Object{kind: KindString, str: unsafe.String(unsafe.SliceData(b), len(b))}
}

func StringFromSigned(v int64) Object {
	return Object{kind: KindString, str: strconv.FormatInt(v, 10)}
}

func StringFromUnsigned(v uint64) Object {
	return Object{kind: KindString, str: strconv.FormatUint(v, 10)}
}

func Signed(v int64) Object {
	return Object{kind: KindSigned, scalar: uint64(v)}
}

func Unsigned(v uint64) Object {
	return Object{kind: KindUnsigned, scalar: v}
}

func Bool(v bool) Object {
	o := Object{kind: KindBool}
	if v {
		o.scalar = 1
	}
	return o
}

func Float(v float64) Object {
	return Object{kind: KindFloat, scalar: math.Float64bits(v)}
}

func Array(items ...Object) Object {
	o := Object{kind: KindArray}
	for _, item := range items {
		o.ArrayAdd(item)
	}
	return o
}

func Map() Object {
	return Object{kind: KindMap}
}

// ArrayAdd 向数组追加元素，子元素的名称会被清除
func (o *Object) ArrayAdd(child Object) bool {
	if o == nil || o.kind != KindArray {
		return false
	}
	child.name, child.named = "", false
	o.entries = append(o.entries, child)
	return true
}

// MapAdd 以复制的键向映射追加元素，允许重复键
func (o *Object) MapAdd(key string, child Object) bool {
	if o == nil || o.kind != KindMap {
		return false
	}
	child.name, child.named = cloneString(key), true
	o.entries = append(o.entries, child)
	return true
}

// MapAddNoCopy 以调用方内存作为键向映射追加元素
func (o *Object) MapAddNoCopy(key []byte, child Object) bool {
	if o == nil || o.kind != KindMap {
		return false
	}
	if len(key) == 0 {
		child.name = ""
	} else {
		child.name = unsafe.String(unsafe.SliceData(key), len(key))
	}
	child.named = true
	o.entries = append(o.entries, child)
	return true
}

func (o *Object) Kind() Kind {
	if o == nil {
		return KindInvalid
	}
	return o.kind
}

func (o *Object) IsContainer() bool {
	return o.Kind() == KindArray || o.Kind() == KindMap
}

func (o *Object) IsMap() bool {
	return o.Kind() == KindMap
}

func (o *Object) IsArray() bool {
	return o.Kind() == KindArray
}

func (o *Object) IsString() bool {
	return o.Kind() == KindString
}

func (o *Object) IsInvalid() bool {
	return o.Kind() == KindInvalid
}

// Size 返回容器元素个数，非容器返回0
func (o *Object) Size() int {
	if !o.IsContainer() {
		return 0
	}
	return len(o.entries)
}

// Length 返回字符串字节长度，非字符串返回0
func (o *Object) Length() int {
	if !o.IsString() {
		return 0
	}
	return len(o.str)
}

// Key 返回对象作为映射元素时的名称
func (o *Object) Key() (string, bool) {
	if o == nil || !o.named {
		return "", false
	}
	return o.name, true
}

func (o *Object) StringValue() string {
	if !o.IsString() {
		return ""
	}
	return o.str
}

func (o *Object) SignedValue() int64 {
	if o.Kind() != KindSigned {
		return 0
	}
	return int64(o.scalar)
}

func (o *Object) UnsignedValue() uint64 {
	if o.Kind() != KindUnsigned {
		return 0
	}
	return o.scalar
}

func (o *Object) FloatValue() float64 {
	if o.Kind() != KindFloat {
		return 0
	}
	return math.Float64frombits(o.scalar)
}

func (o *Object) BoolValue() bool {
	if o.Kind() != KindBool {
		return false
	}
	return o.scalar != 0
}

// Index 按位置返回容器中的元素
func (o *Object) Index(i int) (*Object, bool) {
	if !o.IsContainer() || i < 0 || i >= len(o.entries) {
		return nil, false
	}
	return &o.entries[i], true
}

// Find 返回映射中第一个名称匹配的元素
func (o *Object) Find(key string) (*Object, bool) {
	if !o.IsMap() {
		return nil, false
	}
	for i := range o.entries {
		if o.entries[i].name == key {
			return &o.entries[i], true
		}
	}
	return nil, false
}

// Scalar 将标量转换为用于匹配的字符串表示
func (o *Object) Scalar() (string, bool) {
	switch o.Kind() {
	case KindString:
		return o.str, true
	case KindSigned:
		return strconv.FormatInt(int64(o.scalar), 10), true
	case KindUnsigned:
		return strconv.FormatUint(o.scalar, 10), true
	case KindFloat:
		return strconv.FormatFloat(math.Float64frombits(o.scalar), 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(o.scalar != 0), true
	default:
		return "", false
	}
}

// Clone 深拷贝对象，拷贝结果不再引用调用方的内存
func (o *Object) Clone() Object {
	if o == nil {
		return Invalid()
	}
	c := *o
	c.name = cloneString(o.name)
	c.str = cloneString(o.str)
	if o.entries != nil {
		c.entries = make([]Object, len(o.entries))
		for i := range o.entries {
			c.entries[i] = o.entries[i].Clone()
		}
	}
	return c
}

func cloneString(s string) string {
	if s == "" {
		return ""
	}
	return string(append([]byte(nil), s...))
}
