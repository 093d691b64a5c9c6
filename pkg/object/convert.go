package object

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/haolipeng/waf_detector/pkg/types"
)

// FromGo 将常见的Go值转换为有界值，不做任何截断
// 映射按键排序后插入以保证结果稳定
func FromGo(v any) (Object, error) {
	switch val := v.(type) {
	case nil:
		return Null(), nil
	case Object:
		return val, nil
	case *Object:
		if val == nil {
			return Null(), nil
		}
		return *val, nil
	case string:
		return String(val), nil
	case []byte:
		return StringFromBytes(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Signed(int64(val)), nil
	case int8:
		return Signed(int64(val)), nil
	case int16:
		return Signed(int64(val)), nil
	case int32:
		return Signed(int64(val)), nil
	case int64:
		return Signed(val), nil
	case uint:
		return Unsigned(uint64(val)), nil
	case uint8:
		return Unsigned(uint64(val)), nil
	case uint16:
		return Unsigned(uint64(val)), nil
	case uint32:
		return Unsigned(uint64(val)), nil
	case uint64:
		return Unsigned(val), nil
	case float32:
		return Float(float64(val)), nil
	case float64:
		return Float(val), nil
	case json.Number:
		return fromNumber(string(val)), nil
	case []string:
		arr := Array()
		for _, s := range val {
			arr.ArrayAdd(String(s))
		}
		return arr, nil
	case []any:
		arr := Array()
		for _, item := range val {
			child, err := FromGo(item)
			if err != nil {
				return Invalid(), err
			}
			arr.ArrayAdd(child)
		}
		return arr, nil
	case map[string][]string:
		m := Map()
		for _, k := range sortedKeys(val) {
			child, _ := FromGo(val[k])
			m.MapAdd(k, child)
		}
		return m, nil
	case map[string]any:
		m := Map()
		for _, k := range sortedKeys(val) {
			child, err := FromGo(val[k])
			if err != nil {
				return Invalid(), fmt.Errorf("key %q: %w", k, err)
			}
			m.MapAdd(k, child)
		}
		return m, nil
	}
	return fromReflect(reflect.ValueOf(v))
}

func fromReflect(value reflect.Value) (Object, error) {
	switch value.Kind() {
	case reflect.Pointer, reflect.Interface:
		if value.IsNil() {
			return Null(), nil
		}
		return FromGo(value.Elem().Interface())
	case reflect.Slice, reflect.Array:
		arr := Array()
		for i := 0; i < value.Len(); i++ {
			child, err := FromGo(value.Index(i).Interface())
			if err != nil {
				return Invalid(), err
			}
			arr.ArrayAdd(child)
		}
		return arr, nil
	case reflect.Map:
		if value.Type().Key().Kind() != reflect.String {
			return Invalid(), fmt.Errorf("%w: %s", types.ErrInvalidMapKey, value.Type().Key())
		}
		keys := value.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		m := Map()
		for _, k := range keys {
			child, err := FromGo(value.MapIndex(k).Interface())
			if err != nil {
				return Invalid(), err
			}
			m.MapAdd(k.String(), child)
		}
		return m, nil
	}
	return Invalid(), fmt.Errorf("%w: %T", types.ErrUnsupportedValue, value.Interface())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fromNumber(s string) Object {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Signed(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Unsigned(u)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return String(s)
	}
	return Float(f)
}

// ToGo 将有界值转换回Go值，映射中重复的键以最后一个为准
func (o *Object) ToGo() any {
	switch o.Kind() {
	case KindNull, KindInvalid:
		return nil
	case KindString:
		return o.str
	case KindSigned:
		return o.SignedValue()
	case KindUnsigned:
		return o.UnsignedValue()
	case KindFloat:
		return o.FloatValue()
	case KindBool:
		return o.BoolValue()
	case KindArray:
		arr := make([]any, 0, len(o.entries))
		for i := range o.entries {
			arr = append(arr, o.entries[i].ToGo())
		}
		return arr
	case KindMap:
		m := make(map[string]any, len(o.entries))
		for i := range o.entries {
			m[o.entries[i].name] = o.entries[i].ToGo()
		}
		return m
	}
	return nil
}

// MarshalJSON 按原有顺序输出映射，invalid 输出为 null
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *Object) writeJSON(buf *bytes.Buffer) error {
	switch o.kind {
	case KindArray:
		buf.WriteByte('[')
		for i := range o.entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := o.entries[i].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case KindMap:
		buf.WriteByte('{')
		for i := range o.entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, o.entries[i].name); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := o.entries[i].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case KindFloat:
		f := o.FloatValue()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			buf.WriteString("null")
			return nil
		}
	}
	return writeJSONValue(buf, o.ToGo())
}

// writeJSONValue 编码标量，不转义 HTML 字符，也不输出换行
func writeJSONValue(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

func (o *Object) UnmarshalJSON(data []byte) error {
	obj, err := FromJSON(data)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

// MaxDecodeDepth 是 FromJSON 接受的最大嵌套深度
const MaxDecodeDepth = 512

// FromJSON 解析JSON文档，保留对象中键的顺序
// 嵌套超过 MaxDecodeDepth 时返回 ErrMaxDepthExceeded
func FromJSON(data []byte) (Object, error) {
	d := newJSONDecoder(data, MaxDecodeDepth, nil)
	return d.decodeDocument()
}

// DecodeJSON 解析JSON文档，深度超过 maxDepth 的容器被跳过并记录在返回的截断中
//
// 记录的深度不含最外面的 base 层。
func DecodeJSON(data []byte, maxDepth, base int) (Object, Truncations, error) {
	t := make(Truncations)
	d := newJSONDecoder(data, maxDepth, t)
	d.base = base
	obj, err := d.decodeDocument()
	return obj, t, err
}

type jsonDecoder struct {
	dec      *json.Decoder
	maxDepth int
	base     int
	// 为 nil 时超深直接报错，否则跳过并记录
	truncations Truncations
}

func newJSONDecoder(data []byte, maxDepth int, t Truncations) *jsonDecoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return &jsonDecoder{dec: dec, maxDepth: maxDepth, truncations: t}
}

func (d *jsonDecoder) decodeDocument() (Object, error) {
	obj, skipped, err := d.decode(1)
	if err != nil {
		return Invalid(), err
	}
	if skipped {
		obj = Invalid()
	}
	if _, err := d.dec.Token(); !errors.Is(err, io.EOF) {
		return Invalid(), fmt.Errorf("%w: trailing data after JSON value", types.ErrUnexpectedDocument)
	}
	return obj, nil
}

// decode 读取一个值，depth 是该值作为容器时所在的深度
// skipped 为 true 表示容器超过深度限制已被跳过
func (d *jsonDecoder) decode(depth int) (Object, bool, error) {
	tok, err := d.dec.Token()
	if err != nil {
		return Invalid(), false, err
	}
	switch t := tok.(type) {
	case json.Delim:
		if t != '{' && t != '[' {
			return Invalid(), false, fmt.Errorf("%w: unexpected delimiter %v", types.ErrUnexpectedDocument, t)
		}
		if depth > d.maxDepth {
			if d.truncations == nil {
				return Invalid(), false, fmt.Errorf("%w: depth exceeds %d", types.ErrMaxDepthExceeded, d.maxDepth)
			}
			nested, err := d.skip()
			if err != nil {
				return Invalid(), false, err
			}
			d.truncations.add(ObjectTooDeep, depth+nested-1-d.base)
			return Invalid(), true, nil
		}
		if t == '{' {
			obj, err := d.decodeMap(depth)
			return obj, false, err
		}
		obj, err := d.decodeArray(depth)
		return obj, false, err
	case string:
		return String(t), false, nil
	case json.Number:
		return fromNumber(t.String()), false, nil
	case bool:
		return Bool(t), false, nil
	case nil:
		return Null(), false, nil
	}
	return Invalid(), false, fmt.Errorf("%w: %T", types.ErrUnsupportedValue, tok)
}

func (d *jsonDecoder) decodeMap(depth int) (Object, error) {
	m := Map()
	for d.dec.More() {
		keyTok, err := d.dec.Token()
		if err != nil {
			return Invalid(), err
		}
		key, ok := keyTok.(string)
		if !ok {
			return Invalid(), types.ErrInvalidMapKey
		}
		child, skipped, err := d.decode(depth + 1)
		if err != nil {
			return Invalid(), err
		}
		if !skipped {
			m.MapAdd(key, child)
		}
	}
	_, err := d.dec.Token()
	return m, err
}

func (d *jsonDecoder) decodeArray(depth int) (Object, error) {
	arr := Array()
	for d.dec.More() {
		child, skipped, err := d.decode(depth + 1)
		if err != nil {
			return Invalid(), err
		}
		if !skipped {
			arr.ArrayAdd(child)
		}
	}
	_, err := d.dec.Token()
	return arr, err
}

// skip 在开始分隔符之后跳过整个容器，不递归，返回其嵌套深度
func (d *jsonDecoder) skip() (int, error) {
	open, deepest := 1, 1
	for open > 0 {
		tok, err := d.dec.Token()
		if err != nil {
			return 0, err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				open++
				if open > deepest {
					deepest = open
				}
			case '}', ']':
				open--
			}
		}
	}
	return deepest, nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler，保留映射中键的顺序
func (o *Object) UnmarshalYAML(node *yaml.Node) error {
	obj, err := fromYAMLNode(node)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

// FromYAML 解析YAML文档
func FromYAML(data []byte) (Object, error) {
	var obj Object
	if err := yaml.Unmarshal(data, &obj); err != nil {
		return Invalid(), err
	}
	return obj, nil
}

func fromYAMLNode(node *yaml.Node) (Object, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Null(), nil
		}
		return fromYAMLNode(node.Content[0])
	case yaml.AliasNode:
		return fromYAMLNode(node.Alias)
	case yaml.MappingNode:
		m := Map()
		for i := 0; i+1 < len(node.Content); i += 2 {
			child, err := fromYAMLNode(node.Content[i+1])
			if err != nil {
				return Invalid(), err
			}
			m.MapAdd(node.Content[i].Value, child)
		}
		return m, nil
	case yaml.SequenceNode:
		arr := Array()
		for _, item := range node.Content {
			child, err := fromYAMLNode(item)
			if err != nil {
				return Invalid(), err
			}
			arr.ArrayAdd(child)
		}
		return arr, nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			return Null(), nil
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return Invalid(), err
			}
			return Bool(b), nil
		case "!!int":
			var i int64
			if err := node.Decode(&i); err == nil {
				return Signed(i), nil
			}
			var u uint64
			if err := node.Decode(&u); err != nil {
				return Invalid(), err
			}
			return Unsigned(u), nil
		case "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return Invalid(), err
			}
			return Float(f), nil
		default:
			return String(node.Value), nil
		}
	}
	return Invalid(), fmt.Errorf("%w: yaml node kind %d", types.ErrUnexpectedDocument, node.Kind)
}
