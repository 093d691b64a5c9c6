package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
)

// schema 中标量的类型编码
const (
	schemaNull    = 1
	schemaBool    = 2
	schemaInteger = 4
	schemaString  = 8
	schemaFloat   = 16
)

// schema 生成的上限
const (
	schemaMaxDepth       = 18
	schemaMaxArrayNodes  = 10
	schemaMaxRecordNodes = 256
)

type mapping struct {
	inputs []input
	output string
}

type processor struct {
	id         string
	generator  string
	conditions []*condition
	mappings   []mapping
	evaluate   bool
	output     bool
}

func compileProcessor(p *ruleset.Processor, data map[string]*ruleset.DataSet) (*processor, error) {
	out := &processor{id: p.ID, generator: p.Generator, evaluate: p.Evaluate, output: p.Output}
	for i := range p.Conditions {
		c, err := compileCondition(&p.Conditions[i], nil, data)
		if err != nil {
			return nil, err
		}
		out.conditions = append(out.conditions, c)
	}
	for _, m := range p.Mappings {
		inputs, err := compileInputs(m.Inputs, nil)
		if err != nil {
			return nil, err
		}
		out.mappings = append(out.mappings, mapping{inputs: inputs, output: m.Output})
	}
	return out, nil
}

// scanner 用于给 schema 中的标量叶子打标签
type scanner struct {
	id    string
	key   *condition
	value *condition
	tags  map[string]string
}

func compileScanner(s *ruleset.Scanner) (*scanner, error) {
	out := &scanner{id: s.ID, tags: s.Tags}
	var err error
	if s.Key != nil {
		if out.key, err = compileCondition(s.Key, nil, nil); err != nil {
			return nil, err
		}
	}
	if s.Value != nil {
		if out.value, err = compileCondition(s.Value, nil, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func matchScalarCondition(c *condition, leaf *object.Object, s string, now int64) bool {
	switch {
	case c == nil:
		return true
	case c.scalar != nil:
		_, ok := c.scalar.matchString(s, now)
		return ok != c.negated
	case c.operator == ruleset.OperatorEquals:
		return leaf != nil && scalarEquals(leaf, &c.equals)
	case c.operator == ruleset.OperatorExists:
		return true
	}
	return false
}

func (s *scanner) match(key string, leaf *object.Object, now int64) bool {
	if s.key != nil && !matchScalarCondition(s.key, nil, key, now) {
		return false
	}
	if s.value != nil {
		v, ok := leaf.Scalar()
		if !ok || !matchScalarCondition(s.value, leaf, v, now) {
			return false
		}
	}
	return true
}

type schemaBuilder struct {
	scanners []*scanner
	now      int64
}

func (b *schemaBuilder) build(o *object.Object, key string, depth int) object.Object {
	if !o.IsContainer() {
		return b.scalar(o, key)
	}
	if depth >= schemaMaxDepth {
		if o.IsMap() {
			return object.Array(object.Map())
		}
		return object.Array(object.Array())
	}

	if o.IsMap() {
		record := object.Map()
		n := o.Size()
		if n > schemaMaxRecordNodes {
			n = schemaMaxRecordNodes
		}
		for i := 0; i < n; i++ {
			child, _ := o.Index(i)
			k, _ := child.Key()
			if _, dup := record.Find(k); dup {
				continue
			}
			record.MapAdd(k, b.build(child, k, depth+1))
		}
		return object.Array(record)
	}

	items := object.Array()
	seen := make(map[string]struct{})
	for i := 0; i < o.Size() && items.Size() < schemaMaxArrayNodes; i++ {
		child, _ := o.Index(i)
		s := b.build(child, key, depth+1)
		encoded, err := json.Marshal(s)
		if err != nil {
			continue
		}
		if _, dup := seen[string(encoded)]; dup {
			continue
		}
		seen[string(encoded)] = struct{}{}
		items.ArrayAdd(s)
	}
	length := object.Map()
	length.MapAdd("len", object.Unsigned(uint64(o.Size())))
	return object.Array(items, length)
}

func (b *schemaBuilder) scalar(o *object.Object, key string) object.Object {
	var code int64
	switch o.Kind() {
	case object.KindNull, object.KindInvalid:
		code = schemaNull
	case object.KindBool:
		code = schemaBool
	case object.KindSigned, object.KindUnsigned:
		code = schemaInteger
	case object.KindString:
		code = schemaString
	case object.KindFloat:
		code = schemaFloat
	}
	out := object.Array(object.Signed(code))
	for _, s := range b.scanners {
		if !s.match(key, o, b.now) {
			continue
		}
		tags := object.Map()
		for _, k := range sortedTagKeys(s.tags) {
			tags.MapAdd(k, object.String(s.tags[k]))
		}
		out.ArrayAdd(tags)
		break
	}
	return out
}

func sortedTagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fingerprint 对输入的规范化 JSON 计算摘要
func fingerprint(generator string, values []*object.Object) object.Object {
	h := sha256.New()
	h.Write([]byte(generator))
	for _, v := range values {
		h.Write([]byte{0})
		if encoded, err := json.Marshal(v); err == nil {
			h.Write(encoded)
		}
	}
	return object.String("fp-" + hex.EncodeToString(h.Sum(nil))[:16])
}

// run 执行处理器，只处理本次调用有新输入的映射，结果通过 emit 输出
func (p *processor) run(r *runState, changed map[string]struct{}, scanners []*scanner, emit func(output string, value object.Object, ephemeral bool)) error {
	for _, c := range p.conditions {
		m, err := c.eval(r)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
	}

	for _, m := range p.mappings {
		if r.expired() {
			return nil
		}
		var values []*object.Object
		ephemeral, fresh := false, false
		for _, in := range m.inputs {
			root, eph, ok := r.lookup(in.address)
			if !ok {
				continue
			}
			target, ok := resolve(root, in.keyPath)
			if !ok {
				continue
			}
			if _, ok := changed[in.address]; ok {
				fresh = true
			}
			ephemeral = ephemeral || eph
			values = append(values, target)
			if p.generator == ruleset.GeneratorExtractSchema {
				break
			}
		}
		if len(values) == 0 || !fresh {
			continue
		}

		var result object.Object
		switch p.generator {
		case ruleset.GeneratorExtractSchema:
			b := &schemaBuilder{scanners: scanners, now: r.now}
			result = b.build(values[0], "", 0)
		case ruleset.GeneratorFingerprint:
			result = fingerprint(p.id, values)
		}
		emit(m.output, result, ephemeral)
	}
	return nil
}
