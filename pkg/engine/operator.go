package engine

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
)

// scalarOperator 作用于标量叶子的字符串表示
type scalarOperator interface {
	name() string
	value() string
	matchString(s string, now int64) (highlight string, ok bool)
}

type regexOperator struct {
	pattern   string
	re        *regexp.Regexp
	minLength int
}

func newRegexOperator(cond *ruleset.Condition) (*regexOperator, error) {
	pattern := cond.Regex
	if !cond.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression: %w", err)
	}
	return &regexOperator{pattern: cond.Regex, re: re, minLength: cond.MinLength}, nil
}

func (o *regexOperator) name() string  { return ruleset.OperatorMatchRegex }
func (o *regexOperator) value() string { return o.pattern }

func (o *regexOperator) matchString(s string, _ int64) (string, bool) {
	if len(s) < o.minLength {
		return "", false
	}
	loc := o.re.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	return s[loc[0]:loc[1]], true
}

type phraseOperator struct {
	phrases []string
}

func (o *phraseOperator) name() string  { return ruleset.OperatorPhraseMatch }
func (o *phraseOperator) value() string { return "" }

func (o *phraseOperator) matchString(s string, _ int64) (string, bool) {
	for _, phrase := range o.phrases {
		if phrase != "" && strings.Contains(s, phrase) {
			return phrase, true
		}
	}
	return "", false
}

// dataIndex 保存带过期时间的数据集，值为过期时间，0 表示永不过期
type dataIndex map[string]uint64

func (d dataIndex) contains(key string, now int64) bool {
	exp, ok := d[key]
	if !ok {
		return false
	}
	return exp == 0 || int64(exp) > now
}

type exactOperator struct {
	static map[string]struct{}
	data   dataIndex
}

func newExactOperator(cond *ruleset.Condition, data map[string]*ruleset.DataSet) *exactOperator {
	op := &exactOperator{static: make(map[string]struct{}, len(cond.List))}
	for _, v := range cond.List {
		op.static[v] = struct{}{}
	}
	if set, ok := data[cond.DataID]; ok && set.Type == ruleset.DataTypeData {
		op.data = make(dataIndex, len(set.Entries))
		for _, entry := range set.Entries {
			op.data[entry.Value] = entry.Expiration
		}
	}
	return op
}

func (o *exactOperator) name() string  { return ruleset.OperatorExactMatch }
func (o *exactOperator) value() string { return "" }

func (o *exactOperator) matchString(s string, now int64) (string, bool) {
	if _, ok := o.static[s]; ok {
		return s, true
	}
	if o.data.contains(s, now) {
		return s, true
	}
	return "", false
}

type ipEntry struct {
	prefix     netip.Prefix
	expiration uint64
}

type ipOperator struct {
	entries []ipEntry
}

func newIPOperator(cond *ruleset.Condition, data map[string]*ruleset.DataSet) (*ipOperator, error) {
	op := &ipOperator{}
	for _, v := range cond.List {
		prefix, err := ruleset.ParseIPRange(v)
		if err != nil {
			return nil, err
		}
		op.entries = append(op.entries, ipEntry{prefix: prefix})
	}
	if set, ok := data[cond.DataID]; ok && set.Type == ruleset.DataTypeIP {
		for _, entry := range set.Entries {
			prefix, err := ruleset.ParseIPRange(entry.Value)
			if err != nil {
				continue
			}
			op.entries = append(op.entries, ipEntry{prefix: prefix, expiration: entry.Expiration})
		}
	}
	return op, nil
}

func (o *ipOperator) name() string  { return ruleset.OperatorIPMatch }
func (o *ipOperator) value() string { return "" }

func (o *ipOperator) matchString(s string, now int64) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	for _, entry := range o.entries {
		if entry.expiration != 0 && int64(entry.expiration) <= now {
			continue
		}
		if entry.prefix.Contains(addr) {
			return s, true
		}
	}
	return "", false
}

// scalarEquals 比较两个标量，数值类型之间按数值比较
func scalarEquals(a, b *object.Object) bool {
	if isNumber(a) && isNumber(b) {
		return numberEquals(a, b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case object.KindString:
		return a.StringValue() == b.StringValue()
	case object.KindBool:
		return a.BoolValue() == b.BoolValue()
	case object.KindNull:
		return true
	}
	return false
}

func isNumber(o *object.Object) bool {
	switch o.Kind() {
	case object.KindSigned, object.KindUnsigned, object.KindFloat:
		return true
	}
	return false
}

func numberEquals(a, b *object.Object) bool {
	if a.Kind() == object.KindFloat || b.Kind() == object.KindFloat {
		return toFloat(a) == toFloat(b)
	}
	switch {
	case a.Kind() == object.KindSigned && b.Kind() == object.KindSigned:
		return a.SignedValue() == b.SignedValue()
	case a.Kind() == object.KindUnsigned && b.Kind() == object.KindUnsigned:
		return a.UnsignedValue() == b.UnsignedValue()
	case a.Kind() == object.KindSigned:
		return a.SignedValue() >= 0 && uint64(a.SignedValue()) == b.UnsignedValue()
	default:
		return b.SignedValue() >= 0 && uint64(b.SignedValue()) == a.UnsignedValue()
	}
}

func toFloat(o *object.Object) float64 {
	switch o.Kind() {
	case object.KindSigned:
		return float64(o.SignedValue())
	case object.KindUnsigned:
		return float64(o.UnsignedValue())
	default:
		return o.FloatValue()
	}
}
