package ruleset

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/types"
)

// EngineVersion 用于 min_version/max_version 判断条目是否跳过
const EngineVersion = "1.0.0"

// 支持的转换器
var Transformers = map[string]struct{}{
	"lowercase":           {},
	"url_decode":          {},
	"remove_nulls":        {},
	"compress_whitespace": {},
	"base64_decode":       {},
	"html_entity_decode":  {},
}

// 允许取反的操作符
var negatable = map[string]struct{}{
	OperatorMatchRegex: {},
	OperatorExactMatch: {},
	OperatorIPMatch:    {},
}

var knownRuleKeys = map[string]struct{}{
	"id": {}, "name": {}, "tags": {}, "enabled": {}, "priority": {}, "conditions": {},
	"transformers": {}, "on_match": {}, "min_version": {}, "max_version": {},
}

// Options 控制解析行为
type Options struct {
	// CheckCondition 在结构校验通过后对条件做进一步校验，例如编译表达式
	CheckCondition func(*Condition) error
}

type parser struct {
	opts Options
}

// Parse 将配置文档解析成 Fragment，条目级错误记录在 Diagnostics 中，
// 只有文档本身不是映射时才返回 error
func Parse(doc *object.Object, opts Options) (*Fragment, Diagnostics, error) {
	diag := newDiagnostics()
	if doc == nil || !doc.IsMap() {
		return nil, diag, types.ErrUnexpectedDocument
	}

	p := &parser{opts: opts}
	frag := &Fragment{}
	if meta, ok := doc.Find("metadata"); ok {
		if v, err := stringField(meta, "rules_version", false); err == nil {
			frag.Version = v
		}
	}
	diag.Version = frag.Version

	frag.Rules = parseSection(doc, SectionRules, &diag, true, func(item *object.Object, f *Feature, id string) (*Rule, error) {
		return p.parseRule(item, f, id, false)
	})
	frag.CustomRules = parseSection(doc, SectionCustomRules, &diag, true, func(item *object.Object, f *Feature, id string) (*Rule, error) {
		return p.parseRule(item, f, id, true)
	})
	frag.Exclusions = parseSection(doc, SectionExclusions, &diag, true, p.parseExclusion)
	frag.Overrides = parseSection(doc, SectionOverrides, &diag, false, p.parseOverride)
	frag.RulesData = parseSection(doc, SectionRulesData, &diag, true, parseDataSet)
	frag.ExclusionData = parseSection(doc, SectionExclusionData, &diag, true, parseDataSet)
	frag.Processors = parseSection(doc, SectionProcessors, &diag, true, p.parseProcessor)
	frag.Scanners = parseSection(doc, SectionScanners, &diag, true, p.parseScanner)
	frag.Actions = parseSection(doc, SectionActions, &diag, true, parseAction)

	return frag, diag, nil
}

func parseSection[T any](doc *object.Object, section string, diag *Diagnostics, requireID bool,
	parse func(item *object.Object, f *Feature, id string) (T, error)) []T {
	value, ok := doc.Find(section)
	if !ok {
		return nil
	}
	f := diag.feature(section)
	if !value.IsArray() {
		f.Error = fmt.Sprintf("invalid type '%s' for section, expected 'array'", value.Kind())
		return nil
	}

	var out []T
	seen := make(map[string]struct{}, value.Size())
	for i := 0; i < value.Size(); i++ {
		item, _ := value.Index(i)
		id := "index:" + strconv.Itoa(i)
		if !item.IsMap() {
			f.failed(id, invalidType("item", "map", item.Kind()))
			continue
		}
		itemID, err := stringField(item, "id", requireID)
		if err != nil {
			f.failed(id, err)
			continue
		}
		if itemID != "" {
			id = itemID
		}
		if _, dup := seen[id]; dup {
			f.failed(id, fmt.Errorf("duplicate id"))
			continue
		}
		seen[id] = struct{}{}

		if skip, err := versionSkipped(item); err != nil {
			f.failed(id, err)
			continue
		} else if skip {
			f.skipped(id)
			continue
		}

		parsed, err := parse(item, f, id)
		if err != nil {
			f.failed(id, err)
			continue
		}
		f.loaded(id)
		out = append(out, parsed)
	}
	return out
}

func versionSkipped(item *object.Object) (bool, error) {
	minVersion, err := stringField(item, "min_version", false)
	if err != nil {
		return false, err
	}
	maxVersion, err := stringField(item, "max_version", false)
	if err != nil {
		return false, err
	}
	if minVersion != "" {
		c, err := compareVersion(EngineVersion, minVersion)
		if err != nil {
			return false, err
		}
		if c < 0 {
			return true, nil
		}
	}
	if maxVersion != "" {
		c, err := compareVersion(EngineVersion, maxVersion)
		if err != nil {
			return false, err
		}
		if c > 0 {
			return true, nil
		}
	}
	return false, nil
}

func compareVersion(a, b string) (int, error) {
	pa, err := splitVersion(a)
	if err != nil {
		return 0, err
	}
	pb, err := splitVersion(b)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 3; i++ {
		switch {
		case pa[i] < pb[i]:
			return -1, nil
		case pa[i] > pb[i]:
			return 1, nil
		}
	}
	return 0, nil
}

func splitVersion(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	if len(parts) > 3 {
		return out, fmt.Errorf("invalid version '%s'", v)
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return out, fmt.Errorf("invalid version '%s'", v)
		}
		out[i] = n
	}
	return out, nil
}

func (p *parser) parseRule(item *object.Object, f *Feature, id string, custom bool) (*Rule, error) {
	rule := &Rule{ID: id, Custom: custom}

	var err error
	if rule.Name, err = stringField(item, "name", true); err != nil {
		return nil, err
	}
	if rule.Tags, err = stringMap(item, "tags"); err != nil {
		return nil, err
	}
	if rule.Tags["type"] == "" {
		return nil, missingKey("tags.type")
	}
	if rule.Enabled, err = boolField(item, "enabled", true); err != nil {
		return nil, err
	}
	if rule.Priority, err = intField(item, "priority", 0); err != nil {
		return nil, err
	}
	if rule.Transformers, err = transformerList(item); err != nil {
		return nil, err
	}
	if rule.Conditions, err = p.parseConditions(item, true); err != nil {
		return nil, err
	}
	if rule.OnMatch, err = stringList(item, "on_match"); err != nil {
		return nil, err
	}

	for i := 0; i < item.Size(); i++ {
		child, _ := item.Index(i)
		key, _ := child.Key()
		if _, ok := knownRuleKeys[key]; !ok {
			f.warn(id, fmt.Sprintf("unknown key '%s'", key))
		}
	}
	return rule, nil
}

func transformerList(m *object.Object) ([]string, error) {
	list, err := stringList(m, "transformers")
	if err != nil {
		return nil, err
	}
	for _, name := range list {
		if _, ok := Transformers[name]; !ok {
			return nil, fmt.Errorf("unknown transformer '%s'", name)
		}
	}
	return list, nil
}

func (p *parser) parseConditions(m *object.Object, required bool) ([]Condition, error) {
	value, ok := m.Find("conditions")
	if !ok {
		if required {
			return nil, missingKey("conditions")
		}
		return nil, nil
	}
	if !value.IsArray() {
		return nil, invalidType("conditions", "array", value.Kind())
	}
	if required && value.Size() == 0 {
		return nil, fmt.Errorf("empty conditions")
	}

	conditions := make([]Condition, 0, value.Size())
	for i := 0; i < value.Size(); i++ {
		item, _ := value.Index(i)
		if !item.IsMap() {
			return nil, invalidType("conditions[]", "map", item.Kind())
		}
		cond, err := p.parseCondition(item, true)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

// parseCondition 解析 {operator, parameters}，needInputs 为 false 时用于扫描器
func (p *parser) parseCondition(item *object.Object, needInputs bool) (Condition, error) {
	var cond Condition
	op, err := stringField(item, "operator", true)
	if err != nil {
		return cond, err
	}
	if strings.HasPrefix(op, "!") {
		op = op[1:]
		if _, ok := negatable[op]; !ok {
			return cond, fmt.Errorf("unknown operator '!%s'", op)
		}
		cond.Negated = true
	}
	cond.Operator = op

	params, ok := item.Find("parameters")
	if !ok {
		if needInputs {
			return cond, missingKey("parameters")
		}
		empty := object.Map()
		params = &empty
	}
	if !params.IsMap() {
		return cond, invalidType("parameters", "map", params.Kind())
	}

	if needInputs {
		if cond.Inputs, err = parseInputs(params, true); err != nil {
			return cond, err
		}
	}

	switch op {
	case OperatorMatchRegex:
		if cond.Regex, err = stringField(params, "regex", true); err != nil {
			return cond, err
		}
		if options, ok := params.Find("options"); ok {
			if cond.CaseSensitive, err = boolField(options, "case_sensitive", false); err != nil {
				return cond, err
			}
			if cond.MinLength, err = intField(options, "min_length", 0); err != nil {
				return cond, err
			}
		}
		if _, err := regexp.Compile(cond.Regex); err != nil {
			return cond, fmt.Errorf("invalid regular expression: %w", err)
		}
	case OperatorPhraseMatch:
		if cond.List, err = stringList(params, "list"); err != nil {
			return cond, err
		}
		if len(cond.List) == 0 {
			return cond, missingKey("list")
		}
	case OperatorExactMatch, OperatorIPMatch:
		if cond.List, err = stringList(params, "list"); err != nil {
			return cond, err
		}
		if cond.DataID, err = stringField(params, "data", false); err != nil {
			return cond, err
		}
		if cond.DataID == "" && len(cond.List) == 0 {
			return cond, missingKey("list")
		}
		if op == OperatorIPMatch {
			for _, ip := range cond.List {
				if _, err := ParseIPRange(ip); err != nil {
					return cond, err
				}
			}
		}
	case OperatorEquals:
		value, ok := params.Find("value")
		if !ok {
			return cond, missingKey("value")
		}
		if value.IsContainer() {
			return cond, invalidType("value", "scalar", value.Kind())
		}
		cond.Value = value.Clone()
	case OperatorExists:
	case OperatorCEL:
		if cond.Expression, err = stringField(params, "expression", true); err != nil {
			return cond, err
		}
	default:
		return cond, fmt.Errorf("unknown operator '%s'", op)
	}

	if p.opts.CheckCondition != nil {
		if err := p.opts.CheckCondition(&cond); err != nil {
			return cond, err
		}
	}
	return cond, nil
}

func parseInputs(params *object.Object, required bool) ([]Input, error) {
	value, ok := params.Find("inputs")
	if !ok {
		if required {
			return nil, missingKey("inputs")
		}
		return nil, nil
	}
	if !value.IsArray() {
		return nil, invalidType("inputs", "array", value.Kind())
	}
	if required && value.Size() == 0 {
		return nil, fmt.Errorf("empty inputs")
	}
	inputs := make([]Input, 0, value.Size())
	for i := 0; i < value.Size(); i++ {
		item, _ := value.Index(i)
		if !item.IsMap() {
			return nil, invalidType("inputs[]", "map", item.Kind())
		}
		address, err := stringField(item, "address", true)
		if err != nil {
			return nil, err
		}
		keyPath, err := stringList(item, "key_path")
		if err != nil {
			return nil, err
		}
		transformers, err := transformerList(item)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, Input{Address: address, KeyPath: keyPath, Transformers: transformers})
	}
	return inputs, nil
}

// ParseIPRange 解析单个IP或CIDR
func ParseIPRange(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ip range '%s'", s)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip address '%s'", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseTargets(m *object.Object) ([]Target, error) {
	value, ok := m.Find("rules_target")
	if !ok {
		return nil, nil
	}
	if !value.IsArray() {
		return nil, invalidType("rules_target", "array", value.Kind())
	}
	targets := make([]Target, 0, value.Size())
	for i := 0; i < value.Size(); i++ {
		item, _ := value.Index(i)
		if !item.IsMap() {
			return nil, invalidType("rules_target[]", "map", item.Kind())
		}
		ruleID, err := stringField(item, "rule_id", false)
		if err != nil {
			return nil, err
		}
		tags, err := stringMap(item, "tags")
		if err != nil {
			return nil, err
		}
		if ruleID == "" && len(tags) == 0 {
			return nil, fmt.Errorf("empty rules_target")
		}
		targets = append(targets, Target{RuleID: ruleID, Tags: tags})
	}
	return targets, nil
}

func (p *parser) parseExclusion(item *object.Object, _ *Feature, id string) (*Exclusion, error) {
	exclusion := &Exclusion{ID: id, Mode: ExclusionBypass}

	var err error
	if exclusion.Targets, err = parseTargets(item); err != nil {
		return nil, err
	}
	if exclusion.Conditions, err = p.parseConditions(item, false); err != nil {
		return nil, err
	}
	if exclusion.Inputs, err = parseInputs(item, false); err != nil {
		return nil, err
	}
	mode, err := stringField(item, "on_match", false)
	if err != nil {
		return nil, err
	}
	switch mode {
	case "":
	case ExclusionBypass, ExclusionMonitor:
		exclusion.Mode = mode
	default:
		return nil, fmt.Errorf("unsupported on_match '%s'", mode)
	}
	return exclusion, nil
}

func (p *parser) parseOverride(item *object.Object, _ *Feature, id string) (*Override, error) {
	override := &Override{ID: id}

	var err error
	if override.Targets, err = parseTargets(item); err != nil {
		return nil, err
	}
	if len(override.Targets) == 0 {
		return nil, missingKey("rules_target")
	}
	if _, ok := item.Find("enabled"); ok {
		enabled, err := boolField(item, "enabled", true)
		if err != nil {
			return nil, err
		}
		override.Enabled = &enabled
	}
	if _, ok := item.Find("on_match"); ok {
		if override.OnMatch, err = stringList(item, "on_match"); err != nil {
			return nil, err
		}
		override.HasOnMatch = true
	}
	if override.Enabled == nil && !override.HasOnMatch {
		return nil, fmt.Errorf("rule override without side-effects")
	}
	return override, nil
}

func parseDataSet(item *object.Object, _ *Feature, id string) (*DataSet, error) {
	set := &DataSet{ID: id}

	var err error
	if set.Type, err = stringField(item, "type", true); err != nil {
		return nil, err
	}
	if set.Type != DataTypeData && set.Type != DataTypeIP {
		return nil, fmt.Errorf("unsupported data type '%s'", set.Type)
	}
	data, ok := item.Find("data")
	if !ok {
		return nil, missingKey("data")
	}
	if !data.IsArray() {
		return nil, invalidType("data", "array", data.Kind())
	}
	for i := 0; i < data.Size(); i++ {
		entry, _ := data.Index(i)
		if !entry.IsMap() {
			return nil, invalidType("data[]", "map", entry.Kind())
		}
		value, err := stringField(entry, "value", true)
		if err != nil {
			return nil, err
		}
		if set.Type == DataTypeIP {
			if _, err := ParseIPRange(value); err != nil {
				return nil, err
			}
		}
		expiration := uint64(0)
		if v, ok := entry.Find("expiration"); ok {
			n, err := toUint64OrInt(v)
			if err != nil || n < 0 {
				return nil, invalidType("expiration", "unsigned", v.Kind())
			}
			expiration = uint64(n)
		}
		set.Entries = append(set.Entries, DataEntry{Value: value, Expiration: expiration})
	}
	return set, nil
}

func parseAction(item *object.Object, _ *Feature, id string) (*Action, error) {
	action := &Action{ID: id, Parameters: object.Map()}

	var err error
	if action.Type, err = stringField(item, "type", true); err != nil {
		return nil, err
	}
	if params, ok := item.Find("parameters"); ok {
		if !params.IsMap() {
			return nil, invalidType("parameters", "map", params.Kind())
		}
		action.Parameters = params.Clone()
	}
	return action, nil
}

func (p *parser) parseProcessor(item *object.Object, _ *Feature, id string) (*Processor, error) {
	processor := &Processor{ID: id}

	var err error
	if processor.Generator, err = stringField(item, "generator", true); err != nil {
		return nil, err
	}
	if processor.Generator != GeneratorExtractSchema && processor.Generator != GeneratorFingerprint {
		return nil, fmt.Errorf("unknown generator '%s'", processor.Generator)
	}
	if processor.Conditions, err = p.parseConditions(item, false); err != nil {
		return nil, err
	}
	if processor.Evaluate, err = boolField(item, "evaluate", true); err != nil {
		return nil, err
	}
	if processor.Output, err = boolField(item, "output", true); err != nil {
		return nil, err
	}

	params, ok := item.Find("parameters")
	if !ok {
		return nil, missingKey("parameters")
	}
	mappings, ok := params.Find("mappings")
	if !ok {
		return nil, missingKey("mappings")
	}
	if !mappings.IsArray() || mappings.Size() == 0 {
		return nil, fmt.Errorf("empty mappings")
	}
	for i := 0; i < mappings.Size(); i++ {
		m, _ := mappings.Index(i)
		if !m.IsMap() {
			return nil, invalidType("mappings[]", "map", m.Kind())
		}
		inputs, err := parseInputs(m, true)
		if err != nil {
			return nil, err
		}
		output, err := stringField(m, "output", true)
		if err != nil {
			return nil, err
		}
		processor.Mappings = append(processor.Mappings, Mapping{Inputs: inputs, Output: output})
	}
	return processor, nil
}

func (p *parser) parseScanner(item *object.Object, _ *Feature, id string) (*Scanner, error) {
	scanner := &Scanner{ID: id}

	var err error
	if scanner.Name, err = stringField(item, "name", false); err != nil {
		return nil, err
	}
	if scanner.Tags, err = stringMap(item, "tags"); err != nil {
		return nil, err
	}
	for _, key := range []string{"key", "value"} {
		m, ok := item.Find(key)
		if !ok {
			continue
		}
		if !m.IsMap() {
			return nil, invalidType(key, "map", m.Kind())
		}
		cond, err := p.parseCondition(m, false)
		if err != nil {
			return nil, err
		}
		if key == "key" {
			scanner.Key = &cond
		} else {
			scanner.Value = &cond
		}
	}
	if scanner.Key == nil && scanner.Value == nil {
		return nil, fmt.Errorf("scanner without key or value matcher")
	}
	return scanner, nil
}
