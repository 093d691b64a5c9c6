// Package engine 将合并后的规则集编译成可执行形式，并在地址数据上评估
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/haolipeng/waf_detector/pkg/log"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
	"github.com/haolipeng/waf_detector/pkg/types"
)

// Config 是编译规则集时使用的引擎配置
type Config struct {
	Limits     object.Limits
	Obfuscator Obfuscator
}

type rule struct {
	id         string
	name       string
	tags       map[string]string
	onMatch    []string
	actions    []*ruleset.Action
	conditions []*condition
	addresses  map[string]struct{}
	priority   int
	custom     bool
	order      int
}

type exclusion struct {
	id         string
	targets    []ruleset.Target
	conditions []*condition
	inputs     []input
	mode       string
}

// Engine 是编译后的只读规则集，可以被多个上下文并发使用
type Engine struct {
	version        string
	rules          []*rule
	exclusions     []*exclusion
	preprocessors  []*processor
	postprocessors []*processor
	scanners       []*scanner
	obfuscator     *obfuscator
	limits         object.Limits
	addresses      []string
	actionTypes    []string
}

// Compile 编译规则集，没有任何规则和处理器时返回 types.ErrEmptyRuleset
func Compile(rs *ruleset.Ruleset, cfg Config) (*Engine, error) {
	if rs == nil || len(rs.Rules)+len(rs.CustomRules)+len(rs.Processors) == 0 {
		return nil, types.ErrEmptyRuleset
	}

	obf, err := newObfuscator(cfg.Obfuscator)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		version:    rs.Version,
		obfuscator: obf,
		limits:     cfg.Limits.WithDefaults(),
	}

	actions := make(map[string]*ruleset.Action)
	for _, a := range defaultActions() {
		actions[a.ID] = a
	}
	for _, a := range rs.Actions {
		actions[a.ID] = a
	}
	rulesData := dataByID(rs.RulesData)
	exclusionData := dataByID(rs.ExclusionData)

	order := 0
	for _, group := range [][]*ruleset.Rule{rs.CustomRules, rs.Rules} {
		for _, def := range group {
			r, err := compileRule(def, rs.Overrides, actions, rulesData)
			order++
			if err != nil {
				log.Warnf("skip rule %s: %v", def.ID, err)
				continue
			}
			if r == nil {
				continue
			}
			r.order = order
			e.rules = append(e.rules, r)
		}
	}
	// 优先级高的先评估，相同优先级保持定义顺序(自定义规则在前)
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].priority != e.rules[j].priority {
			return e.rules[i].priority > e.rules[j].priority
		}
		return e.rules[i].order < e.rules[j].order
	})

	for _, def := range rs.Exclusions {
		ex := &exclusion{id: def.ID, targets: def.Targets, mode: def.Mode}
		for i := range def.Conditions {
			c, err := compileCondition(&def.Conditions[i], nil, exclusionData)
			if err != nil {
				return nil, fmt.Errorf("compile exclusion %s failed: %w", def.ID, err)
			}
			ex.conditions = append(ex.conditions, c)
		}
		if ex.inputs, err = compileInputs(def.Inputs, nil); err != nil {
			return nil, fmt.Errorf("compile exclusion %s failed: %w", def.ID, err)
		}
		e.exclusions = append(e.exclusions, ex)
	}

	for _, def := range rs.Scanners {
		s, err := compileScanner(def)
		if err != nil {
			return nil, fmt.Errorf("compile scanner %s failed: %w", def.ID, err)
		}
		e.scanners = append(e.scanners, s)
	}

	for _, def := range rs.Processors {
		p, err := compileProcessor(def, rulesData)
		if err != nil {
			return nil, fmt.Errorf("compile processor %s failed: %w", def.ID, err)
		}
		if p.evaluate {
			e.preprocessors = append(e.preprocessors, p)
		} else {
			e.postprocessors = append(e.postprocessors, p)
		}
	}

	e.collectAddresses()
	e.collectActions()
	log.Debugf("compiled ruleset %q: %d rules, %d exclusions, %d processors",
		e.version, len(e.rules), len(e.exclusions), len(e.preprocessors)+len(e.postprocessors))
	return e, nil
}

func dataByID(sets []*ruleset.DataSet) map[string]*ruleset.DataSet {
	out := make(map[string]*ruleset.DataSet, len(sets))
	for _, s := range sets {
		out[s.ID] = s
	}
	return out
}

// compileRule 应用覆盖配置并编译规则，被禁用的规则返回 nil
func compileRule(def *ruleset.Rule, overrides []*ruleset.Override, actions map[string]*ruleset.Action, data map[string]*ruleset.DataSet) (*rule, error) {
	enabled := def.Enabled
	onMatch := def.OnMatch

	// 先应用按标签选择的覆盖，再应用按ID选择的覆盖
	for _, byID := range []bool{false, true} {
		for _, o := range overrides {
			if !overrideTargets(o, def, byID) {
				continue
			}
			if o.Enabled != nil {
				enabled = *o.Enabled
			}
			if o.HasOnMatch {
				onMatch = o.OnMatch
			}
		}
	}
	if !enabled {
		return nil, nil
	}

	chain, err := compileTransformers(def.Transformers)
	if err != nil {
		return nil, err
	}
	r := &rule{
		id:        def.ID,
		name:      def.Name,
		tags:      def.Tags,
		onMatch:   onMatch,
		priority:  def.Priority,
		custom:    def.Custom,
		addresses: make(map[string]struct{}),
	}
	for _, id := range onMatch {
		if a, ok := actions[id]; ok {
			r.actions = append(r.actions, a)
		}
	}
	for i := range def.Conditions {
		c, err := compileCondition(&def.Conditions[i], chain, data)
		if err != nil {
			return nil, err
		}
		for _, address := range c.addresses() {
			r.addresses[address] = struct{}{}
		}
		r.conditions = append(r.conditions, c)
	}
	return r, nil
}

func overrideTargets(o *ruleset.Override, def *ruleset.Rule, byID bool) bool {
	for _, t := range o.Targets {
		if (t.RuleID != "") != byID {
			continue
		}
		if t.Matches(def) {
			return true
		}
	}
	return false
}

func (e *Engine) collectAddresses() {
	set := make(map[string]struct{})
	derived := make(map[string]struct{})
	add := func(inputs []input) {
		for _, in := range inputs {
			set[in.address] = struct{}{}
		}
	}
	for _, r := range e.rules {
		for _, c := range r.conditions {
			add(c.inputs)
		}
	}
	for _, ex := range e.exclusions {
		add(ex.inputs)
		for _, c := range ex.conditions {
			add(c.inputs)
		}
	}
	for _, p := range append(append([]*processor(nil), e.preprocessors...), e.postprocessors...) {
		for _, c := range p.conditions {
			add(c.inputs)
		}
		for _, m := range p.mappings {
			add(m.inputs)
			if p.evaluate {
				derived[m.output] = struct{}{}
			}
		}
	}
	for address := range derived {
		delete(set, address)
	}
	e.addresses = make([]string, 0, len(set))
	for address := range set {
		e.addresses = append(e.addresses, address)
	}
	sort.Strings(e.addresses)
}

func (e *Engine) collectActions() {
	set := make(map[string]struct{})
	for _, r := range e.rules {
		for _, a := range r.actions {
			set[a.Type] = struct{}{}
		}
	}
	e.actionTypes = make([]string, 0, len(set))
	for t := range set {
		e.actionTypes = append(e.actionTypes, t)
	}
	sort.Strings(e.actionTypes)
}

// Version 返回规则集版本
func (e *Engine) Version() string { return e.version }

// Limits 返回实例使用的数据限制
func (e *Engine) Limits() object.Limits { return e.limits }

// Addresses 返回规则集需要的地址，按字典序
func (e *Engine) Addresses() []string {
	return append([]string(nil), e.addresses...)
}

// ActionTypes 返回启用的规则可能产生的动作类型，按字典序
func (e *Engine) ActionTypes() []string {
	return append([]string(nil), e.actionTypes...)
}

// RuleCount 返回启用的规则数量
func (e *Engine) RuleCount() int { return len(e.rules) }

// State 是一个上下文在多次评估之间保留的引擎状态，不是并发安全的
type State struct {
	matched map[string]struct{}
	derived map[string]derivedValue
}

// NewState 创建空的上下文状态
func NewState() *State {
	return &State{
		matched: make(map[string]struct{}),
		derived: make(map[string]derivedValue),
	}
}

// Input 描述一次评估调用
type Input struct {
	Lookup   LookupFunc
	Changed  map[string]struct{} // 本次调用中新出现或被替换的地址
	Deadline time.Time           // 零值表示不限时
}

type attribute struct {
	name  string
	value object.Object
}

// Outcome 是一次评估的输出
type Outcome struct {
	Events     []object.Object
	actions    *actionSet
	attributes []attribute
	Timeout    bool
}

// Actions 返回动作类型到参数的映射
func (o *Outcome) Actions() object.Object {
	if o.actions == nil {
		return object.Map()
	}
	return o.actions.toObject()
}

// Attributes 返回处理器输出的属性映射
func (o *Outcome) Attributes() object.Object {
	out := object.Map()
	for _, a := range o.attributes {
		out.MapAdd(a.name, a.value)
	}
	return out
}

// HasActions 判断是否产生了动作
func (o *Outcome) HasActions() bool {
	return o.actions != nil && !o.actions.empty()
}

// Run 在一个上下文的数据上执行规则集
func (e *Engine) Run(state *State, in Input) (*Outcome, error) {
	out := &Outcome{actions: newActionSet()}
	r := &runState{
		lookupFn: in.Lookup,
		derived:  make(map[string]derivedValue, len(state.derived)),
		limits:   e.limits,
		deadline: in.Deadline,
		now:      time.Now().Unix(),
	}
	for k, v := range state.derived {
		r.derived[k] = v
	}
	changed := make(map[string]struct{}, len(in.Changed))
	for k := range in.Changed {
		changed[k] = struct{}{}
	}

	emit := func(p *processor) func(string, object.Object, bool) {
		return func(output string, value object.Object, ephemeral bool) {
			if p.evaluate {
				v := value
				d := derivedValue{value: &v, ephemeral: ephemeral}
				r.derived[output] = d
				if !ephemeral {
					state.derived[output] = d
				}
				changed[output] = struct{}{}
			}
			if p.output {
				out.attributes = append(out.attributes, attribute{name: output, value: value})
			}
		}
	}

	for _, p := range e.preprocessors {
		if r.expired() {
			break
		}
		if err := p.run(r, changed, e.scanners, emit(p)); err != nil {
			return nil, err
		}
	}

	if !r.expired() {
		if err := e.evalRules(state, r, changed, out); err != nil {
			return nil, err
		}
	}

	for _, p := range e.postprocessors {
		if r.expired() {
			break
		}
		if err := p.run(r, changed, e.scanners, emit(p)); err != nil {
			return nil, err
		}
	}

	out.Timeout = r.timedOut
	return out, nil
}

type ruleExclusion struct {
	bypass   bool
	monitor  bool
	excluded map[*object.Object]struct{}
}

// activeExclusions 计算本次调用中生效的排除过滤器
func (e *Engine) activeExclusions(r *runState) ([]*exclusion, error) {
	var active []*exclusion
	for _, ex := range e.exclusions {
		matched := true
		for _, c := range ex.conditions {
			m, err := c.eval(r)
			if err != nil {
				return nil, err
			}
			if m == nil {
				matched = false
				break
			}
		}
		if matched {
			active = append(active, ex)
		}
	}
	return active, nil
}

func (e *Engine) exclusionFor(r *runState, ru *rule, active []*exclusion) ruleExclusion {
	var result ruleExclusion
	def := &ruleset.Rule{ID: ru.id, Tags: ru.tags}
	for _, ex := range active {
		if len(ex.targets) > 0 {
			targeted := false
			for _, t := range ex.targets {
				if t.Matches(def) {
					targeted = true
					break
				}
			}
			if !targeted {
				continue
			}
		}
		if len(ex.inputs) == 0 {
			if ex.mode == ruleset.ExclusionMonitor {
				result.monitor = true
			} else {
				result.bypass = true
			}
			continue
		}
		for _, in := range ex.inputs {
			root, _, ok := r.lookup(in.address)
			if !ok {
				continue
			}
			if target, ok := resolve(root, in.keyPath); ok {
				if result.excluded == nil {
					result.excluded = make(map[*object.Object]struct{})
				}
				result.excluded[target] = struct{}{}
			}
		}
	}
	return result
}

func (e *Engine) evalRules(state *State, r *runState, changed map[string]struct{}, out *Outcome) error {
	active, err := e.activeExclusions(r)
	if err != nil {
		return err
	}

	for _, ru := range e.rules {
		if r.expired() {
			return nil
		}
		if _, done := state.matched[ru.id]; done {
			continue
		}
		if !intersects(ru.addresses, changed) {
			continue
		}

		ex := e.exclusionFor(r, ru, active)
		if ex.bypass {
			continue
		}
		r.excluded = ex.excluded

		matches, ephemeral, err := e.matchRule(r, ru)
		r.excluded = nil
		if err != nil {
			return err
		}
		if matches == nil {
			continue
		}
		if !ephemeral {
			state.matched[ru.id] = struct{}{}
		}

		out.Events = append(out.Events, e.event(ru, matches))
		if !ex.monitor {
			for _, a := range ru.actions {
				out.actions.add(a)
			}
		}
	}
	return nil
}

// matchRule 所有条件都命中时返回命中列表，ephemeral 表示是否用到了临时数据
func (e *Engine) matchRule(r *runState, ru *rule) ([]*conditionMatch, bool, error) {
	matches := make([]*conditionMatch, 0, len(ru.conditions))
	ephemeral := false
	for _, c := range ru.conditions {
		m, err := c.eval(r)
		if err != nil {
			return nil, false, fmt.Errorf("rule %s: %w", ru.id, err)
		}
		if m == nil {
			return nil, false, nil
		}
		ephemeral = ephemeral || m.ephemeral
		matches = append(matches, m)
	}
	return matches, ephemeral, nil
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// event 构造事件: {rule:{id,name,tags,on_match}, rule_matches:[...]}
func (e *Engine) event(ru *rule, matches []*conditionMatch) object.Object {
	ruleObj := object.Map()
	ruleObj.MapAdd("id", object.String(ru.id))
	ruleObj.MapAdd("name", object.String(ru.name))
	tags := object.Map()
	for _, k := range sortedTagKeys(ru.tags) {
		tags.MapAdd(k, object.String(ru.tags[k]))
	}
	ruleObj.MapAdd("tags", tags)
	onMatch := object.Array()
	for _, id := range ru.onMatch {
		onMatch.ArrayAdd(object.String(id))
	}
	ruleObj.MapAdd("on_match", onMatch)

	ruleMatches := object.Array()
	for _, m := range matches {
		e.obfuscator.apply(m)

		keyPath := object.Array()
		for _, k := range m.keyPath {
			keyPath.ArrayAdd(object.String(k))
		}
		highlight := object.Array()
		if m.highlight != "" {
			highlight.ArrayAdd(object.String(m.highlight))
		}
		param := object.Map()
		param.MapAdd("address", object.String(m.address))
		param.MapAdd("key_path", keyPath)
		param.MapAdd("value", object.String(m.value))
		param.MapAdd("highlight", highlight)

		match := object.Map()
		match.MapAdd("operator", object.String(m.operator))
		match.MapAdd("operator_value", object.String(m.operatorValue))
		match.MapAdd("parameters", object.Array(param))
		ruleMatches.ArrayAdd(match)
	}

	event := object.Map()
	event.MapAdd("rule", ruleObj)
	event.MapAdd("rule_matches", ruleMatches)
	return event
}
