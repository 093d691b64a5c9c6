package engine

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
	"github.com/haolipeng/waf_detector/pkg/types"
)

func compileYAML(t *testing.T, docs ...string) *Engine {
	t.Helper()
	var frags []*ruleset.Fragment
	for _, doc := range docs {
		obj, err := object.FromYAML([]byte(doc))
		require.NoError(t, err)
		frag, diag, err := ruleset.Parse(&obj, ruleset.Options{CheckCondition: CheckCondition})
		require.NoError(t, err)
		require.NoError(t, diag.Err())
		frags = append(frags, frag)
	}
	e, err := Compile(ruleset.Merge(frags...), Config{Obfuscator: DefaultObfuscator()})
	require.NoError(t, err)
	return e
}

// store 模拟上下文中的地址表
type store struct {
	values    map[string]*object.Object
	ephemeral map[string]bool
}

func newStore() *store {
	return &store{values: make(map[string]*object.Object), ephemeral: make(map[string]bool)}
}

func (s *store) lookup(address string) (*object.Object, bool, bool) {
	v, ok := s.values[address]
	return v, s.ephemeral[address], ok
}

func (s *store) set(t *testing.T, data map[string]any, ephemeral bool) map[string]struct{} {
	t.Helper()
	changed := make(map[string]struct{})
	for k, v := range data {
		obj, err := object.FromGo(v)
		require.NoError(t, err)
		s.values[k] = &obj
		s.ephemeral[k] = ephemeral
		changed[k] = struct{}{}
	}
	return changed
}

func (s *store) clearEphemeral() {
	for k, eph := range s.ephemeral {
		if eph {
			delete(s.values, k)
			delete(s.ephemeral, k)
		}
	}
}

func runOnce(t *testing.T, e *Engine, data map[string]any) *Outcome {
	t.Helper()
	s := newStore()
	changed := s.set(t, data, false)
	out, err := e.Run(NewState(), Input{Lookup: s.lookup, Changed: changed})
	require.NoError(t, err)
	return out
}

func ruleIDs(events []object.Object) []string {
	var ids []string
	for i := range events {
		r, _ := events[i].Find("rule")
		id, _ := r.Find("id")
		ids = append(ids, id.StringValue())
	}
	return ids
}

func toJSON(t *testing.T, o object.Object) string {
	t.Helper()
	data, err := o.MarshalJSON()
	require.NoError(t, err)
	return string(data)
}

const sqliRules = `
metadata: {rules_version: "1.0.0"}
rules:
  - id: sqli
    name: SQL injection
    tags: {type: sql_injection, category: attack_attempt}
    conditions:
      - operator: match_regex
        parameters:
          inputs: [{address: server.request.query}]
          regex: "union\\s+select"
    transformers: [url_decode, lowercase]
    on_match: [block]
  - id: scanner
    name: Security scanner
    priority: 5
    tags: {type: security_scanner, category: attack_attempt}
    conditions:
      - operator: phrase_match
        parameters:
          inputs: [{address: server.request.headers.no_cookies, key_path: [user-agent]}]
          list: [sqlmap, nikto]
    on_match: [stack_trace]
`

func TestRunEventFormat(t *testing.T) {
	e := compileYAML(t, sqliRules)
	assert.Equal(t, []string{"server.request.headers.no_cookies", "server.request.query"}, e.Addresses())
	assert.Equal(t, []string{ActionBlockRequest, ActionGenerateStack}, e.ActionTypes())
	assert.Equal(t, "1.0.0", e.Version())

	out := runOnce(t, e, map[string]any{
		"server.request.query": map[string]any{"id": []any{"1 UNION%20Select pwd"}},
	})
	require.Len(t, out.Events, 1)
	assert.JSONEq(t, `{
		"rule": {"id":"sqli","name":"SQL injection","tags":{"category":"attack_attempt","type":"sql_injection"},"on_match":["block"]},
		"rule_matches": [{
			"operator":"match_regex",
			"operator_value":"union\\s+select",
			"parameters":[{"address":"server.request.query","key_path":["id","0"],"value":"1 union select pwd","highlight":["union select"]}]
		}]
	}`, toJSON(t, out.Events[0]))

	assert.JSONEq(t, `{"block_request":{"status_code":403,"type":"auto","grpc_status_code":10}}`, toJSON(t, out.Actions()))
	assert.False(t, out.Timeout)
}

func TestRunPriorityAndActions(t *testing.T) {
	e := compileYAML(t, sqliRules, `
actions:
  - id: block
    type: redirect_request
    parameters: {status_code: 303, location: /blocked}
`)
	out := runOnce(t, e, map[string]any{
		"server.request.query":               "union select",
		"server.request.headers.no_cookies": map[string]any{"user-agent": "sqlmap/1.0"},
	})
	assert.Equal(t, []string{"scanner", "sqli"}, ruleIDs(out.Events), "高优先级规则先评估")

	actions := out.Actions()
	stack, ok := actions.Find(ActionGenerateStack)
	require.True(t, ok)
	id, ok := stack.Find("stack_id")
	require.True(t, ok)
	assert.Len(t, id.StringValue(), 36)

	redirect, ok := actions.Find(ActionRedirectRequest)
	require.True(t, ok)
	location, _ := redirect.Find("location")
	assert.Equal(t, "/blocked", location.StringValue())
}

func TestOnlyFirstBlockingAction(t *testing.T) {
	e := compileYAML(t, `
actions:
  - {id: redirect, type: redirect_request, parameters: {status_code: 302, location: /x}}
rules:
  - id: a
    name: a
    priority: 1
    tags: {type: t}
    conditions: [{operator: exists, parameters: {inputs: [{address: x}]}}]
    on_match: [block]
  - id: b
    name: b
    tags: {type: t}
    conditions: [{operator: exists, parameters: {inputs: [{address: x}]}}]
    on_match: [redirect, unknown_action]
`)
	out := runOnce(t, e, map[string]any{"x": 1})
	assert.Len(t, out.Events, 2)
	actions := out.Actions()
	assert.Equal(t, 1, actions.Size())
	_, ok := actions.Find(ActionBlockRequest)
	assert.True(t, ok)
}

func TestOperators(t *testing.T) {
	e := compileYAML(t, `
rules_data:
  - id: blocked_ips
    type: ip_with_expiration
    data:
      - {value: 10.0.0.0/8, expiration: 0}
      - {value: 192.168.1.1, expiration: 1}
  - id: blocked_users
    type: data_with_expiration
    data: [{value: admin}]
rules:
  - id: ip
    name: ip
    tags: {type: ip}
    conditions: [{operator: ip_match, parameters: {inputs: [{address: http.client_ip}], data: blocked_ips}}]
  - id: user
    name: user
    tags: {type: user}
    conditions: [{operator: exact_match, parameters: {inputs: [{address: usr.id}], data: blocked_users}}]
  - id: status
    name: status
    tags: {type: status}
    conditions: [{operator: equals, parameters: {inputs: [{address: status}], value: 404}}]
  - id: not-json
    name: not json
    tags: {type: content}
    conditions: [{operator: "!match_regex", parameters: {inputs: [{address: content_type}], regex: "^application/json$"}}]
  - id: cel
    name: cel
    tags: {type: cel}
    conditions: [{operator: cel, parameters: {inputs: [{address: body}], expression: "size(value) > 2 && address == 'body'"}}]
  - id: nulls
    name: nulls
    tags: {type: nulls}
    conditions:
      - operator: phrase_match
        parameters:
          inputs: [{address: path, transformers: [remove_nulls, compress_whitespace]}]
          list: ["/etc/ passwd"]
`)

	testCases := []struct {
		name  string
		data  map[string]any
		match []string
	}{
		{name: "IP段命中", data: map[string]any{"http.client_ip": "10.1.2.3"}, match: []string{"ip"}},
		{name: "过期IP不命中", data: map[string]any{"http.client_ip": "192.168.1.1"}},
		{name: "数据集精确匹配", data: map[string]any{"usr.id": "admin"}, match: []string{"user"}},
		{name: "数值相等", data: map[string]any{"status": uint16(404)}, match: []string{"status"}},
		{name: "数值不等", data: map[string]any{"status": 200}},
		{name: "取反正则", data: map[string]any{"content_type": "text/html"}, match: []string{"not-json"}},
		{name: "取反正则不命中", data: map[string]any{"content_type": "application/json"}},
		{name: "CEL表达式", data: map[string]any{"body": map[string]any{"a": 1, "b": 2, "c": 3}}, match: []string{"cel"}},
		{name: "CEL表达式不命中", data: map[string]any{"body": []any{1}}},
		{name: "转换器", data: map[string]any{"path": "/etc/\x00   passwd"}, match: []string{"nulls"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := runOnce(t, e, tc.data)
			assert.Equal(t, tc.match, ruleIDs(out.Events))
		})
	}
}

func TestOverrides(t *testing.T) {
	base := `
rules:
  - id: r1
    name: r1
    tags: {type: t, category: attack_attempt}
    conditions: [{operator: exists, parameters: {inputs: [{address: x}]}}]
    on_match: [block]
  - id: r2
    name: r2
    enabled: false
    tags: {type: t, category: attack_attempt}
    conditions: [{operator: exists, parameters: {inputs: [{address: x}]}}]
`
	override := `
rules_override:
  - rules_target: [{rule_id: r1}]
    enabled: true
  - rules_target: [{tags: {category: attack_attempt}}]
    enabled: false
    on_match: []
  - rules_target: [{rule_id: r2}]
    enabled: true
`
	e := compileYAML(t, base)
	out := runOnce(t, e, map[string]any{"x": 1})
	assert.Equal(t, []string{"r1"}, ruleIDs(out.Events))

	// 标签覆盖先应用，ID覆盖后应用
	e = compileYAML(t, base, override)
	out = runOnce(t, e, map[string]any{"x": 1})
	assert.Equal(t, []string{"r1", "r2"}, ruleIDs(out.Events))
	assert.False(t, out.HasActions())
	assert.Empty(t, e.ActionTypes())
}

func TestExclusions(t *testing.T) {
	e := compileYAML(t, `
rules:
  - id: xss
    name: xss
    tags: {type: xss}
    conditions: [{operator: match_regex, parameters: {inputs: [{address: query}], regex: "<script"}}]
    on_match: [block]
  - id: lfi
    name: lfi
    tags: {type: lfi}
    conditions: [{operator: match_regex, parameters: {inputs: [{address: query}], regex: "\\.\\./"}}]
    on_match: [block]
exclusions:
  - id: trusted-ip
    rules_target: [{rule_id: xss}]
    conditions: [{operator: ip_match, parameters: {inputs: [{address: ip}], list: [127.0.0.1]}}]
  - id: monitor-lfi
    rules_target: [{tags: {type: lfi}}]
    on_match: monitor
  - id: skip-comment
    inputs: [{address: query, key_path: [comment]}]
`)

	out := runOnce(t, e, map[string]any{"query": map[string]any{"q": "<script>../"}, "ip": "127.0.0.1"})
	assert.Equal(t, []string{"lfi"}, ruleIDs(out.Events), "xss 被排除")
	assert.False(t, out.HasActions(), "monitor 模式只保留事件")

	out = runOnce(t, e, map[string]any{"query": map[string]any{"q": "<script>"}, "ip": "1.2.3.4"})
	assert.Equal(t, []string{"xss"}, ruleIDs(out.Events))
	assert.True(t, out.HasActions())

	out = runOnce(t, e, map[string]any{"query": map[string]any{"comment": "<script>"}})
	assert.Empty(t, out.Events, "被排除的输入不参与匹配")
}

func TestObfuscator(t *testing.T) {
	e := compileYAML(t, `
rules:
  - id: r
    name: r
    tags: {type: t}
    conditions: [{operator: match_regex, parameters: {inputs: [{address: body}], regex: "sel+ect"}}]
`)
	out := runOnce(t, e, map[string]any{"body": map[string]any{"password": "select"}})
	require.Len(t, out.Events, 1)
	assert.NotContains(t, toJSON(t, out.Events[0]), `"select"`)
	assert.Contains(t, toJSON(t, out.Events[0]), RedactedValue)

	out = runOnce(t, e, map[string]any{"body": map[string]any{"q": "select"}})
	assert.Contains(t, toJSON(t, out.Events[0]), `"highlight":["select"]`)
}

func TestPersistentMatchNotReported(t *testing.T) {
	e := compileYAML(t, `
rules:
  - id: r
    name: r
    tags: {type: t}
    conditions: [{operator: match_regex, parameters: {inputs: [{address: a}, {address: e}], regex: "attack"}}]
`)
	state := NewState()
	s := newStore()

	changed := s.set(t, map[string]any{"a": "attack"}, false)
	out, err := e.Run(state, Input{Lookup: s.lookup, Changed: changed})
	require.NoError(t, err)
	assert.Len(t, out.Events, 1)

	changed = s.set(t, map[string]any{"e": "attack"}, true)
	out, err = e.Run(state, Input{Lookup: s.lookup, Changed: changed})
	require.NoError(t, err)
	assert.Empty(t, out.Events, "已在持久数据上命中的规则不再上报")

	// 只在临时数据上命中的规则可以再次命中
	e2 := compileYAML(t, `
rules:
  - id: r
    name: r
    tags: {type: t}
    conditions: [{operator: match_regex, parameters: {inputs: [{address: e}], regex: "attack"}}]
`)
	state = NewState()
	s = newStore()
	for i := 0; i < 2; i++ {
		changed = s.set(t, map[string]any{"e": "attack"}, true)
		out, err = e2.Run(state, Input{Lookup: s.lookup, Changed: changed})
		require.NoError(t, err)
		assert.Len(t, out.Events, 1)
		s.clearEphemeral()
	}

	// 输入没有变化时规则不评估
	out, err = e2.Run(state, Input{Lookup: s.lookup, Changed: map[string]struct{}{"other": {}}})
	require.NoError(t, err)
	assert.Empty(t, out.Events)
}

func TestProcessors(t *testing.T) {
	e := compileYAML(t, `
scanners:
  - id: email
    name: Email
    value: {operator: match_regex, parameters: {regex: "^[^@]+@[^@]+$"}}
    tags: {type: email, category: pii}
processors:
  - id: schema
    generator: extract_schema
    evaluate: false
    parameters:
      mappings:
        - inputs: [{address: body}]
          output: _dd.appsec.s.req.body
  - id: fp
    generator: fingerprint
    output: false
    parameters:
      mappings:
        - inputs: [{address: path}, {address: method}]
          output: _dd.appsec.fp.endpoint
rules:
  - id: fp-rule
    name: fingerprint seen
    tags: {type: t}
    conditions: [{operator: match_regex, parameters: {inputs: [{address: _dd.appsec.fp.endpoint}], regex: "^fp-"}}]
`)
	assert.Equal(t, []string{"body", "method", "path"}, e.Addresses())

	out := runOnce(t, e, map[string]any{
		"body":   map[string]any{"email": "a@b.c", "ids": []any{1, 2, 3}, "name": "x"},
		"path":   "/login",
		"method": "POST",
	})
	assert.Equal(t, []string{"fp-rule"}, ruleIDs(out.Events), "派生地址参与规则评估")

	attributes := out.Attributes()
	assert.Equal(t, 1, attributes.Size())
	schema, ok := attributes.Find("_dd.appsec.s.req.body")
	require.True(t, ok)
	assert.JSONEq(t, `[{"email":[8,{"category":"pii","type":"email"}],"ids":[[[4]],{"len":3}],"name":[8]}]`, toJSON(t, *schema))
}

func TestSchemaDepthLimit(t *testing.T) {
	b := &schemaBuilder{}
	var v any = "leaf"
	for i := 0; i < 25; i++ {
		v = map[string]any{"k": v}
	}
	obj, err := object.FromGo(v)
	require.NoError(t, err)
	schema := b.build(&obj, "", 0)
	assert.LessOrEqual(t, strings.Count(toJSON(t, schema), "{"), schemaMaxDepth+1)
}

func TestRunTimeout(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("rules:\n")
	for i := 0; i < 200; i++ {
		sb.WriteString("  - id: r" + strconv.Itoa(i) + "\n")
		sb.WriteString("    name: expensive\n    tags: {type: t}\n")
		sb.WriteString("    conditions: [{operator: match_regex, parameters: {inputs: [{address: body}], regex: \"(a|b|c)+x(d|e)*z$\"}}]\n")
	}
	e := compileYAML(t, sb.String())

	items := make([]any, 0, 256)
	for i := 0; i < 256; i++ {
		items = append(items, strings.Repeat("abc", 1000))
	}
	s := newStore()
	changed := s.set(t, map[string]any{"body": items}, false)

	start := time.Now()
	out, err := e.Run(NewState(), Input{Lookup: s.lookup, Changed: changed, Deadline: time.Now().Add(time.Microsecond)})
	require.NoError(t, err)
	assert.True(t, out.Timeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCompileEmpty(t *testing.T) {
	_, err := Compile(&ruleset.Ruleset{}, Config{})
	assert.ErrorIs(t, err, types.ErrEmptyRuleset)

	_, err = Compile(&ruleset.Ruleset{Processors: []*ruleset.Processor{{ID: "p", Generator: ruleset.GeneratorFingerprint}}},
		Config{Obfuscator: Obfuscator{KeyRegex: "("}})
	assert.Error(t, err)
}

func TestCheckCondition(t *testing.T) {
	assert.NoError(t, CheckCondition(&ruleset.Condition{Operator: ruleset.OperatorCEL, Expression: "value == 'x'"}))
	assert.Error(t, CheckCondition(&ruleset.Condition{Operator: ruleset.OperatorCEL, Expression: "value +"}))
	assert.Error(t, CheckCondition(&ruleset.Condition{Operator: ruleset.OperatorCEL, Expression: "'x'"}), "非布尔表达式")
	assert.NoError(t, CheckCondition(&ruleset.Condition{Operator: ruleset.OperatorExists}))
}

func TestTransformers(t *testing.T) {
	testCases := []struct {
		name  string
		chain []string
		in    string
		out   string
	}{
		{name: "url解码", chain: []string{"url_decode"}, in: "a%20b+c", out: "a b c"},
		{name: "非法转义", chain: []string{"url_decode"}, in: "%zz%41", out: "%zzA"},
		{name: "base64", chain: []string{"base64_decode"}, in: "aGVsbG8=", out: "hello"},
		{name: "html实体", chain: []string{"html_entity_decode"}, in: "&lt;script&gt;", out: "<script>"},
		{name: "组合", chain: []string{"lowercase", "compress_whitespace"}, in: "A \t\n B", out: "a b"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chain, err := compileTransformers(tc.chain)
			require.NoError(t, err)
			assert.Equal(t, tc.out, applyTransformers(tc.in, chain))
		})
	}
	_, err := compileTransformers([]string{"rot13"})
	assert.Error(t, err)
}
