package ruleset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/types"
)

const sampleDoc = `
version: "2.2"
metadata:
  rules_version: "1.4.2"
rules:
  - id: crs-942-100
    name: SQL injection
    tags: {type: sql_injection, category: attack_attempt}
    priority: 2
    conditions:
      - operator: match_regex
        parameters:
          inputs:
            - address: server.request.query
              key_path: [q]
              transformers: [lowercase]
          regex: "union\\s+select"
          options: {case_sensitive: false, min_length: 5}
    on_match: [block]
    comment: extra
  - id: missing-type
    name: broken
    tags: {category: x}
    conditions:
      - operator: exists
        parameters:
          inputs: [{address: a}]
  - id: bad-operator
    name: broken
    tags: {type: x}
    conditions:
      - operator: "!phrase_match"
        parameters:
          inputs: [{address: a}]
          list: [x]
  - id: future
    name: future rule
    min_version: "99.0.0"
    tags: {type: x}
    conditions:
      - operator: exists
        parameters:
          inputs: [{address: a}]
  - id: crs-942-100
    name: duplicate
    tags: {type: x}
    conditions:
      - operator: exists
        parameters:
          inputs: [{address: a}]
  - "not a map"
exclusions: {}
rules_override:
  - rules_target: [{tags: {category: attack_attempt}}]
    on_match: [monitor]
  - rules_target: [{rule_id: crs-942-100}]
rules_data:
  - id: blocked_ips
    type: ip_with_expiration
    data:
      - {value: 192.168.1.0/24, expiration: 0}
      - {value: "10.0.0.1", expiration: 1700000000}
  - id: bad_ips
    type: ip_with_expiration
    data:
      - {value: "not-an-ip"}
actions:
  - id: block
    type: block_request
    parameters: {status_code: 418, type: json}
processors:
  - id: schema
    generator: extract_schema
    evaluate: false
    parameters:
      mappings:
        - inputs: [{address: server.request.body}]
          output: _dd.appsec.s.req.body
scanners:
  - id: email
    name: Email scanner
    value:
      operator: match_regex
      parameters:
        regex: "@"
    tags: {type: email, category: pii}
`

func parseYAML(t *testing.T, doc string, opts Options) (*Fragment, Diagnostics) {
	t.Helper()
	obj, err := object.FromYAML([]byte(doc))
	require.NoError(t, err)
	frag, diag, err := Parse(&obj, opts)
	require.NoError(t, err)
	return frag, diag
}

func TestParseSections(t *testing.T) {
	frag, diag := parseYAML(t, sampleDoc, Options{})

	assert.Equal(t, "1.4.2", frag.Version)
	assert.Equal(t, "1.4.2", diag.Version)

	rules := diag.Feature(SectionRules)
	require.NotNil(t, rules)
	assert.Equal(t, []string{"crs-942-100"}, rules.Loaded)
	assert.Equal(t, []string{"missing-type", "bad-operator", "crs-942-100", "index:5"}, rules.Failed)
	assert.Equal(t, []string{"future"}, rules.Skipped)
	assert.Equal(t, []string{"missing-type"}, rules.Errors["missing key 'tags.type'"])
	assert.Equal(t, []string{"bad-operator"}, rules.Errors["unknown operator '!phrase_match'"])
	assert.Equal(t, []string{"crs-942-100"}, rules.Errors["duplicate id"])
	assert.Equal(t, []string{"crs-942-100"}, rules.Warnings["unknown key 'comment'"])

	require.Len(t, frag.Rules, 1)
	rule := frag.Rules[0]
	assert.Equal(t, "SQL injection", rule.Name)
	assert.True(t, rule.Enabled)
	assert.Equal(t, 2, rule.Priority)
	assert.Equal(t, []string{"block"}, rule.OnMatch)
	require.Len(t, rule.Conditions, 1)
	cond := rule.Conditions[0]
	assert.Equal(t, OperatorMatchRegex, cond.Operator)
	assert.Equal(t, 5, cond.MinLength)
	assert.Equal(t, []Input{{Address: "server.request.query", KeyPath: []string{"q"}, Transformers: []string{"lowercase"}}}, cond.Inputs)

	exclusions := diag.Feature(SectionExclusions)
	require.NotNil(t, exclusions)
	assert.Contains(t, exclusions.Error, "expected 'array'")

	overrides := diag.Feature(SectionOverrides)
	assert.Equal(t, []string{"index:0"}, overrides.Loaded)
	assert.Equal(t, []string{"index:1"}, overrides.Failed)

	data := diag.Feature(SectionRulesData)
	assert.Equal(t, []string{"blocked_ips"}, data.Loaded)
	assert.Equal(t, []string{"bad_ips"}, data.Failed)
	require.Len(t, frag.RulesData, 1)
	assert.Equal(t, uint64(1700000000), frag.RulesData[0].Entries[1].Expiration)

	require.Len(t, frag.Actions, 1)
	status, ok := frag.Actions[0].Parameters.Find("status_code")
	require.True(t, ok)
	assert.Equal(t, int64(418), status.SignedValue())

	require.Len(t, frag.Processors, 1)
	assert.False(t, frag.Processors[0].Evaluate)
	assert.True(t, frag.Processors[0].Output)
	require.Len(t, frag.Scanners, 1)
	require.NotNil(t, frag.Scanners[0].Value)
	assert.Nil(t, frag.Scanners[0].Key)

	assert.Nil(t, diag.Feature(SectionCustomRules), "未出现的段不应该有诊断")
	assert.Error(t, diag.Err())
}

func TestDiagnosticsToObject(t *testing.T) {
	_, diag := parseYAML(t, sampleDoc, Options{})
	obj := diag.ToObject()

	version, ok := obj.Find("ruleset_version")
	require.True(t, ok)
	assert.Equal(t, "1.4.2", version.StringValue())

	rules, ok := obj.Find("rules")
	require.True(t, ok)
	loaded, _ := rules.Find("loaded")
	assert.Equal(t, 1, loaded.Size())
	skipped, _ := rules.Find("skipped")
	assert.Equal(t, 1, skipped.Size())
	errs, _ := rules.Find("errors")
	dup, ok := errs.Find("duplicate id")
	require.True(t, ok)
	assert.Equal(t, 1, dup.Size())

	exclusions, _ := obj.Find("exclusions")
	msg, ok := exclusions.Find("error")
	require.True(t, ok)
	assert.True(t, msg.IsString())
}

func TestParseCheckCondition(t *testing.T) {
	doc := `
rules:
  - id: r1
    name: cel rule
    tags: {type: custom}
    conditions:
      - operator: cel
        parameters:
          inputs: [{address: a}]
          expression: "value == "
`
	_, diag := parseYAML(t, doc, Options{CheckCondition: func(c *Condition) error {
		if c.Operator == OperatorCEL {
			return errors.New("invalid expression")
		}
		return nil
	}})
	assert.Equal(t, []string{"r1"}, diag.Feature(SectionRules).Errors["invalid expression"])
}

func TestParseRejectsNonMap(t *testing.T) {
	arr := object.Array()
	_, _, err := Parse(&arr, Options{})
	assert.ErrorIs(t, err, types.ErrUnexpectedDocument)

	_, _, err = Parse(nil, Options{})
	assert.ErrorIs(t, err, types.ErrUnexpectedDocument)
}

func TestParseConditionErrors(t *testing.T) {
	testCases := []struct {
		name   string
		cond   string
		errMsg string
	}{
		{name: "缺少inputs", cond: `{operator: exists, parameters: {}}`, errMsg: "missing key 'inputs'"},
		{name: "非法正则", cond: `{operator: match_regex, parameters: {inputs: [{address: a}], regex: "("}}`, errMsg: "invalid regular expression"},
		{name: "非法IP", cond: `{operator: ip_match, parameters: {inputs: [{address: a}], list: ["1.2.3"]}}`, errMsg: "invalid ip address '1.2.3'"},
		{name: "未知转换器", cond: `{operator: exists, parameters: {inputs: [{address: a, transformers: [rot13]}]}}`, errMsg: "unknown transformer 'rot13'"},
		{name: "equals容器", cond: `{operator: equals, parameters: {inputs: [{address: a}], value: [1]}}`, errMsg: "expected 'scalar'"},
		{name: "未知操作符", cond: `{operator: fuzzy, parameters: {inputs: [{address: a}]}}`, errMsg: "unknown operator 'fuzzy'"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc := "rules:\n  - {id: r, name: n, tags: {type: t}, conditions: [" + tc.cond + "]}\n"
			_, diag := parseYAML(t, doc, Options{})
			f := diag.Feature(SectionRules)
			require.Equal(t, []string{"r"}, f.Failed)
			var messages []string
			for msg := range f.Errors {
				messages = append(messages, msg)
			}
			require.Len(t, messages, 1)
			assert.Contains(t, messages[0], tc.errMsg)
		})
	}
}

func TestMerge(t *testing.T) {
	p1, _ := parseYAML(t, `
rules:
  - {id: R, name: first, tags: {type: t}, conditions: [{operator: exists, parameters: {inputs: [{address: a}]}}]}
  - {id: S, name: other, tags: {type: t}, conditions: [{operator: exists, parameters: {inputs: [{address: b}]}}]}
rules_data:
  - id: ips
    type: ip_with_expiration
    data: [{value: 1.1.1.1, expiration: 100}, {value: 2.2.2.2, expiration: 0}]
`, Options{})
	p2, _ := parseYAML(t, `
metadata: {rules_version: "2.0"}
rules:
  - {id: R, name: second, tags: {type: t}, conditions: [{operator: exists, parameters: {inputs: [{address: c}]}}]}
rules_data:
  - id: ips
    type: ip_with_expiration
    data: [{value: 1.1.1.1, expiration: 200}, {value: 2.2.2.2, expiration: 50}, {value: 3.3.3.3}]
`, Options{})

	merged := Merge(p1, p2)
	assert.Equal(t, "2.0", merged.Version)
	require.Len(t, merged.Rules, 2)
	assert.Equal(t, "second", merged.Rules[0].Name, "后出现的同ID规则生效")
	assert.Equal(t, "S", merged.Rules[1].ID)

	require.Len(t, merged.RulesData, 1)
	assert.Equal(t, []DataEntry{
		{Value: "1.1.1.1", Expiration: 200},
		{Value: "2.2.2.2", Expiration: 0},
		{Value: "3.3.3.3", Expiration: 0},
	}, merged.RulesData[0].Entries)

	// 合并结果不应修改输入片段
	assert.Equal(t, uint64(100), p1.RulesData[0].Entries[0].Expiration)

	restored := Merge(p1)
	assert.Equal(t, "first", restored.Rules[0].Name)
}

func TestFragmentEmpty(t *testing.T) {
	var nilFrag *Fragment
	assert.True(t, nilFrag.Empty())
	frag, _ := parseYAML(t, `{foo: bar}`, Options{})
	assert.True(t, frag.Empty())
}
