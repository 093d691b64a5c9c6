package ruleset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/haolipeng/waf_detector/pkg/object"
)

// 配置文档中各段的名称，顺序即诊断输出顺序
const (
	SectionRules         = "rules"
	SectionCustomRules   = "custom_rules"
	SectionExclusions    = "exclusions"
	SectionOverrides     = "rules_override"
	SectionRulesData     = "rules_data"
	SectionExclusionData = "exclusion_data"
	SectionProcessors    = "processors"
	SectionScanners      = "scanners"
	SectionActions       = "actions"
)

var sections = []string{
	SectionActions,
	SectionCustomRules,
	SectionExclusionData,
	SectionExclusions,
	SectionProcessors,
	SectionRules,
	SectionRulesData,
	SectionOverrides,
	SectionScanners,
}

// Feature 记录一个配置段的加载情况
type Feature struct {
	// Error 非空表示整个段无法解析
	Error    string
	Loaded   []string
	Failed   []string
	Skipped  []string
	Errors   map[string][]string // 错误信息 -> 条目ID
	Warnings map[string][]string // 告警信息 -> 条目ID
}

func (f *Feature) loaded(id string) {
	f.Loaded = append(f.Loaded, id)
}

func (f *Feature) failed(id string, err error) {
	f.Failed = append(f.Failed, id)
	if f.Errors == nil {
		f.Errors = make(map[string][]string)
	}
	f.Errors[err.Error()] = append(f.Errors[err.Error()], id)
}

func (f *Feature) skipped(id string) {
	f.Skipped = append(f.Skipped, id)
}

func (f *Feature) warn(id, msg string) {
	if f.Warnings == nil {
		f.Warnings = make(map[string][]string)
	}
	f.Warnings[msg] = append(f.Warnings[msg], id)
}

// Diagnostics 汇总一次配置解析的结果
type Diagnostics struct {
	Version  string
	Sections map[string]*Feature
}

func newDiagnostics() Diagnostics {
	return Diagnostics{Sections: make(map[string]*Feature)}
}

func (d *Diagnostics) feature(section string) *Feature {
	f, ok := d.Sections[section]
	if !ok {
		f = &Feature{}
		d.Sections[section] = f
	}
	return f
}

// Feature 返回某个段的诊断信息，段未出现在文档中时返回 nil
func (d Diagnostics) Feature(section string) *Feature {
	return d.Sections[section]
}

// EachFeature 按固定顺序遍历出现过的配置段
func (d Diagnostics) EachFeature(fn func(section string, f *Feature)) {
	for _, name := range sections {
		if f, ok := d.Sections[name]; ok {
			fn(name, f)
		}
	}
}

// LoadedCount 返回所有段成功加载的条目总数
func (d Diagnostics) LoadedCount() int {
	n := 0
	for _, f := range d.Sections {
		n += len(f.Loaded)
	}
	return n
}

// Err 将段级错误和条目错误合并成一个 error，没有错误时返回 nil
func (d Diagnostics) Err() error {
	var errs []error
	d.EachFeature(func(section string, f *Feature) {
		if f.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", section, f.Error))
		}
		for _, msg := range sortedKeys(f.Errors) {
			errs = append(errs, fmt.Errorf("%s: %s (%s)", section, msg, strings.Join(f.Errors[msg], ", ")))
		}
	})
	return errors.Join(errs...)
}

// ToObject 将诊断信息渲染成 Bounded Value 映射
func (d Diagnostics) ToObject() object.Object {
	root := object.Map()
	if d.Version != "" {
		root.MapAdd("ruleset_version", object.String(d.Version))
	}
	d.EachFeature(func(section string, f *Feature) {
		entry := object.Map()
		if f.Error != "" {
			entry.MapAdd("error", object.String(f.Error))
			root.MapAdd(section, entry)
			return
		}
		entry.MapAdd("loaded", stringArray(f.Loaded))
		entry.MapAdd("failed", stringArray(f.Failed))
		entry.MapAdd("skipped", stringArray(f.Skipped))
		entry.MapAdd("errors", messageMap(f.Errors))
		entry.MapAdd("warnings", messageMap(f.Warnings))
		root.MapAdd(section, entry)
	})
	return root
}

func stringArray(list []string) object.Object {
	arr := object.Array()
	for _, s := range list {
		arr.ArrayAdd(object.String(s))
	}
	return arr
}

func messageMap(m map[string][]string) object.Object {
	out := object.Map()
	for _, msg := range sortedKeys(m) {
		out.MapAdd(msg, stringArray(m[msg]))
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
