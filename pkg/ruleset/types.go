package ruleset

import "github.com/haolipeng/waf_detector/pkg/object"

// 支持的操作符
const (
	OperatorMatchRegex  = "match_regex"
	OperatorPhraseMatch = "phrase_match"
	OperatorExactMatch  = "exact_match"
	OperatorIPMatch     = "ip_match"
	OperatorEquals      = "equals"
	OperatorExists      = "exists"
	OperatorCEL         = "cel"
)

// Input 表示规则读取的一个地址，可选地通过 key_path 进入子结构
type Input struct {
	Address      string
	KeyPath      []string
	Transformers []string
}

// Condition 表示一个匹配条件，操作符相关的参数按需填充
type Condition struct {
	Operator      string // 去掉取反前缀后的操作符名称
	Negated       bool   // 操作符是否以 "!" 开头
	Inputs        []Input
	Regex         string
	CaseSensitive bool
	MinLength     int
	List          []string
	DataID        string // 引用 rules_data/exclusion_data 中的数据集
	Value         object.Object
	Expression    string
}

// Rule 表示一条规则配置
type Rule struct {
	ID           string
	Name         string
	Tags         map[string]string
	Enabled      bool
	Priority     int // 数值越大越先评估
	Conditions   []Condition
	Transformers []string
	OnMatch      []string
	Custom       bool // 来自 custom_rules 段
}

// Target 通过规则ID或标签选择规则
type Target struct {
	RuleID string
	Tags   map[string]string
}

// Matches 判断目标是否选中了规则
func (t Target) Matches(rule *Rule) bool {
	if t.RuleID != "" {
		return t.RuleID == rule.ID
	}
	if len(t.Tags) == 0 {
		return false
	}
	for k, v := range t.Tags {
		if rule.Tags[k] != v {
			return false
		}
	}
	return true
}

const (
	ExclusionBypass  = "bypass"
	ExclusionMonitor = "monitor"
)

// Exclusion 表示排除过滤器
type Exclusion struct {
	ID         string
	Targets    []Target // 为空时作用于所有规则
	Conditions []Condition
	Inputs     []Input // 为空时排除整条规则，否则只排除这些输入
	Mode       string
}

// Override 表示规则覆盖配置
type Override struct {
	ID         string
	Targets    []Target
	Enabled    *bool
	OnMatch    []string
	HasOnMatch bool
}

const (
	DataTypeData = "data_with_expiration"
	DataTypeIP   = "ip_with_expiration"
)

type DataEntry struct {
	Value      string
	Expiration uint64 // unix 秒，0 表示永不过期
}

// DataSet 表示 rules_data/exclusion_data 中的一个数据集
type DataSet struct {
	ID      string
	Type    string
	Entries []DataEntry
}

// Action 表示动作定义，Type 为结果中使用的动作类型
type Action struct {
	ID         string
	Type       string
	Parameters object.Object
}

type Mapping struct {
	Inputs []Input
	Output string
}

const (
	GeneratorExtractSchema = "extract_schema"
	GeneratorFingerprint   = "fingerprint"
)

// Processor 表示派生属性处理器
type Processor struct {
	ID         string
	Generator  string
	Conditions []Condition
	Mappings   []Mapping
	Evaluate   bool // 输出是否作为派生地址参与规则评估
	Output     bool // 输出是否写入结果的 attributes
}

// Scanner 表示 extract_schema 使用的敏感数据扫描器
type Scanner struct {
	ID    string
	Name  string
	Key   *Condition
	Value *Condition
	Tags  map[string]string
}

// Fragment 是一份配置文档解析后的结果
type Fragment struct {
	Version       string
	Rules         []*Rule
	CustomRules   []*Rule
	Exclusions    []*Exclusion
	Overrides     []*Override
	RulesData     []*DataSet
	ExclusionData []*DataSet
	Processors    []*Processor
	Scanners      []*Scanner
	Actions       []*Action
}

// Empty 判断片段中是否没有任何成功加载的条目
func (f *Fragment) Empty() bool {
	return f == nil || len(f.Rules)+len(f.CustomRules)+len(f.Exclusions)+len(f.Overrides)+
		len(f.RulesData)+len(f.ExclusionData)+len(f.Processors)+len(f.Scanners)+len(f.Actions) == 0
}
