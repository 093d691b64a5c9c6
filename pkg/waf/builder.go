package waf

import (
	_ "embed"
	"fmt"
	"regexp"

	"github.com/haolipeng/waf_detector/pkg/engine"
	"github.com/haolipeng/waf_detector/pkg/log"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
	"github.com/haolipeng/waf_detector/pkg/types"
)

// DefaultRulesetPath 是内置推荐规则集在构建器中的路径
const DefaultRulesetPath = "::/waf_detector/default/recommended.yaml"

//go:embed default_ruleset.yaml
var defaultRuleset []byte

// DefaultRuleset 返回内置推荐规则集
func DefaultRuleset() (object.Object, error) {
	return object.FromYAML(defaultRuleset)
}

// Builder 按路径管理多份配置，并把它们合并编译成实例
//
// Builder 不是并发安全的，调用方需要自行串行化。
type Builder struct {
	config    Config
	paths     []string // 合并顺序，更新会把路径移到末尾
	fragments map[string]*ruleset.Fragment
	closed    bool
}

// NewBuilder 创建配置构建器
func NewBuilder(cfg Config) *Builder {
	return &Builder{
		config:    cfg,
		fragments: make(map[string]*ruleset.Fragment),
	}
}

// AddOrUpdateConfig 解析配置并保存到指定路径
//
// 没有任何条目加载成功时返回错误，路径上原有的配置保持不变；
// 无论成功与否都返回诊断信息。
func (b *Builder) AddOrUpdateConfig(path string, doc *object.Object) (ruleset.Diagnostics, error) {
	if b.closed {
		return ruleset.Diagnostics{}, types.ErrBuilderClosed
	}
	if path == "" {
		return ruleset.Diagnostics{}, types.ErrEmptyPath
	}

	frag, diag, err := ruleset.Parse(doc, parseOptions())
	if err != nil {
		return diag, fmt.Errorf("%w: %w", types.ErrUpdateFailed, err)
	}
	if diag.LoadedCount() == 0 {
		return diag, fmt.Errorf("%w: no item loaded from %s", types.ErrUpdateFailed, path)
	}

	b.removePath(path)
	b.paths = append(b.paths, path)
	b.fragments[path] = frag
	log.Debugf("builder: config %s stored, %d items loaded", path, diag.LoadedCount())
	return diag, nil
}

// AddDefaultRecommendedRuleset 把内置推荐规则集加入构建器
func (b *Builder) AddDefaultRecommendedRuleset() (ruleset.Diagnostics, error) {
	doc, err := DefaultRuleset()
	if err != nil {
		return ruleset.Diagnostics{}, fmt.Errorf("failed to load default recommended ruleset: %w", err)
	}
	return b.AddOrUpdateConfig(DefaultRulesetPath, &doc)
}

// RemoveDefaultRecommendedRuleset 移除内置推荐规则集，不存在时返回 false
func (b *Builder) RemoveDefaultRecommendedRuleset() bool {
	return b.RemoveConfig(DefaultRulesetPath)
}

// RemoveConfig 删除指定路径的配置，路径不存在时返回 false
func (b *Builder) RemoveConfig(path string) bool {
	if b.closed {
		return false
	}
	if _, ok := b.fragments[path]; !ok {
		return false
	}
	b.removePath(path)
	delete(b.fragments, path)
	log.Debugf("builder: config %s removed", path)
	return true
}

func (b *Builder) removePath(path string) {
	for i, p := range b.paths {
		if p == path {
			b.paths = append(b.paths[:i], b.paths[i+1:]...)
			return
		}
	}
}

// Build 按合并顺序编译所有配置，生成新的实例
func (b *Builder) Build() (*Instance, error) {
	if b.closed {
		return nil, types.ErrBuilderClosed
	}
	frags := make([]*ruleset.Fragment, 0, len(b.paths))
	for _, p := range b.paths {
		frags = append(frags, b.fragments[p])
	}
	eng, err := engine.Compile(ruleset.Merge(frags...), b.config.engineConfig())
	if err != nil {
		return nil, err
	}
	log.Infof("builder: instance built from %d configs, %d rules", len(frags), eng.RuleCount())
	return newInstance(eng, b.config), nil
}

// Paths 返回匹配过滤正则(不锚定)的路径，按合并顺序；filter 为空时返回全部
func (b *Builder) Paths(filter string) ([]string, error) {
	if filter == "" {
		return append([]string(nil), b.paths...), nil
	}
	re, err := regexp.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("invalid path filter: %w", err)
	}
	var out []string
	for _, p := range b.paths {
		if re.MatchString(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ConfigPaths 返回匹配的路径数量，out 不为 nil 时写入路径数组；
// 过滤正则无效时返回 0
func (b *Builder) ConfigPaths(filter string, out *object.Object) int {
	paths, err := b.Paths(filter)
	if err != nil {
		log.Warnf("builder: %v", err)
		return 0
	}
	if out != nil {
		arr := object.Array()
		for _, p := range paths {
			arr.ArrayAdd(object.String(p))
		}
		*out = arr
	}
	return len(paths)
}

// Close 释放构建器，之后的调用都会失败
func (b *Builder) Close() {
	b.closed = true
	b.paths = nil
	b.fragments = nil
}
