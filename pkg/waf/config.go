// Package waf 实现实例、配置构建器和评估上下文
package waf

import (
	"time"

	"github.com/haolipeng/waf_detector/pkg/engine"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
)

// Config 是实例和构建器共用的配置
type Config struct {
	Limits     object.Limits
	Obfuscator engine.Obfuscator
	// FreeFn 用于释放上下文持有的地址数据，为 nil 时不回收
	FreeFn object.ReleaseFunc
	// ContextBudget 是一个上下文所有评估调用的总时间预算，<=0 表示不限
	ContextBudget time.Duration
}

// DefaultConfig 返回默认限制和默认脱敏规则
func DefaultConfig() Config {
	return Config{
		Limits:     object.DefaultLimits(),
		Obfuscator: engine.DefaultObfuscator(),
	}
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{Limits: c.Limits.WithDefaults(), Obfuscator: c.Obfuscator}
}

func parseOptions() ruleset.Options {
	return ruleset.Options{CheckCondition: engine.CheckCondition}
}
