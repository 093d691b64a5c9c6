package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/waf_detector/pkg/engine"
	"github.com/haolipeng/waf_detector/pkg/object"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
waf:
  max_container_depth: 10
  value_regex: "secret"
  timeout: 5ms
  context_budget: 50ms
rule_engine:
  rule_directory: /etc/waf/rules
  watch: true
  default_ruleset: true
api:
  enabled: true
  port: "9090"
log:
  level: DEBUG
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/waf/rules", cfg.RuleEngine.RuleDirectory)
	assert.True(t, cfg.RuleEngine.Watch)
	assert.True(t, cfg.RuleEngine.DefaultRuleset)
	assert.Equal(t, 5*time.Millisecond, cfg.WAF.Timeout)
	assert.Equal(t, "9090", cfg.API.Port)
	// 未出现的字段保留默认值
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, "logs", cfg.Log.Dir)

	wafCfg := cfg.Engine()
	assert.Equal(t, 10, wafCfg.Limits.MaxContainerDepth)
	assert.Equal(t, object.DefaultMaxStringLength, wafCfg.Limits.MaxStringLength)
	assert.Equal(t, "secret", wafCfg.Obfuscator.ValueRegex)
	assert.Equal(t, engine.DefaultKeyRegex, wafCfg.Obfuscator.KeyRegex)
	assert.Equal(t, 50*time.Millisecond, wafCfg.ContextBudget)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "默认配置有效",
			mutate: func(*Config) {},
		},
		{
			name:    "规则目录为空",
			mutate:  func(c *Config) { c.RuleEngine.RuleDirectory = "" },
			wantErr: "RuleDirectory is required",
		},
		{
			name:    "日志级别无效",
			mutate:  func(c *Config) { c.Log.Level = "VERBOSE" },
			wantErr: "Level must be one of",
		},
		{
			name:    "告警地址无效",
			mutate:  func(c *Config) { c.Output.AlertEndpoint = "not a url" },
			wantErr: "AlertEndpoint must be a valid url",
		},
		{
			name: "启用回放但没有输入文件",
			mutate: func(c *Config) {
				c.Pipeline.Enabled = true
			},
			wantErr: "Input is required",
		},
		{
			name: "启用回放但工作协程数为0",
			mutate: func(c *Config) {
				c.Pipeline.Enabled = true
				c.Pipeline.Input = "requests.jsonl"
				c.Pipeline.WorkerCount = 0
			},
			wantErr: "worker count must be positive",
		},
		{
			name:    "脱敏正则无效",
			mutate:  func(c *Config) { c.WAF.KeyRegex = "(" },
			wantErr: "invalid obfuscator key regex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = LoadConfig(writeConfig(t, "waf: [1, 2"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = LoadConfig(writeConfig(t, "log:\n  level: LOUD\n"))
	assert.ErrorContains(t, err, "invalid config")
}
