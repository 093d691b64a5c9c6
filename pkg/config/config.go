package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/haolipeng/waf_detector/pkg/engine"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/waf"
)

type Config struct {
	WAF struct {
		MaxStringLength   int           `yaml:"max_string_length" validate:"gte=0"`
		MaxContainerSize  int           `yaml:"max_container_size" validate:"gte=0"`
		MaxContainerDepth int           `yaml:"max_container_depth" validate:"gte=0"`
		KeyRegex          string        `yaml:"key_regex"`
		ValueRegex        string        `yaml:"value_regex"`
		Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
		ContextBudget     time.Duration `yaml:"context_budget" validate:"gte=0"`
	} `yaml:"waf"`

	RuleEngine struct {
		RuleDirectory string        `yaml:"rule_directory" validate:"required"`
		Watch         bool          `yaml:"watch"`
		Debounce      time.Duration `yaml:"debounce" validate:"gte=0"`

		// 在规则目录之前加载内置推荐规则集
		DefaultRuleset bool `yaml:"default_ruleset"`
	} `yaml:"rule_engine"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    string `yaml:"port" validate:"omitempty,numeric"`
	} `yaml:"api"`

	Pipeline struct {
		Enabled     bool   `yaml:"enabled"`
		Input       string `yaml:"input" validate:"required_if=Enabled true"`
		WorkerCount int    `yaml:"worker_count" validate:"gte=0"`
		BufferSize  int    `yaml:"buffer_size" validate:"gte=0"`
	} `yaml:"pipeline"`

	Output struct {
		Filename      string        `yaml:"filename"`
		AlertEndpoint string        `yaml:"alert_endpoint" validate:"omitempty,url"`
		AlertTimeout  time.Duration `yaml:"alert_timeout" validate:"gte=0"`
	} `yaml:"output"`

	Permissions struct {
		FileMode uint32 `yaml:"file_mode"`
	} `yaml:"permissions"`

	Log struct {
		Level      string `yaml:"level" validate:"omitempty,oneof=TRACE DEBUG INFO WARN ERROR FATAL PANIC"`
		Dir        string `yaml:"dir" validate:"required"`
		Filename   string `yaml:"filename" validate:"required"`
		MaxAge     int    `yaml:"max_age" validate:"gte=0"`     // 小时
		RotateTime int    `yaml:"rotate_time" validate:"gte=0"` // 小时
	} `yaml:"log"`
}

var validate = validator.New()

// Default 返回填充了默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.RuleEngine.RuleDirectory = "rules"
	cfg.RuleEngine.Debounce = 200 * time.Millisecond
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = "8080"
	cfg.Pipeline.WorkerCount = 4
	cfg.Pipeline.BufferSize = 1000
	cfg.Output.Filename = "alerts.json"
	cfg.Output.AlertTimeout = 5 * time.Second
	cfg.Permissions.FileMode = 0644
	cfg.Log.Level = "INFO"
	cfg.Log.Dir = "logs"
	cfg.Log.Filename = "waf_detector.log"
	cfg.Log.MaxAge = 24
	cfg.Log.RotateTime = 1
	return cfg
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return newValidationError(validationErrors)
		}
		return err
	}
	if c.API.Enabled && c.API.Port == "" {
		return fmt.Errorf("api port is required")
	}
	if c.Pipeline.Enabled && c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	return c.Obfuscator().Validate()
}

// Obfuscator 返回配置的脱敏正则，未配置时使用默认值
func (c *Config) Obfuscator() engine.Obfuscator {
	ob := engine.DefaultObfuscator()
	if c.WAF.KeyRegex != "" {
		ob.KeyRegex = c.WAF.KeyRegex
	}
	if c.WAF.ValueRegex != "" {
		ob.ValueRegex = c.WAF.ValueRegex
	}
	return ob
}

// Engine 返回实例和构建器使用的配置
func (c *Config) Engine() waf.Config {
	cfg := waf.DefaultConfig()
	cfg.Limits = object.Limits{
		MaxStringLength:   c.WAF.MaxStringLength,
		MaxContainerSize:  c.WAF.MaxContainerSize,
		MaxContainerDepth: c.WAF.MaxContainerDepth,
	}.WithDefaults()
	cfg.Obfuscator = c.Obfuscator()
	cfg.ContextBudget = c.WAF.ContextBudget
	return cfg
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
