package engine

import (
	"fmt"
	"regexp"
)

// RedactedValue 替换被脱敏的值和高亮
const RedactedValue = "<Redacted>"

// 默认的脱敏正则
const (
	DefaultKeyRegex   = `(?i)(?:p(?:ass)?w(?:or)?d|pass(?:_?phrase)?|secret|(?:api_?|private_?|public_?)key)|token|consumer_?(?:id|key|secret)|sign(?:ed|ature)|bearer|authorization`
	DefaultValueRegex = `(?i)(?:p(?:ass)?w(?:or)?d|pass(?:_?phrase)?|secret|(?:api_?|private_?|public_?|access_?|secret_?)key(?:_?id)?|token|consumer_?(?:id|key|secret)|sign(?:ed|ature)?|auth(?:entication|orization)?)(?:\s*=[^;]|"\s*:\s*"[^"]+")|bearer\s+[a-z0-9\._\-]+|token:[a-z0-9]{13}|gh[opsu]_[0-9a-zA-Z]{36}|ey[I-L][\w=-]+\.ey[I-L][\w=-]+(?:\.[\w.+\/=-]+)?|[\-]{5}BEGIN[a-z\s]+PRIVATE\sKEY[\-]{5}[^\-]+[\-]{5}END[a-z\s]+PRIVATE\sKEY|ssh-rsa\s*[a-z0-9\/\.+]{100,}`
)

// Obfuscator 配置事件中敏感数据的脱敏规则，正则为空表示不启用
type Obfuscator struct {
	KeyRegex   string `yaml:"key_regex"`
	ValueRegex string `yaml:"value_regex"`
}

// DefaultObfuscator 返回默认脱敏配置
func DefaultObfuscator() Obfuscator {
	return Obfuscator{KeyRegex: DefaultKeyRegex, ValueRegex: DefaultValueRegex}
}

type obfuscator struct {
	key   *regexp.Regexp
	value *regexp.Regexp
}

func newObfuscator(cfg Obfuscator) (*obfuscator, error) {
	o := &obfuscator{}
	var err error
	if cfg.KeyRegex != "" {
		if o.key, err = regexp.Compile(cfg.KeyRegex); err != nil {
			return nil, fmt.Errorf("invalid obfuscator key regex: %w", err)
		}
	}
	if cfg.ValueRegex != "" {
		if o.value, err = regexp.Compile(cfg.ValueRegex); err != nil {
			return nil, fmt.Errorf("invalid obfuscator value regex: %w", err)
		}
	}
	return o, nil
}

// apply 判断命中的值是否需要脱敏
func (o *obfuscator) apply(m *conditionMatch) {
	if o == nil {
		return
	}
	redact := false
	if o.key != nil {
		for _, segment := range m.keyPath {
			if o.key.MatchString(segment) {
				redact = true
				break
			}
		}
	}
	if !redact && o.value != nil && m.value != "" && o.value.MatchString(m.value) {
		redact = true
	}
	if !redact {
		return
	}
	if m.value != "" {
		m.value = RedactedValue
	}
	if m.highlight != "" {
		m.highlight = RedactedValue
	}
}

// Validate 检查脱敏正则能否编译
func (cfg Obfuscator) Validate() error {
	_, err := newObfuscator(cfg)
	return err
}
