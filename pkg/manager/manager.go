// Package manager 维护当前生效的实例
//
// Manager 持有一个配置构建器，把规则目录中的文件和通过接口提交的配置
// 合并编译成实例，并在配置变化后原子地替换当前实例。
package manager

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
	"github.com/haolipeng/waf_detector/pkg/types"
	"github.com/haolipeng/waf_detector/pkg/waf"
)

// ErrNoInstance 表示还没有可用的实例
var ErrNoInstance = errors.New("no waf instance available")

// FilePathPrefix 是规则目录中的文件在构建器中的路径前缀
const FilePathPrefix = "file/"

type Manager struct {
	// mu 保护 current，builderMu 串行化构建器操作
	mu        sync.RWMutex
	builderMu sync.Mutex

	current   *waf.Instance
	builder   *waf.Builder
	loader    *ruleset.Loader
	ruleDir   string
	collector *metrics.Collector

	files       map[string]string              // 构建器路径 -> 规则文件路径
	hashes      map[string]string              // 构建器路径 -> 文件内容哈希
	diagnostics map[string]ruleset.Diagnostics // 构建器路径 -> 最近一次诊断
}

// New 创建管理器，collector 可以为 nil
func New(ruleDir string, cfg waf.Config, collector *metrics.Collector) *Manager {
	return &Manager{
		builder:     waf.NewBuilder(cfg),
		loader:      ruleset.NewLoader(),
		ruleDir:     ruleDir,
		collector:   collector,
		files:       make(map[string]string),
		hashes:      make(map[string]string),
		diagnostics: make(map[string]ruleset.Diagnostics),
	}
}

// configPath 将规则文件路径转换成构建器路径
func (m *Manager) configPath(file string) string {
	rel, err := filepath.Rel(m.ruleDir, file)
	if err != nil {
		rel = filepath.Base(file)
	}
	return FilePathPrefix + filepath.ToSlash(rel)
}

// Sync 同步规则目录到构建器，内容未变化的文件会被跳过；
// 有任何变化时重新构建实例
func (m *Manager) Sync() error {
	m.builderMu.Lock()
	defer m.builderMu.Unlock()

	docs, loadErr := m.loader.LoadDirectory(m.ruleDir)
	failed := failedFiles(loadErr)
	if docs == nil && loadErr != nil && len(failed) == 0 {
		// 目录本身不可读
		return loadErr
	}

	changed := false
	seen := make(map[string]struct{}, len(docs)+len(failed))
	for _, file := range failed {
		// 解析失败的文件保留上一次成功加载的配置
		seen[m.configPath(file)] = struct{}{}
	}
	for _, doc := range docs {
		path := m.configPath(doc.Path)
		seen[path] = struct{}{}
		if m.hashes[path] == doc.Hash {
			continue
		}

		diag, err := m.builder.AddOrUpdateConfig(path, &doc.Object)
		m.diagnostics[path] = diag
		logDiagnostics(path, diag)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"path":  path,
				"error": err.Error(),
			}).Warn("规则文件加载失败，保留原有配置")
			continue
		}
		m.files[path] = doc.Path
		m.hashes[path] = doc.Hash
		changed = true
	}

	// 文件已删除的配置
	for path, file := range m.files {
		if _, ok := seen[path]; ok {
			continue
		}
		m.builder.RemoveConfig(path)
		m.loader.Forget(file)
		delete(m.files, path)
		delete(m.hashes, path)
		delete(m.diagnostics, path)
		logrus.WithField("path", path).Info("规则文件已删除")
		changed = true
	}

	if changed || m.Current() == nil {
		if err := m.rebuild(); err != nil {
			return errors.Join(loadErr, err)
		}
	}
	return loadErr
}

// Update 添加或更新一份配置并重新构建
func (m *Manager) Update(path string, doc *object.Object) (ruleset.Diagnostics, error) {
	m.builderMu.Lock()
	defer m.builderMu.Unlock()

	diag, err := m.builder.AddOrUpdateConfig(path, doc)
	m.diagnostics[path] = diag
	logDiagnostics(path, diag)
	if err != nil {
		return diag, err
	}
	return diag, m.rebuild()
}

// Remove 删除一份配置并重新构建，路径不存在时返回 false
func (m *Manager) Remove(path string) (bool, error) {
	m.builderMu.Lock()
	defer m.builderMu.Unlock()

	if !m.builder.RemoveConfig(path) {
		return false, nil
	}
	if file, ok := m.files[path]; ok {
		m.loader.Forget(file)
	}
	delete(m.files, path)
	delete(m.diagnostics, path)
	delete(m.hashes, path)
	return true, m.rebuild()
}

// SetDefaultRuleset 加入或移除内置推荐规则集并重新构建
//
// 推荐规则集排在规则目录之前加入时，目录中同ID的规则会覆盖它。
func (m *Manager) SetDefaultRuleset(enabled bool) (ruleset.Diagnostics, error) {
	m.builderMu.Lock()
	defer m.builderMu.Unlock()

	if !enabled {
		if !m.builder.RemoveDefaultRecommendedRuleset() {
			return ruleset.Diagnostics{}, nil
		}
		delete(m.diagnostics, waf.DefaultRulesetPath)
		return ruleset.Diagnostics{}, m.rebuild()
	}

	diag, err := m.builder.AddDefaultRecommendedRuleset()
	m.diagnostics[waf.DefaultRulesetPath] = diag
	logDiagnostics(waf.DefaultRulesetPath, diag)
	if err != nil {
		return diag, err
	}
	return diag, m.rebuild()
}

// rebuild 编译构建器中的全部配置并替换当前实例，调用方需持有 builderMu
func (m *Manager) rebuild() error {
	paths, _ := m.builder.Paths("")
	inst, err := m.builder.Build()
	if err != nil {
		m.collector.RecordBuild(err, 0, 0)
		if errors.Is(err, types.ErrEmptyRuleset) {
			// 没有任何可用规则时停用当前实例
			m.swap(nil)
		}
		logrus.WithFields(logrus.Fields{
			"configs": len(paths),
			"error":   err.Error(),
		}).Error("构建实例失败")
		return fmt.Errorf("build instance: %w", err)
	}

	m.swap(inst)
	m.collector.RecordBuild(nil, len(paths), inst.RuleCount())
	logrus.WithFields(logrus.Fields{
		"configs":   len(paths),
		"rules":     inst.RuleCount(),
		"version":   inst.Version(),
		"addresses": len(inst.KnownAddresses()),
	}).Info("实例已更新")
	return nil
}

func (m *Manager) swap(inst *waf.Instance) {
	m.mu.Lock()
	old := m.current
	m.current = inst
	m.mu.Unlock()

	// 旧实例在最后一个上下文关闭后才真正销毁
	if old != nil {
		old.Close()
	}
}

// Current 返回当前实例，调用方不应关闭它
func (m *Manager) Current() *waf.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// NewContext 在当前实例上创建评估上下文
func (m *Manager) NewContext() (*waf.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNoInstance
	}
	return m.current.NewContext()
}

// KnownAddresses 返回当前实例使用的地址
func (m *Manager) KnownAddresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return m.current.KnownAddresses()
}

// KnownActions 返回当前实例可能产生的动作类型
func (m *Manager) KnownActions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return m.current.KnownActions()
}

// ConfigPaths 返回匹配过滤正则的配置路径
func (m *Manager) ConfigPaths(filter string) ([]string, error) {
	m.builderMu.Lock()
	defer m.builderMu.Unlock()
	return m.builder.Paths(filter)
}

// Diagnostics 返回配置最近一次加载的诊断
func (m *Manager) Diagnostics(path string) (ruleset.Diagnostics, bool) {
	m.builderMu.Lock()
	defer m.builderMu.Unlock()
	diag, ok := m.diagnostics[path]
	return diag, ok
}

// Close 释放当前实例和构建器
func (m *Manager) Close() {
	m.builderMu.Lock()
	defer m.builderMu.Unlock()
	m.swap(nil)
	m.builder.Close()
}

func logDiagnostics(path string, diag ruleset.Diagnostics) {
	diag.EachFeature(func(section string, f *ruleset.Feature) {
		fields := logrus.Fields{
			"path":    path,
			"section": section,
			"loaded":  len(f.Loaded),
			"failed":  len(f.Failed),
			"skipped": len(f.Skipped),
		}
		if f.Error != "" {
			logrus.WithFields(fields).Warnf("配置段无效: %s", f.Error)
			return
		}
		for msg, ids := range f.Errors {
			logrus.WithFields(fields).Warnf("%s: %v", msg, ids)
		}
		logrus.WithFields(fields).Debug("配置段加载完成")
	})
}

// failedFiles 从目录加载错误中取出加载失败的文件
func failedFiles(err error) []string {
	if err == nil {
		return nil
	}
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	var files []string
	for _, e := range errs {
		var loadErr *types.LoadError
		if errors.As(e, &loadErr) {
			files = append(files, loadErr.Path)
		}
	}
	return files
}
