package ruleset

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/types"
)

// Document 是从文件读取的一份配置文档
type Document struct {
	Path   string
	Hash   string // 文件内容的 sha256，用于判断是否发生变化
	Object object.Object
}

// Loader 负责从文件和目录加载配置文档
type Loader struct {
	documents map[string]*Document // key 为文件路径
}

// NewLoader 创建一个新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		documents: make(map[string]*Document),
	}
}

// IsRuleFile 判断文件扩展名是否为支持的配置格式
func IsRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ContentHash 计算配置内容的哈希
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Decode 按扩展名将文件内容解码成 Bounded Value
func Decode(path string, data []byte) (object.Object, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return object.FromJSON(data)
	}
	return object.FromYAML(data)
}

// LoadFile 从文件加载配置文档
func (l *Loader) LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewLoadError(path, fmt.Errorf("读取配置文件失败: %w", err))
	}

	obj, err := Decode(path, data)
	if err != nil {
		return nil, types.NewLoadError(path, fmt.Errorf("解析配置文件失败: %w", err))
	}
	if !obj.IsMap() {
		return nil, types.NewLoadError(path, types.ErrUnexpectedDocument)
	}

	doc := &Document{Path: path, Hash: ContentHash(data), Object: obj}
	l.documents[path] = doc
	return doc, nil
}

// LoadDirectory 加载目录下所有配置文件，按文件名排序返回
//
// 单个文件加载失败不会中断整个目录，失败信息合并后随成功的文档一起返回。
func (l *Loader) LoadDirectory(dirPath string) ([]*Document, error) {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var docs []*Document
	var errs []error
	for _, file := range files {
		if file.IsDir() || !IsRuleFile(file.Name()) {
			continue
		}
		doc, err := l.LoadFile(filepath.Join(dirPath, file.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, errors.Join(errs...)
}

// Get 根据路径获取已加载的文档
func (l *Loader) Get(path string) (*Document, bool) {
	doc, ok := l.documents[path]
	return doc, ok
}

// Forget 移除已加载的文档
func (l *Loader) Forget(path string) {
	delete(l.documents, path)
}

// All 返回所有已加载文档的路径，按字典序
func (l *Loader) All() []string {
	paths := make([]string, 0, len(l.documents))
	for path := range l.documents {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
