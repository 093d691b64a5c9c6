package ruleset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/waf_detector/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadFile 测试从文件加载配置文档
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "base.yaml", "rules:\n  - id: r1\n")
	jsonPath := writeFile(t, dir, "custom.json", `{"custom_rules":[{"id":"c1"}]}`)
	listPath := writeFile(t, dir, "list.yaml", "- a\n- b\n")
	brokenPath := writeFile(t, dir, "broken.json", `{"rules":`)

	testCases := []struct {
		name     string
		filePath string
		wantErr  bool
		section  string
	}{
		{name: "加载YAML格式的配置", filePath: yamlPath, section: "rules"},
		{name: "加载JSON格式的配置", filePath: jsonPath, section: "custom_rules"},
		{name: "顶层不是映射", filePath: listPath, wantErr: true},
		{name: "JSON语法错误", filePath: brokenPath, wantErr: true},
		{name: "加载不存在的文件", filePath: filepath.Join(dir, "not_exist.yaml"), wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			loader := NewLoader()
			doc, err := loader.LoadFile(tc.filePath)
			if tc.wantErr {
				require.Error(t, err)
				var loadErr *types.LoadError
				assert.ErrorAs(t, err, &loadErr)
				assert.Equal(t, tc.filePath, loadErr.Path)
				return
			}
			require.NoError(t, err)
			_, ok := doc.Object.Find(tc.section)
			assert.True(t, ok, "缺少配置段 %s", tc.section)
			assert.Len(t, doc.Hash, 64)

			got, ok := loader.Get(tc.filePath)
			require.True(t, ok)
			assert.Same(t, doc, got)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "rules: []\n")
	writeFile(t, dir, "a.json", `{"rules":[]}`)
	writeFile(t, dir, "README.md", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	loader := NewLoader()
	docs, err := loader.LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, filepath.Join(dir, "a.json"), docs[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.yaml"), docs[1].Path)
	assert.Equal(t, []string{docs[0].Path, docs[1].Path}, loader.All())

	// 相同内容的哈希一致
	assert.Equal(t, ContentHash([]byte("rules: []\n")), docs[1].Hash)

	loader.Forget(docs[0].Path)
	assert.Len(t, loader.All(), 1)

	_, err = loader.LoadDirectory(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	// 损坏的文件不影响其它文件
	writeFile(t, dir, "c.yaml", "rules: [")
	docs, err = loader.LoadDirectory(dir)
	require.Error(t, err)
	var loadErr *types.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, filepath.Join(dir, "c.yaml"), loadErr.Path)
	assert.Len(t, docs, 2)
}

func TestIsRuleFile(t *testing.T) {
	assert.True(t, IsRuleFile("rules.YML"))
	assert.True(t, IsRuleFile("/etc/waf/rules.json"))
	assert.False(t, IsRuleFile("rules.txt"))
}
