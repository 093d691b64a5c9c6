package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lintRulesFile = `
rules:
  - id: good-rule
    name: good rule
    tags: {type: test}
    conditions:
      - operator: match_regex
        parameters: {inputs: [{address: server.request.query}], regex: "attack"}
  - id: bad-rule
    name: bad rule
    tags: {type: test}
    conditions:
      - operator: no_such_operator
        parameters: {inputs: [{address: server.request.query}]}
`

func runLint(t *testing.T, args ...string) (string, error) {
	t.Helper()
	lintFlags.format = "text"
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"lint", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLintCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
rules:
  - id: only-rule
    name: only rule
    tags: {type: test}
    conditions:
      - operator: exists
        parameters: {inputs: [{address: usr.id}]}
`), 0644))
	mixed := filepath.Join(dir, "mixed.yaml")
	require.NoError(t, os.WriteFile(mixed, []byte(lintRulesFile), 0644))

	tests := []struct {
		name     string
		args     []string
		wantErr  bool
		contains []string
	}{
		{name: "规则文件全部有效", args: []string{good}, contains: []string{"1 loaded, 0 failed", "ruleset compiled: 1 rules"}},
		{name: "部分规则无效", args: []string{mixed}, wantErr: true, contains: []string{"1 loaded, 1 failed", "bad-rule"}},
		{name: "目录中的文件按名称加载", args: []string{dir}, wantErr: true, contains: []string{good, mixed}},
		{name: "文件不存在", args: []string{filepath.Join(dir, "nope.yaml")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runLint(t, tt.args...)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestLintCommandJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(file, []byte(lintRulesFile), 0644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"lint", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--format", "json", file})
	err := rootCmd.Execute()
	lintFlags.format = "text"
	require.Error(t, err)

	var report map[string]map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	rules := report[file]["rules"]
	assert.Equal(t, []interface{}{"good-rule"}, rules["loaded"])
	assert.Equal(t, []interface{}{"bad-rule"}, rules["failed"])
}
