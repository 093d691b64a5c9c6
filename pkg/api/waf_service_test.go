package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/waf_detector/pkg/config"
	"github.com/haolipeng/waf_detector/pkg/manager"
	"github.com/haolipeng/waf_detector/pkg/metrics"
)

const baseRules = `
rules:
  - id: sqli-query
    name: sql injection in query
    tags: {type: sql_injection}
    conditions:
      - operator: match_regex
        parameters: {inputs: [{address: server.request.query}], regex: "union\\s+select"}
    on_match: [block]
`

const customRules = `
custom_rules:
  - id: banned-user
    name: banned user
    tags: {type: auth}
    conditions:
      - operator: exact_match
        parameters: {inputs: [{address: usr.id}], list: [mallory]}
`

type testServer struct {
	server    *Server
	manager   *manager.Manager
	collector *metrics.Collector
}

func newTestServer(t *testing.T, withRules bool) *testServer {
	t.Helper()
	dir := t.TempDir()
	if withRules {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(baseRules), 0644))
	}

	collector := metrics.NewCollector(nil)
	m := manager.New(dir, config.Default().Engine(), collector)
	if withRules {
		require.NoError(t, m.Sync())
	}
	t.Cleanup(m.Close)

	s := NewServer(config.Default())
	s.RegisterWAFService(NewWAFService(m, collector, time.Second))
	s.RegisterMetrics(collector)
	return &testServer{server: s, manager: m, collector: collector}
}

func (ts *testServer) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	ts.server.GetEcho().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestConfigLifecycle(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodGet, "/waf/configs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"file/base.yaml"}, data["paths"])

	rec = ts.do(http.MethodPut, "/waf/configs/api/custom", "application/yaml", customRules)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, ts.manager.KnownAddresses(), "usr.id")

	rec = ts.do(http.MethodGet, "/waf/configs?filter=^api/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"api/custom"}, data["paths"])

	rec = ts.do(http.MethodGet, "/waf/configs/api/custom", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	diag := decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Contains(t, diag, "custom_rules")

	rec = ts.do(http.MethodGet, "/waf/addresses", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []interface{}{"server.request.query", "usr.id"}, decodeResponse(t, rec)["data"])

	rec = ts.do(http.MethodGet, "/waf/actions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"block_request"}, decodeResponse(t, rec)["data"])

	rec = ts.do(http.MethodDelete, "/waf/configs/api/custom", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, ts.manager.KnownAddresses(), "usr.id")

	rec = ts.do(http.MethodDelete, "/waf/configs/api/custom", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigErrors(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
		status      int
	}{
		{name: "规则目录中的配置只读", method: http.MethodPut, target: "/waf/configs/file/base.yaml", contentType: "application/json", body: `{"rules": []}`, status: http.StatusConflict},
		{name: "删除规则目录中的配置", method: http.MethodDelete, target: "/waf/configs/file/base.yaml", status: http.StatusConflict},
		{name: "内置推荐规则集只读", method: http.MethodDelete, target: "/waf/configs/::/waf_detector/default/recommended.yaml", status: http.StatusConflict},
		{name: "无效的JSON", method: http.MethodPut, target: "/waf/configs/api/x", contentType: "application/json", body: `{"rules": [`, status: http.StatusBadRequest},
		{name: "空请求体", method: http.MethodPut, target: "/waf/configs/api/x", contentType: "application/json", status: http.StatusBadRequest},
		{name: "没有可加载的条目", method: http.MethodPut, target: "/waf/configs/api/x", contentType: "application/json", body: `{"rules": 1}`, status: http.StatusUnprocessableEntity},
		{name: "不存在的配置", method: http.MethodGet, target: "/waf/configs/api/missing", status: http.StatusNotFound},
		{name: "无效的过滤正则", method: http.MethodGet, target: "/waf/configs?filter=(", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.target, tt.contentType, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			resp := decodeResponse(t, rec)
			assert.Equal(t, float64(tt.status), resp["code"])
			assert.NotEmpty(t, resp["message"])
		})
	}

	// 失败的更新不影响已有配置
	paths, err := ts.manager.ConfigPaths("")
	require.NoError(t, err)
	assert.Equal(t, []string{"file/base.yaml"}, paths)
}

func TestEvaluate(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/waf/evaluate", "application/json",
		`{"ephemeral": {"server.request.query": {"id": "1 UNION SELECT password"}}, "timeout_us": 100000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "MATCH", data["code"])
	assert.NotEmpty(t, data["request_id"])
	result := data["result"].(map[string]interface{})
	assert.Len(t, result["events"], 1)
	assert.Contains(t, result["actions"], "block_request")
	assert.Equal(t, true, result["keep"])

	rec = ts.do(http.MethodPost, "/waf/evaluate", "application/json",
		`{"ephemeral": {"server.request.query": {"id": "42"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "OK", data["code"])

	rec = ts.do(http.MethodPost, "/waf/evaluate", "application/json", `{"timeout_us": 10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/waf/evaluate", "application/json", `{"ephemeral": [1, 2]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 评估调用计入指标
	rec = ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `waf_detector_runs_total{code="MATCH"} 1`)
	assert.Contains(t, rec.Body.String(), `waf_detector_runs_total{code="ERR_INVALID_OBJECT"} 1`)
}

func TestEvaluateTruncatesOversizedInput(t *testing.T) {
	ts := newTestServer(t, true)

	// 超长的兄弟字段被截断，不影响同一地址中的攻击载荷
	body := `{"ephemeral": {"server.request.query": {"pad": "` + strings.Repeat("a", 5000) + `", "id": "1 UNION SELECT password"}}}`
	rec := ts.do(http.MethodPost, "/waf/evaluate", "application/json", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "MATCH", data["code"])
	truncations := data["truncations"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(5000)}, truncations["string_length"])

	// 过深的值被跳过
	const depth = 100000
	deep := strings.Repeat("[", depth) + strings.Repeat("]", depth)
	rec = ts.do(http.MethodPost, "/waf/evaluate", "application/json",
		`{"ephemeral": {"server.request.query": {"id": "1 UNION SELECT password", "deep": `+deep+`}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data = decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "MATCH", data["code"])
	assert.Contains(t, data["truncations"], "container_depth")

	// 未闭合的深层嵌套作为无效请求拒绝
	rec = ts.do(http.MethodPost, "/waf/evaluate", "application/json", `{"ephemeral": {"x": `+strings.Repeat("[", 1<<20)+`}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `waf_detector_truncations_total{reason="string_length"} 1`)
	assert.Contains(t, rec.Body.String(), `waf_detector_truncations_total{reason="container_depth"} 1`)
}

func TestEvaluateWithoutInstance(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodPost, "/waf/evaluate", "application/json", `{"ephemeral": {"a": "b"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(http.MethodGet, "/waf/addresses", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, decodeResponse(t, rec)["data"])
}
