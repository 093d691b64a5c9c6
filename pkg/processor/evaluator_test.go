package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/pipeline"
	"github.com/haolipeng/waf_detector/pkg/waf"
)

const evaluatorRules = `
rules:
  - id: login-admin
    name: admin login
    tags: {type: auth}
    conditions:
      - operator: exact_match
        parameters: {inputs: [{address: usr.id}], list: [admin]}
      - operator: phrase_match
        parameters: {inputs: [{address: server.request.uri.raw}], list: [/login]}
    on_match: [block]
`

func newInstance(t *testing.T) *waf.Instance {
	t.Helper()
	doc, err := object.FromYAML([]byte(evaluatorRules))
	require.NoError(t, err)
	inst, diag, err := waf.NewInstance(&doc, waf.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, diag.Err())
	t.Cleanup(inst.Close)
	return inst
}

func data(key, value string) *object.Object {
	m := object.Map()
	m.MapAdd(key, object.String(value))
	return &m
}

func run(t *testing.T, e *Evaluator, reqs ...*pipeline.Request) []*pipeline.Request {
	t.Helper()
	in := make(chan *pipeline.Request, len(reqs))
	for _, req := range reqs {
		in <- req
	}
	close(in)

	var wg sync.WaitGroup
	out, err := e.Process(context.Background(), in, &wg)
	require.NoError(t, err)

	results := make(map[string]*pipeline.Request)
	for req := range out {
		results[req.ID] = req
	}
	wg.Wait()

	ordered := make([]*pipeline.Request, 0, len(reqs))
	for _, req := range reqs {
		ordered = append(ordered, results[req.ID])
	}
	return ordered
}

func TestEvaluatorSessions(t *testing.T) {
	collector := metrics.NewCollector(nil)
	e := NewEvaluator(4, newInstance(t), collector)

	reqs := run(t, e,
		&pipeline.Request{ID: "1", Session: "alice", Persistent: data("usr.id", "admin"), Timeout: time.Second},
		&pipeline.Request{ID: "2", Session: "alice", Ephemeral: data("server.request.uri.raw", "/login"), Timeout: time.Second},
		// 不同会话看不到 alice 的持久数据
		&pipeline.Request{ID: "3", Session: "bob", Ephemeral: data("server.request.uri.raw", "/login"), Timeout: time.Second},
		// 一次性请求同时提供全部数据
		&pipeline.Request{
			ID:         "4",
			Persistent: data("usr.id", "admin"),
			Ephemeral:  data("server.request.uri.raw", "/login?next=/"),
			Timeout:    time.Second,
		},
	)

	assert.Equal(t, waf.OK, reqs[0].Code)
	assert.Equal(t, waf.Match, reqs[1].Code)
	assert.Equal(t, waf.OK, reqs[2].Code)
	assert.Equal(t, waf.Match, reqs[3].Code)
	for _, req := range reqs {
		assert.NoError(t, req.Err)
	}

	stats := e.Metrics().GetStats()
	assert.Equal(t, uint64(4), stats["processed"])
	assert.Equal(t, uint64(2), stats["matched"])
	assert.Equal(t, uint64(2), stats["blocked"])
	assert.Equal(t, uint64(0), stats["dropped"])

	assert.Equal(t, uint64(4), histogramCount(t, collector, "waf_detector_run_duration_seconds"))
}

func histogramCount(t *testing.T, c *metrics.Collector, name string) uint64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestEvaluatorInvalidRequest(t *testing.T) {
	e := NewEvaluator(1, newInstance(t), nil)

	arr := object.Array(object.String("x"))
	reqs := run(t, e, &pipeline.Request{ID: "bad", Persistent: &arr})

	assert.Equal(t, waf.ErrInvalidObject, reqs[0].Code)
	assert.Error(t, reqs[0].Err)
	assert.False(t, reqs[0].Matched())
	assert.Equal(t, uint64(1), e.Metrics().GetStats()["dropped"])
}

type failingFactory struct{}

func (failingFactory) NewContext() (*waf.Context, error) {
	return nil, errors.New("no instance")
}

func TestEvaluatorFactoryError(t *testing.T) {
	e := NewEvaluator(2, failingFactory{}, nil)
	reqs := run(t, e, &pipeline.Request{ID: "r", Session: "s", Ephemeral: data("a", "b")})

	assert.EqualError(t, reqs[0].Err, "no instance")
	assert.Equal(t, uint64(1), e.Metrics().GetStats()["dropped"])
}

func TestEvaluatorCheckReady(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		factory ContextFactory
		errMsg  string
	}{
		{name: "工作协程数为0", workers: 0, factory: failingFactory{}, errMsg: "invalid worker count"},
		{name: "缺少上下文工厂", workers: 1, factory: nil, errMsg: "no context factory"},
		{name: "配置正确", workers: 1, factory: failingFactory{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEvaluator(tt.workers, tt.factory, nil).CheckReady()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
