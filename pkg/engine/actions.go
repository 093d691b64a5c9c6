package engine

import (
	"github.com/google/uuid"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
)

// 动作类型
const (
	ActionBlockRequest    = "block_request"
	ActionRedirectRequest = "redirect_request"
	ActionGenerateStack   = "generate_stack"
	ActionGenerateSchema  = "generate_schema"
	ActionMonitor         = "monitor"
)

func isBlocking(actionType string) bool {
	return actionType == ActionBlockRequest || actionType == ActionRedirectRequest
}

// defaultActions 返回内置动作，配置中同ID的动作会覆盖它们
func defaultActions() []*ruleset.Action {
	block := object.Map()
	block.MapAdd("status_code", object.Signed(403))
	block.MapAdd("type", object.String("auto"))
	block.MapAdd("grpc_status_code", object.Signed(10))

	return []*ruleset.Action{
		{ID: "block", Type: ActionBlockRequest, Parameters: block},
		{ID: "stack_trace", Type: ActionGenerateStack, Parameters: object.Map()},
		{ID: "extract_schema", Type: ActionGenerateSchema, Parameters: object.Map()},
		{ID: "monitor", Type: ActionMonitor, Parameters: object.Map()},
	}
}

// actionSet 汇总一次评估产生的动作，按首次出现的顺序保存
type actionSet struct {
	types    []string
	params   map[string]object.Object
	blocking bool
}

func newActionSet() *actionSet {
	return &actionSet{params: make(map[string]object.Object)}
}

// add 加入一个动作，只保留第一个阻断类动作，同类型动作先到先得
func (s *actionSet) add(action *ruleset.Action) {
	if action.Type == ActionMonitor {
		return
	}
	if isBlocking(action.Type) {
		if s.blocking {
			return
		}
		s.blocking = true
	}
	if _, ok := s.params[action.Type]; ok {
		return
	}
	params := action.Parameters.Clone()
	if !params.IsMap() {
		params = object.Map()
	}
	if action.Type == ActionGenerateStack {
		params.MapAdd("stack_id", object.String(uuid.NewString()))
	}
	s.types = append(s.types, action.Type)
	s.params[action.Type] = params
}

func (s *actionSet) empty() bool {
	return len(s.types) == 0
}

func (s *actionSet) toObject() object.Object {
	out := object.Map()
	for _, t := range s.types {
		out.MapAdd(t, s.params[t])
	}
	return out
}
