package engine

import (
	"fmt"

	"github.com/haolipeng/waf_detector/pkg/log"
	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
)

type input struct {
	address      string
	keyPath      []string
	transformers []transformer
}

func compileInputs(inputs []ruleset.Input, ruleTransformers []transformer) ([]input, error) {
	out := make([]input, 0, len(inputs))
	for _, in := range inputs {
		chain := ruleTransformers
		if len(in.Transformers) > 0 {
			own, err := compileTransformers(in.Transformers)
			if err != nil {
				return nil, err
			}
			chain = own
		}
		out = append(out, input{address: in.Address, keyPath: in.KeyPath, transformers: chain})
	}
	return out, nil
}

type condition struct {
	inputs   []input
	operator string
	negated  bool
	scalar   scalarOperator
	equals   object.Object
	cel      *celOperator
}

// conditionMatch 记录一个条件的命中信息
type conditionMatch struct {
	operator      string
	operatorValue string
	address       string
	keyPath       []string
	value         string
	highlight     string
	ephemeral     bool
}

func compileCondition(cond *ruleset.Condition, ruleTransformers []transformer, data map[string]*ruleset.DataSet) (*condition, error) {
	inputs, err := compileInputs(cond.Inputs, ruleTransformers)
	if err != nil {
		return nil, err
	}
	c := &condition{inputs: inputs, operator: cond.Operator, negated: cond.Negated}

	switch cond.Operator {
	case ruleset.OperatorMatchRegex:
		c.scalar, err = newRegexOperator(cond)
	case ruleset.OperatorPhraseMatch:
		c.scalar = &phraseOperator{phrases: cond.List}
	case ruleset.OperatorExactMatch:
		c.scalar = newExactOperator(cond, data)
	case ruleset.OperatorIPMatch:
		c.scalar, err = newIPOperator(cond, data)
	case ruleset.OperatorEquals:
		c.equals = cond.Value.Clone()
	case ruleset.OperatorExists:
	case ruleset.OperatorCEL:
		c.cel, err = newCELOperator(cond)
	default:
		err = fmt.Errorf("unknown operator '%s'", cond.Operator)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *condition) operatorName() string {
	name := c.operator
	if c.negated {
		name = "!" + name
	}
	return name
}

func (c *condition) operatorValue() string {
	switch {
	case c.scalar != nil:
		return c.scalar.value()
	case c.cel != nil:
		return c.cel.value()
	case c.operator == ruleset.OperatorEquals:
		s, _ := c.equals.Scalar()
		return s
	}
	return ""
}

func (c *condition) addresses() []string {
	out := make([]string, 0, len(c.inputs))
	for _, in := range c.inputs {
		out = append(out, in.address)
	}
	return out
}

// eval 按顺序检查每个输入，返回第一个命中
func (c *condition) eval(r *runState) (*conditionMatch, error) {
	for i := range c.inputs {
		in := &c.inputs[i]
		root, ephemeral, ok := r.lookup(in.address)
		if !ok {
			continue
		}
		target, ok := resolve(root, in.keyPath)
		if !ok || r.isExcluded(target) {
			continue
		}

		m, err := c.matchTarget(r, in, target)
		if err != nil {
			return nil, err
		}
		if m != nil {
			m.operator = c.operatorName()
			m.operatorValue = c.operatorValue()
			m.address = in.address
			m.ephemeral = ephemeral
			return m, nil
		}
		if r.timedOut {
			return nil, nil
		}
	}
	return nil, nil
}

func (c *condition) matchTarget(r *runState, in *input, target *object.Object) (*conditionMatch, error) {
	switch {
	case c.operator == ruleset.OperatorExists:
		return &conditionMatch{keyPath: copyPath(in.keyPath)}, nil

	case c.operator == ruleset.OperatorEquals:
		if target.IsContainer() || !scalarEquals(target, &c.equals) {
			return nil, nil
		}
		s, _ := target.Scalar()
		return &conditionMatch{keyPath: copyPath(in.keyPath), value: s, highlight: s}, nil

	case c.cel != nil:
		matched, err := c.cel.evaluate(in.address, in.keyPath, target)
		if err != nil {
			// 运行时错误(如访问不存在的字段)按未命中处理
			log.Debugf("cel condition on %s: %v", in.address, err)
			return nil, nil
		}
		if !matched {
			return nil, nil
		}
		s, _ := target.Scalar()
		return &conditionMatch{keyPath: copyPath(in.keyPath), value: s}, nil

	case c.negated:
		// 取反操作符只作用于标量
		s, ok := target.Scalar()
		if !ok {
			return nil, nil
		}
		s = applyTransformers(r.limitString(s), in.transformers)
		if _, hit := c.scalar.matchString(s, r.now); hit {
			return nil, nil
		}
		return &conditionMatch{keyPath: copyPath(in.keyPath), value: s}, nil
	}

	var found *conditionMatch
	r.walk(target, in.keyPath, 0, func(s string, path []string) bool {
		s = applyTransformers(s, in.transformers)
		highlight, ok := c.scalar.matchString(s, r.now)
		if !ok {
			return false
		}
		found = &conditionMatch{keyPath: copyPath(path), value: s, highlight: highlight}
		return true
	})
	return found, nil
}

func copyPath(path []string) []string {
	if len(path) == 0 {
		return nil
	}
	return append([]string(nil), path...)
}
