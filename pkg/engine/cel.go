package engine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/haolipeng/waf_detector/pkg/object"
	"github.com/haolipeng/waf_detector/pkg/ruleset"
)

// CEL 表达式可以使用的变量
const (
	celVarValue   = "value"    // 目标值，转换成 Go 值
	celVarKeyPath = "key_path" // 目标在地址中的路径
	celVarAddress = "address"  // 地址名称
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

// newCELEnv 创建CEL环境，声明表达式可用的变量
func newCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Declarations(
				decls.NewVar(celVarValue, decls.Dyn),
				decls.NewVar(celVarKeyPath, decls.NewListType(decls.String)),
				decls.NewVar(celVarAddress, decls.String),
			),
		)
		if celEnvErr != nil {
			celEnvErr = fmt.Errorf("create cel env failed: %v", celEnvErr)
		}
	})
	return celEnv, celEnvErr
}

// compileExpression 编译CEL表达式
func compileExpression(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression cannot be empty")
	}
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	// 1.编译表达式，生成AST
	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression failed: %v", iss.Err())
	}

	// 2.检查表达式是否正确
	checked, iss := env.Check(ast)
	if iss.Err() != nil {
		return nil, fmt.Errorf("check expression failed: %v", iss.Err())
	}

	// 3.表达式返回值类型必须是布尔型
	if !checked.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", checked.OutputType().String())
	}

	// 4.将AST转换为程序Program
	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("create program failed: %v", err)
	}
	return program, nil
}

// CheckCondition 校验条件中需要编译的部分，供解析配置时使用
func CheckCondition(cond *ruleset.Condition) error {
	if cond.Operator != ruleset.OperatorCEL {
		return nil
	}
	_, err := compileExpression(cond.Expression)
	return err
}

type celOperator struct {
	expression string
	program    cel.Program
}

func newCELOperator(cond *ruleset.Condition) (*celOperator, error) {
	program, err := compileExpression(cond.Expression)
	if err != nil {
		return nil, err
	}
	return &celOperator{expression: cond.Expression, program: program}, nil
}

func (o *celOperator) name() string  { return ruleset.OperatorCEL }
func (o *celOperator) value() string { return o.expression }

// evaluate 在整个目标值上执行表达式
func (o *celOperator) evaluate(address string, keyPath []string, target *object.Object) (bool, error) {
	if keyPath == nil {
		keyPath = []string{}
	}
	result, _, err := o.program.Eval(map[string]any{
		celVarValue:   target.ToGo(),
		celVarKeyPath: keyPath,
		celVarAddress: address,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate expression failed: %v", err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is not boolean: %v", result.Value())
	}
	return matched, nil
}
