package types

import (
	"errors"
	"fmt"
)

// LoadError 表示某个配置路径在加载阶段失败
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load error at path %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func NewLoadError(path string, err error) error {
	return &LoadError{Path: path, Err: err}
}

// PipelineError 表示回放流水线某个阶段的错误
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(stage string, err error) error {
	return &PipelineError{Stage: stage, Err: err}
}

var (
	// 数据模型相关错误
	ErrMaxDepthExceeded   = errors.New("max depth exceeded")
	ErrContainerTooLarge  = errors.New("container too large")
	ErrStringTooLong      = errors.New("string too long")
	ErrInvalidObjectType  = errors.New("invalid object type")
	ErrUnsupportedValue   = errors.New("unsupported go value")
	ErrInvalidMapKey      = errors.New("invalid map key")
	ErrUnexpectedDocument = errors.New("unexpected document structure")

	// 生命周期相关错误
	ErrInstanceReleased = errors.New("instance was released")
	ErrBuilderClosed    = errors.New("builder has already been closed")
	ErrEmptyPath        = errors.New("path cannot be blank")
	ErrUpdateFailed     = errors.New("failed to update builder configuration")
	ErrEmptyRuleset     = errors.New("ruleset contains no usable rules or processors")
)

// RunError 表示一次评估调用返回的错误
type RunError int

const (
	ErrInternal RunError = iota + 1
	ErrInvalidObject
	ErrInvalidArgument
)

var runErrorStrMap = map[RunError]string{
	ErrInternal:        "internal waf error",
	ErrInvalidObject:   "invalid waf object",
	ErrInvalidArgument: "invalid waf argument",
}

func (e RunError) Error() string {
	description, ok := runErrorStrMap[e]
	if !ok {
		return fmt.Sprintf("unknown waf error %d", int(e))
	}
	return description
}
