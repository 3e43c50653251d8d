package api

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("script execution budget exceeded")
	ErrPoolExhausted    = errors.New("no script context available")
	ErrReloadInProgress = errors.New("reload in progress")
)

// CompileError 规则源码无法编译
type CompileError struct {
	RuleID string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule %s: compile: %v", e.RuleID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// DecodeError 字段解码失败
type DecodeError struct {
	TypeID TypeID
	Field  string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s field %q: %v", e.TypeID, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ScriptError is an uncaught failure raised while a filter ran.
type ScriptError struct {
	RuleID string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }
