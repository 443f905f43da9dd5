package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expression is a compiled condition or mapping expression. Builtin functions
// are disabled, so an expression reads the scope but can never call into it.
// Undefined names evaluate to nil, which keeps null usable as a literal.
type Expression struct {
	source  string
	program *vm.Program
}

// Compile parses src once so it can be evaluated many times
func Compile(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	program, err := expr.Compile(src,
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
	)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	return &Expression{source: src, program: program}, nil
}

func (e *Expression) String() string { return e.source }

// Eval returns the value of the expression against vars. Operating on a
// missing value (nil > 1, nil.field) is an error.
func (e *Expression) Eval(vars map[string]interface{}) (interface{}, error) {
	out, err := expr.Run(e.program, vars)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", e.source, err)
	}
	return out, nil
}

// EvalBool returns the truthiness of the expression
func (e *Expression) EvalBool(vars map[string]interface{}) (bool, error) {
	out, err := e.Eval(vars)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// Evaluate compiles and evaluates src in one step
func Evaluate(src string, vars map[string]interface{}) (interface{}, error) {
	compiled, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return compiled.Eval(vars)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != "" && b != "false" && b != "0"
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}
