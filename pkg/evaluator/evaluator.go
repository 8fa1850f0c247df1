// Package evaluator implements expression evaluation for task conditions,
// retry predicates, loops and string interpolation, backed by expr-lang.
package evaluator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nexus-automation/nexus/pkg/engine"
)

var placeholderRe = regexp.MustCompile(`\{\{(.+?)\}\}`)

// Evaluator compiles and runs expressions against per-host variable scopes.
// Compiled programs are cached by expression text; the cache is safe for
// concurrent use by the engine's workers.
type Evaluator struct {
	cache sync.Map // expression -> *vm.Program
}

// New creates an evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	if cached, ok := e.cache.Load(expression); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache.Store(expression, program)
	return program, nil
}

// Evaluate runs an expression and returns its value. Referencing a variable
// absent from the scope is an evaluation error, not a silent nil.
func (e *Evaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, engine.NewEvalError(fmt.Sprintf("invalid expression %q", expression), err)
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, engine.NewEvalError(fmt.Sprintf("expression %q", expression), err)
	}
	return out, nil
}

// EvaluateBool runs an expression and coerces the result to a truth value.
// An empty expression is true.
func (e *Evaluator) EvaluateBool(expression string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	out, err := e.Evaluate(expression, vars)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// EvaluateList runs an expression expected to yield a list.
func (e *Evaluator) EvaluateList(expression string, vars map[string]any) ([]any, error) {
	out, err := e.Evaluate(expression, vars)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, engine.NewEvalError(fmt.Sprintf("loop expression %q yielded nothing", expression), nil)
	}
	if items, ok := out.([]any); ok {
		return items, nil
	}
	// Range and typed slices come back as concrete slice types.
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, engine.NewEvalError(fmt.Sprintf("loop expression %q yielded %T, expected a list", expression, out), nil)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// Interpolate resolves every {{ expression }} placeholder in s. A string
// without placeholders passes through untouched.
func (e *Evaluator) Interpolate(s string, vars map[string]any) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := strings.TrimSpace(match[2 : len(match)-2])
		val, err := e.Evaluate(inner, vars)
		if err != nil {
			firstErr = err
			return match
		}
		return fmt.Sprint(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Truthy maps a value to a truth value: nil, false, zero numbers, empty
// strings and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
