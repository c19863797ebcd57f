package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	// ErrInvalidExpression wraps compile errors.
	ErrInvalidExpression = errors.New("invalid expression")
	// ErrNotBoolean is returned when an expression does not yield a bool.
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")
)

// Evaluator answers a boolean query over a unit's field map.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator runs queries with expr-lang/expr. Compiled programs are cached per expression, so every env passed for the
// same expression must carry the same keys with the same value types.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Compile checks expression against env and caches the program.
func (e *ExprEvaluator) Compile(expression string, env map[string]interface{}) error {
	_, err := e.program(expression, env)
	return err
}

func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	expression = strings.TrimSpace(expression)

	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate reports whether the unit described by env satisfies expression.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression, env)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	matched, ok := result.(bool)
	if ok {
		return matched, nil
	}
	return false, fmt.Errorf("%w: '%s' got %T", ErrNotBoolean, strings.TrimSpace(expression), result)
}
