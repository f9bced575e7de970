// Package exprs evaluates edge conditions: pure boolean predicates over the
// instance variables, with no side effects and bounded evaluation time.
package exprs

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var options = []expr.Option{
	expr.Env(map[string]any{}),
	expr.AllowUndefinedVariables(),
	expr.AsBool(),
}

// Compile parses and type-checks a condition. Definitions call this at
// validation time so a condition that cannot evaluate to a boolean is
// rejected before any instance can reach it.
func Compile(condition string) (*vm.Program, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil, fmt.Errorf("empty condition")
	}
	program, err := expr.Compile(condition, options...)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	return program, nil
}

// Evaluate runs a condition against the variables map. Variables the
// condition references but the map lacks evaluate as nil; what that does to
// the result depends on the condition itself.
func Evaluate(condition string, variables map[string]any) (bool, error) {
	program, err := Compile(condition)
	if err != nil {
		return false, err
	}
	if variables == nil {
		variables = map[string]any{}
	}
	out, err := expr.Run(program, variables)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not produce a boolean", condition)
	}
	return result, nil
}
