package conditions

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/google/cel-go/cel"
)

// celCache compiles predicates once and reuses the program across
// retriggers; the same instruction may be evaluated thousands of times
// before its condition turns true.
type celCache struct {
	env *cel.Env
	mu  sync.RWMutex
	prg map[string]cel.Program
}

func newCELCache() (*celCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.IntType),
		cel.Variable("threshold", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &celCache{env: env, prg: make(map[string]cel.Program)}, nil
}

func (c *celCache) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.prg[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("cel predicate must be boolean, got %s", ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	c.mu.Lock()
	c.prg[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// eval runs a boolean predicate over {value, threshold}. Values outside the
// int64 range are rejected rather than silently truncated.
func (c *celCache) eval(expr string, value, threshold *big.Int) (bool, error) {
	if value == nil {
		value = new(big.Int)
	}
	if threshold == nil {
		threshold = new(big.Int)
	}
	if !value.IsInt64() || !threshold.IsInt64() {
		return false, fmt.Errorf("cel predicate operands exceed int64 range")
	}

	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"value":     value.Int64(),
		"threshold": threshold.Int64(),
	})
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	met, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel predicate returned %T, want bool", out.Value())
	}
	return met, nil
}
