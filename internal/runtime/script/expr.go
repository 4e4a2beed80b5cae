package script

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/waypost/engine/pkg/api"
)

type (
	// ExprEnv evaluates expression-only control blocks. Expressions have no
	// statements and no capability surface, so no vetting or neutralization
	// is required; the compiled program runs against the variable snapshot
	ExprEnv struct {
		*compiler[*CompiledExpr]
	}

	// CompiledExpr represents a compiled expression program
	CompiledExpr struct {
		program *vm.Program
	}
)

const exprCacheSize = 4096

// NewExprEnv creates the expression environment
func NewExprEnv() *ExprEnv {
	env := &ExprEnv{}
	env.compiler = newCompiler(exprCacheSize,
		func(_ *api.Workflow, cfg *api.ScriptConfig) (*CompiledExpr, error) {
			program, err := expr.Compile(cfg.Source,
				expr.Env(map[string]any{}),
				expr.AllowUndefinedVariables(),
			)
			if err != nil {
				return nil, fmt.Errorf("%w: %s",
					api.ErrSandboxParse, SanitizeError(err.Error()))
			}
			return &CompiledExpr{program: program}, nil
		},
	)
	return env
}

// Execute evaluates a compiled expression against the variable snapshot.
// Numeric results choose an exit; boolean results choose exit 1 or 0;
// list and map results are parsed as command lists
func (e *ExprEnv) Execute(
	_ context.Context, c Compiled, vars api.Args,
) (*Result, error) {
	proc, ok := c.(*CompiledExpr)
	if !ok {
		return nil, fmt.Errorf("%w: not an expression", api.ErrSandboxRuntime)
	}

	env := make(map[string]any, len(vars))
	for name, value := range vars {
		env[string(name)] = value
	}

	out, err := vm.Run(proc.program, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s",
			api.ErrSandboxRuntime, SanitizeError(err.Error()))
	}

	res := &Result{}
	switch v := out.(type) {
	case bool:
		index := 0
		if v {
			index = 1
		}
		res.Commands = []*api.Command{
			{Name: api.CmdExit, Args: []any{index}},
		}
	case int:
		res.Commands = []*api.Command{
			{Name: api.CmdExit, Args: []any{v}},
		}
	case float64:
		res.Commands = []*api.Command{
			{Name: api.CmdExit, Args: []any{int(v)}},
		}
	default:
		cmds, err := commandsFromValue(out)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", api.ErrSandboxRuntime, err)
		}
		res.Commands = cmds
	}
	return res, nil
}
