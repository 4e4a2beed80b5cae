package script_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/waypost/engine/internal/runtime/script"
	"github.com/waypost/engine/pkg/api"
)

func compileExpr(t *testing.T, src string) (*script.ExprEnv, script.Compiled) {
	t.Helper()
	env := script.NewExprEnv()
	comp, err := env.Compile(nil, &api.ScriptConfig{
		Language: api.ScriptLangExpr,
		Source:   src,
	})
	assert.NoError(t, err)
	assert.NotNil(t, comp)
	return env, comp
}

func TestExprBooleanChoosesExit(t *testing.T) {
	env, comp := compileExpr(t, `age >= 18`)

	res, err := env.Execute(context.Background(), comp, api.Args{"age": 21})
	assert.NoError(t, err)
	assert.Len(t, res.Commands, 1)
	assert.Equal(t, 1, res.Commands[0].ExitIndex())

	res, err = env.Execute(context.Background(), comp, api.Args{"age": 12})
	assert.NoError(t, err)
	assert.Equal(t, 0, res.Commands[0].ExitIndex())
}

func TestExprNumericExit(t *testing.T) {
	env, comp := compileExpr(t, `score > 80 ? 2 : 1`)

	res, err := env.Execute(context.Background(), comp, api.Args{"score": 95})
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Commands[0].ExitIndex())
}

func TestExprUndefinedVariablesAllowed(t *testing.T) {
	env, comp := compileExpr(t, `missing == nil`)

	res, err := env.Execute(context.Background(), comp, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, res.Commands[0].ExitIndex())
}

func TestExprCompileError(t *testing.T) {
	env := script.NewExprEnv()
	_, err := env.Compile(nil, &api.ScriptConfig{
		Language: api.ScriptLangExpr,
		Source:   `1 +`,
	})
	assert.ErrorIs(t, err, api.ErrSandboxParse)
}

func TestExprMapResultBecomesCommand(t *testing.T) {
	env, comp := compileExpr(t, `{"notify": ["level", status]}`)

	res, err := env.Execute(context.Background(), comp, api.Args{
		"status": "ok",
	})
	assert.NoError(t, err)
	assert.Len(t, res.Commands, 1)
	assert.Equal(t, api.CmdNotify, res.Commands[0].Name)
	assert.Equal(t, []any{"level", "ok"}, res.Commands[0].Args)
}

func TestRegistryLookup(t *testing.T) {
	reg := script.NewRegistry(discardLogger())

	env, err := reg.Get(api.ScriptLangLua)
	assert.NoError(t, err)
	assert.NotNil(t, env)

	env, err = reg.Get(api.ScriptLangExpr)
	assert.NoError(t, err)
	assert.NotNil(t, env)

	_, err = reg.Get("php")
	assert.ErrorIs(t, err, script.ErrUnsupportedLanguage)
}

func TestRegistryCompileNilScript(t *testing.T) {
	reg := script.NewRegistry(discardLogger())

	comp, err := reg.Compile(nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, comp)

	res, err := reg.Execute(context.Background(), api.ScriptLangLua, nil, nil)
	assert.NoError(t, err)
	assert.Empty(t, res.Commands)
}

func TestSanitizeError(t *testing.T) {
	assert.Equal(t, "attempt to call a nil value",
		script.SanitizeError("chunk:12: attempt to call a nil value"))
	assert.Equal(t, "boom",
		script.SanitizeError(`[string "chunk"]:3: boom`))
	assert.Equal(t, "plain", script.SanitizeError("plain"))
}
