package script_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/waypost/engine/internal/runtime/script"
	"github.com/waypost/engine/pkg/api"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func compileLua(t *testing.T, src string) (*script.LuaEnv, script.Compiled) {
	t.Helper()
	env := script.NewLuaEnv(discardLogger())
	comp, err := env.Compile(nil, &api.ScriptConfig{
		Language: api.ScriptLangLua,
		Source:   src,
	})
	assert.NoError(t, err)
	assert.NotNil(t, comp)
	return env, comp
}

func TestLuaExecuteCommands(t *testing.T) {
	env, comp := compileLua(t, `
		return {
			{ sendEmail = { "a@b.c", "Hi " .. name } },
			{ exit = { 1 } },
		}
	`)

	res, err := env.Execute(context.Background(), comp, api.Args{
		"name": "Ann",
	})
	assert.NoError(t, err)
	assert.Len(t, res.Commands, 2)
	assert.Equal(t, api.CmdSendEmail, res.Commands[0].Name)
	assert.Equal(t, []any{"a@b.c", "Hi Ann"}, res.Commands[0].Args)
	assert.Equal(t, 1, res.Commands[1].ExitIndex())
}

func TestLuaSingleCommandMap(t *testing.T) {
	env, comp := compileLua(t, `return { exit = { 2 } }`)

	res, err := env.Execute(context.Background(), comp, nil)
	assert.NoError(t, err)
	assert.Len(t, res.Commands, 1)
	assert.Equal(t, 2, res.Commands[0].ExitIndex())
}

func TestLuaSandboxContainment(t *testing.T) {
	env, comp := compileLua(t, `
		os.execute("touch /tmp/pwned")
		io.write("leak")
		return nil
	`)

	res, err := env.Execute(context.Background(), comp, nil)
	assert.NoError(t, err)
	assert.Empty(t, res.Commands)
	assert.Contains(t, res.Neutralized, "os")
	assert.Contains(t, res.Neutralized, "io")
}

func TestLuaSandboxContainmentNested(t *testing.T) {
	env, comp := compileLua(t, `
		local function deep(n)
			if n > 0 then return deep(n - 1) end
			return os.getenv("SECRET")
		end
		result = deep(5)
		return nil
	`)

	res, err := env.Execute(context.Background(), comp, nil)
	assert.NoError(t, err)
	assert.Contains(t, res.Neutralized, "os")
	assert.Nil(t, res.Bindings["$result"])
}

func TestLuaSendPrimitiveNeutralized(t *testing.T) {
	env, comp := compileLua(t, `sendmail("a@b.c", "spam")`)

	res, err := env.Execute(context.Background(), comp, nil)
	assert.NoError(t, err)
	assert.Contains(t, res.Neutralized, "sendmail")
}

func TestLuaBareWriteCapture(t *testing.T) {
	env, comp := compileLua(t, `
		greeting = "Hello " .. name
		local temp = "invisible"
		return nil
	`)

	res, err := env.Execute(context.Background(), comp, api.Args{
		"name": "Ann",
	})
	assert.NoError(t, err)
	assert.Equal(t, "Hello Ann", res.Bindings["$greeting"])

	// unchanged inputs and locals are not captured
	_, ok := res.Bindings["$name"]
	assert.False(t, ok)
	_, ok = res.Bindings["$temp"]
	assert.False(t, ok)
}

func TestLuaWorkflowFunctions(t *testing.T) {
	env := script.NewLuaEnv(discardLogger())
	wf := &api.Workflow{
		ID:        "w1",
		Functions: `function greet(n) return "Hi " .. n end`,
	}

	comp, err := env.Compile(wf, &api.ScriptConfig{
		Language: api.ScriptLangLua,
		Source:   `msg = greet(name)`,
	})
	assert.NoError(t, err)

	res, err := env.Execute(context.Background(), comp, api.Args{
		"name": "Bo",
	})
	assert.NoError(t, err)
	assert.Equal(t, "Hi Bo", res.Bindings["$msg"])
}

func TestLuaCompileCacheReuse(t *testing.T) {
	env := script.NewLuaEnv(discardLogger())
	cfg := &api.ScriptConfig{
		Language: api.ScriptLangLua,
		Source:   `return { exit = { 0 } }`,
	}

	first, err := env.Compile(nil, cfg)
	assert.NoError(t, err)
	second, err := env.Compile(nil, cfg)
	assert.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLuaParseError(t *testing.T) {
	env := script.NewLuaEnv(discardLogger())
	_, err := env.Compile(nil, &api.ScriptConfig{
		Language: api.ScriptLangLua,
		Source:   `return {{`,
	})
	assert.ErrorIs(t, err, api.ErrSandboxParse)
}

func TestLuaRuntimeErrorSanitized(t *testing.T) {
	env, comp := compileLua(t, `error("boom")`)

	_, err := env.Execute(context.Background(), comp, nil)
	assert.ErrorIs(t, err, api.ErrSandboxRuntime)
	assert.Contains(t, err.Error(), "boom")
	assert.NotContains(t, err.Error(), "chunk:")
}

func TestLuaCommentStripping(t *testing.T) {
	env, comp := compileLua(t, `
		-- a line comment with os.execute inside
		--[[ a block
		comment ]]
		marker = "-- not a comment"
		return nil
	`)

	res, err := env.Execute(context.Background(), comp, nil)
	assert.NoError(t, err)
	assert.Equal(t, "-- not a comment", res.Bindings["$marker"])
	assert.Empty(t, res.Neutralized)
}

func TestLuaExecutionBudget(t *testing.T) {
	env, comp := compileLua(t, `for i = 1, 1000000000 do end`)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := env.Execute(ctx, comp, nil)
	assert.ErrorIs(t, err, api.ErrSandboxRuntime)
}

func TestLuaBudgetAbandonmentLogged(t *testing.T) {
	var buf bytes.Buffer
	env := script.NewLuaEnv(
		slog.New(slog.NewTextHandler(&buf, nil)),
	)
	comp, err := env.Compile(nil, &api.ScriptConfig{
		Language: api.ScriptLangLua,
		Source:   `for i = 1, 1000000000 do end`,
	})
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err = env.Execute(ctx, comp, nil)
	assert.ErrorIs(t, err, api.ErrSandboxRuntime)
	assert.Contains(t, buf.String(), "script_hash=")
	assert.Contains(t, buf.String(), "Abandoned runaway script state")
}

func TestLuaStateIsolation(t *testing.T) {
	env, comp := compileLua(t, `leak = secret`)

	res, err := env.Execute(context.Background(), comp, api.Args{
		"secret": "s3cr3t",
	})
	assert.NoError(t, err)
	assert.Equal(t, "s3cr3t", res.Bindings["$leak"])

	// a second execution without the variable must not observe the first
	res, err = env.Execute(context.Background(), comp, nil)
	assert.NoError(t, err)
	_, ok := res.Bindings["$leak"]
	assert.False(t, ok)
}
