package script

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/waypost/engine/internal/util"
	"github.com/waypost/engine/pkg/api"
	"github.com/waypost/engine/pkg/log"
)

type (
	// LuaEnv provides the Lua sandbox with state pooling. Block scripts are
	// normalized, statically vetted against the capability deny-list,
	// compiled to bytecode, and executed against the session's variable
	// snapshot bound as globals
	LuaEnv struct {
		*compiler[*CompiledLua]
		statePool chan *lua.State
		logger    *slog.Logger
	}

	// CompiledLua represents a compiled Lua block script
	CompiledLua struct {
		hash        string
		bytecode    []byte
		functions   string
		referenced  []string
		neutralized []string
	}
)

const (
	luaCacheSize     = 4096
	luaStatePoolSize = 10

	// defaultExecBudget bounds script wall-clock time when the caller's
	// context carries no deadline
	defaultExecBudget = 5 * time.Second
)

// capabilityDeny lists globals a block script may never reach: process,
// file, and loader primitives. Each is replaced with an inert sentinel
// before execution, so a call can never take effect regardless of the
// script's control flow
var capabilityDeny = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
	"collectgarbage",
}

// sendPrimitive is the bare mail-like send call. It is always stubbed; mail
// goes through the sendEmail command instead
const sendPrimitive = "sendmail"

var (
	identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

	luaKeywords = util.SetOf(
		"and", "break", "do", "else", "elseif", "end", "false", "for",
		"function", "goto", "if", "in", "local", "nil", "not", "or",
		"repeat", "return", "then", "true", "until", "while",
	)

	luaBuiltins = util.SetOf(
		"assert", "error", "getmetatable", "ipairs", "next", "pairs",
		"pcall", "print", "rawequal", "rawget", "rawlen", "rawset",
		"select", "setmetatable", "string", "table", "math", "tonumber",
		"tostring", "type", "xpcall", "_G",
	)
)

// NewLuaEnv creates the Lua sandbox environment with a state pool for
// efficient script reuse
func NewLuaEnv(logger *slog.Logger) *LuaEnv {
	env := &LuaEnv{
		statePool: make(chan *lua.State, luaStatePoolSize),
		logger:    logger,
	}
	env.compiler = newCompiler(luaCacheSize,
		func(wf *api.Workflow, cfg *api.ScriptConfig) (*CompiledLua, error) {
			return env.compileSource(wf, cfg.Source)
		},
	)
	return env
}

// Execute runs a compiled Lua script against the variable snapshot and
// returns its structured commands, bare-write bindings, and any neutralized
// capability names
func (e *LuaEnv) Execute(
	ctx context.Context, c Compiled, vars api.Args,
) (*Result, error) {
	proc, ok := c.(*CompiledLua)
	if !ok {
		return nil, fmt.Errorf("%w: not a lua script", api.ErrSandboxRuntime)
	}

	L := e.getState()
	e.setupSandbox(L)
	e.loadFunctions(L, proc.functions)
	bound := bindGlobals(L, vars)

	if err := L.Load(
		bytes.NewReader(proc.bytecode), "chunk", "b",
	); err != nil {
		e.reclaimState(L, bound, proc.referenced)
		return nil, fmt.Errorf("%w: %s",
			api.ErrSandboxRuntime, SanitizeError(errString(err)))
	}

	abandoned, err := e.protectedCall(ctx, L)
	if err != nil {
		if abandoned {
			// The goroutine still owns the state and may never finish;
			// the state is pinned until it does
			e.logger.Warn("Abandoned runaway script state",
				log.ScriptHash(proc.hash))
		} else {
			e.reclaimState(L, bound, proc.referenced)
		}
		return nil, err
	}

	raw := luaToGo(L, -1)
	L.Pop(1)

	res := &Result{
		Neutralized: proc.neutralized,
		Bindings:    reconcile(L, proc.referenced, vars),
	}

	cmds, err := commandsFromValue(raw)
	if err != nil {
		e.reclaimState(L, bound, proc.referenced)
		return nil, fmt.Errorf("%w: %s", api.ErrSandboxRuntime, err)
	}
	res.Commands = cmds

	e.reclaimState(L, bound, proc.referenced)
	return res, nil
}

// protectedCall runs the loaded chunk under the wall-clock budget. On
// timeout the state is abandoned rather than returned to the pool; a Lua
// state cannot be safely interrupted mid-run
func (e *LuaEnv) protectedCall(
	ctx context.Context, L *lua.State,
) (bool, error) {
	budget := defaultExecBudget
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}

	done := make(chan error, 1)
	go func() {
		done <- L.ProtectedCall(0, 1, 0)
	}()

	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("%w: %s",
				api.ErrSandboxRuntime, SanitizeError(errString(err)))
		}
		return false, nil
	case <-time.After(budget):
		return true, fmt.Errorf("%w: execution budget exceeded",
			api.ErrSandboxRuntime)
	}
}

func (e *LuaEnv) compileSource(
	wf *api.Workflow, source string,
) (*CompiledLua, error) {
	normalized := stripComments(source)
	idents := scanIdentifiers(normalized)

	var neutralized []string
	for _, name := range capabilityDeny {
		if idents.Contains(name) {
			neutralized = append(neutralized, name)
		}
	}
	if idents.Contains(sendPrimitive) {
		neutralized = append(neutralized, sendPrimitive)
	}
	slices.Sort(neutralized)

	L := lua.NewState()
	e.setupSandbox(L)

	if err := lua.LoadString(L, normalized); err != nil {
		return nil, fmt.Errorf("%w: %s",
			api.ErrSandboxParse, SanitizeError(errString(err)))
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %s",
			api.ErrSandboxParse, SanitizeError(errString(err)))
	}

	var functions string
	if wf != nil {
		functions = wf.Functions
	}

	return &CompiledLua{
		hash:        hashScript(wf, source),
		bytecode:    buf.Bytes(),
		functions:   functions,
		referenced:  referencedNames(idents),
		neutralized: neutralized,
	}, nil
}

// setupSandbox opens the standard libraries and replaces every deny-listed
// global with an inert sentinel. The sentinel is callable and indexable, so
// a vetted call site evaluates quietly to nil instead of raising
func (e *LuaEnv) setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)

	var b strings.Builder
	b.WriteString("local inert = setmetatable({}, {")
	b.WriteString("__index = function() return function() end end, ")
	b.WriteString("__call = function() end })\n")
	for _, name := range capabilityDeny {
		fmt.Fprintf(&b, "%s = inert\n", name)
	}
	fmt.Fprintf(&b, "%s = inert\n", sendPrimitive)

	_ = lua.DoString(L, b.String())
}

// loadFunctions runs the workflow's shared helper chunk. Failures are
// swallowed: redefinition across repeated compiles is a no-op, not an error
func (e *LuaEnv) loadFunctions(L *lua.State, functions string) {
	if functions == "" {
		return
	}
	_ = lua.DoString(L, stripComments(functions))
}

func (e *LuaEnv) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		return lua.NewState()
	}
}

// reclaimState clears everything an execution bound into the state before
// returning it to the pool, so no session's variables leak into another's
func (e *LuaEnv) reclaimState(L *lua.State, bound, referenced []string) {
	for _, name := range bound {
		L.PushNil()
		L.SetGlobal(name)
	}
	for _, name := range referenced {
		L.PushNil()
		L.SetGlobal(name)
	}
	e.returnState(L)
}

func (e *LuaEnv) returnState(L *lua.State) {
	L.SetTop(0)

	select {
	case e.statePool <- L:
	default:
	}
}

// bindGlobals pushes each snapshot variable into the state as a global and
// returns the list of bound names. Values travel through the VM stack, so
// untrusted string content can never escape into source text
func bindGlobals(L *lua.State, vars api.Args) []string {
	bound := make([]string, 0, len(vars))
	for name, value := range vars {
		goToLua(L, value)
		L.SetGlobal(string(name))
		bound = append(bound, string(name))
	}
	return bound
}

// reconcile re-reads post-execution globals for every name the script text
// referenced and reports the ones that changed. Locals never surface here;
// bare global writes do. This preserves the legacy bare-write capture
func reconcile(L *lua.State, referenced []string, vars api.Args) api.Args {
	var bindings api.Args
	for _, name := range referenced {
		L.Global(name)
		value := luaToGo(L, -1)
		L.Pop(1)
		if value == nil {
			continue
		}
		if prev, ok := vars[api.Name(name)]; ok && equalValue(prev, value) {
			continue
		}
		if bindings == nil {
			bindings = api.Args{}
		}
		bindings[api.Name(string(api.Sigil)+name)] = value
	}
	return bindings
}

func equalValue(a, b any) bool {
	return api.NewVariable(a).Equal(b)
}

// commandsFromValue converts a script's return value into a command list. A
// bare single-entry map is accepted as a one-command list; any other
// non-list shape yields no commands
func commandsFromValue(raw any) ([]*api.Command, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return api.ParseCommands(v)
	case map[string]any:
		if len(v) == 1 {
			return api.ParseCommands([]any{v})
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// scanIdentifiers tokenizes normalized source into its identifier set
func scanIdentifiers(source string) util.Set[string] {
	idents := util.Set[string]{}
	for _, m := range identPattern.FindAllString(source, -1) {
		if !luaKeywords.Contains(m) {
			idents.Add(m)
		}
	}
	return idents
}

// referencedNames filters the identifier set down to plausible variable
// names for the bare-write capture: not keywords, not builtins, not
// deny-listed capabilities
func referencedNames(idents util.Set[string]) []string {
	var res []string
	for name := range idents {
		if luaBuiltins.Contains(name) || name == sendPrimitive {
			continue
		}
		if slices.Contains(capabilityDeny[:], name) {
			continue
		}
		res = append(res, name)
	}
	slices.Sort(res)
	return res
}

// stripComments removes Lua line and block comments, skipping string
// literals so comment markers inside strings survive
func stripComments(source string) string {
	var b strings.Builder
	b.Grow(len(source))

	for i := 0; i < len(source); {
		c := source[i]
		switch {
		case c == '"' || c == '\'':
			j := skipString(source, i)
			b.WriteString(source[i:j])
			i = j
		case c == '-' && i+1 < len(source) && source[i+1] == '-':
			if j, ok := skipBlockComment(source, i+2); ok {
				i = j
				continue
			}
			for i < len(source) && source[i] != '\n' {
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func skipString(source string, start int) int {
	quote := source[start]
	for i := start + 1; i < len(source); i++ {
		switch source[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		}
	}
	return len(source)
}

func skipBlockComment(source string, start int) (int, bool) {
	if start >= len(source) || source[start] != '[' {
		return 0, false
	}
	eq := 0
	i := start + 1
	for i < len(source) && source[i] == '=' {
		eq++
		i++
	}
	if i >= len(source) || source[i] != '[' {
		return 0, false
	}
	closer := "]" + strings.Repeat("=", eq) + "]"
	if idx := strings.Index(source[i:], closer); idx >= 0 {
		return i + idx + len(closer), true
	}
	return len(source), true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		pushLuaArray(L, v)
	case map[string]any:
		pushLuaMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushLuaArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(-3)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(-3)
	}
}

func luaNumberToGo(L *lua.State, index int) any {
	num, _ := L.ToNumber(index)
	if num == float64(int(num)) {
		return int(num)
	}
	return num
}

func luaToGo(L *lua.State, index int) any {
	switch L.TypeOf(index) {
	case lua.TypeNil:
		return nil
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		return luaNumberToGo(L, index)
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		return luaTableToAny(L, index)
	default:
		return nil
	}
}

func luaTableToAny(L *lua.State, index int) any {
	isArray := true
	length := 0

	L.PushNil()
	for L.Next(index - 1) {
		if !L.IsNumber(-2) {
			isArray = false
			L.Pop(2)
			break
		}
		length++
		L.Pop(1)
	}

	if isArray && length > 0 {
		return convertLuaArray(L, index, length)
	}

	result := map[string]any{}
	L.PushNil()
	for L.Next(index - 1) {
		var key string
		if !L.IsString(-2) {
			key = fmt.Sprintf("%v", luaToGo(L, -2))
			result[key] = luaToGo(L, -1)
			L.Pop(1)
			continue
		}
		key, _ = L.ToString(-2)
		result[key] = luaToGo(L, -1)
		L.Pop(1)
	}

	return result
}

func convertLuaArray(L *lua.State, index, length int) []any {
	arr := make([]any, length)
	absIndex := index
	if index < 0 {
		absIndex = L.Top() + index + 1
	}
	for i := 1; i <= length; i++ {
		L.RawGetInt(absIndex, i)
		arr[i-1] = luaToGo(L, -1)
		L.Pop(1)
	}
	return arr
}
