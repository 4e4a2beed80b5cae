package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kode4food/lru"

	"github.com/waypost/engine/pkg/api"
)

type (
	// Registry manages sandbox environments for different script languages
	Registry struct {
		envs map[string]Environment
	}

	// Environment defines the contract a scripting sandbox must satisfy:
	// compile a block's script, statically vet it, execute it against a
	// variable snapshot, and return structured effects
	Environment interface {
		// Validate checks if a script is syntactically valid
		Validate(cfg *api.ScriptConfig) error

		// Compile compiles a script for the given workflow and returns the
		// compiled form
		Compile(wf *api.Workflow, cfg *api.ScriptConfig) (Compiled, error)

		// Execute runs a compiled script against a variable snapshot. The
		// snapshot keys are bare identifiers (sigil already stripped)
		Execute(ctx context.Context, c Compiled, vars api.Args) (*Result, error)
	}

	// Compiled represents a compiled script for any supported language
	Compiled any

	// Result is the structured outcome of one sandbox execution
	Result struct {
		// Commands is the ordered list of effects the script returned
		Commands []*api.Command

		// Bindings holds post-execution values of bare variables the script
		// wrote, keyed with the sigil restored. This is the legacy
		// bare-write capture path
		Bindings api.Args

		// Neutralized lists capability names that were statically stubbed
		// out before execution
		Neutralized []string
	}

	compileFunc[T any] func(wf *api.Workflow, cfg *api.ScriptConfig) (T, error)

	compiler[T any] struct {
		cache *lru.Cache[T]
		build compileFunc[T]
	}
)

var ErrUnsupportedLanguage = api.ErrInvalidScriptLang

// chunkFrame matches interpreter file/line frames in error messages so they
// are never surfaced to callers
var chunkFrame = regexp.MustCompile(`(\[string [^\]]*\]|chunk):\d+:\s*`)

// NewRegistry creates a script registry with the Lua and Expr sandbox
// environments
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		envs: map[string]Environment{
			api.ScriptLangLua:  NewLuaEnv(logger),
			api.ScriptLangExpr: NewExprEnv(),
		},
	}
}

// Register adds or replaces the environment for a language
func (r *Registry) Register(language string, env Environment) {
	r.envs[language] = env
}

// Get returns the sandbox environment for the given language
func (r *Registry) Get(language string) (Environment, error) {
	env, ok := r.envs[language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return env, nil
}

// Compile compiles a script config for a workflow
func (r *Registry) Compile(
	wf *api.Workflow, cfg *api.ScriptConfig,
) (Compiled, error) {
	if cfg == nil || cfg.Source == "" {
		return nil, nil
	}
	env, err := r.Get(cfg.Language)
	if err != nil {
		return nil, err
	}
	return env.Compile(wf, cfg)
}

// Execute runs a previously compiled script in its language environment
func (r *Registry) Execute(
	ctx context.Context, language string, c Compiled, vars api.Args,
) (*Result, error) {
	if c == nil {
		return &Result{}, nil
	}
	env, err := r.Get(language)
	if err != nil {
		return nil, err
	}
	return env.Execute(ctx, c, vars)
}

// SanitizeError strips interpreter file, chunk, and line frames from an
// error message before it reaches session history
func SanitizeError(msg string) string {
	return strings.TrimSpace(chunkFrame.ReplaceAllString(msg, ""))
}

func newCompiler[T any](size int, build compileFunc[T]) *compiler[T] {
	return &compiler[T]{
		cache: lru.NewCache[T](size),
		build: build,
	}
}

func (c *compiler[T]) Validate(cfg *api.ScriptConfig) error {
	_, err := c.Compile(nil, cfg)
	return err
}

func (c *compiler[T]) Compile(
	wf *api.Workflow, cfg *api.ScriptConfig,
) (Compiled, error) {
	if cfg == nil || cfg.Source == "" {
		return nil, nil
	}
	return c.cache.Get(hashScript(wf, cfg.Source), func() (T, error) {
		return c.build(wf, cfg)
	})
}

func hashScript(wf *api.Workflow, source string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(source))
	if wf != nil {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(wf.Functions))
	}
	return hex.EncodeToString(h.Sum(nil))
}
