package dramanotify

import (
	"fmt"
	"os"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// CELEnv provides a CEL environment for per-user row filter expressions.
// Field names follow the JSON tags of EpisodeRecord, e.g.
// `episode.title.contains("Queen")` or `episode.link != ""`.
type CELEnv struct {
	env *cel.Env
}

// NewCELEnv creates a CEL environment with EpisodeRecord registered.
func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		ext.NativeTypes(
			ext.ParseStructTag("json"),
			reflect.TypeOf(EpisodeRecord{}),
		),
		cel.Variable("episode", cel.ObjectType("dramanotify.EpisodeRecord")),
		ext.Strings(),
		cel.Function("env",
			cel.Overload("env_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					name, ok := arg.Value().(string)
					if !ok {
						return types.NewErr("env() requires a string argument")
					}
					return types.String(os.Getenv(name))
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEnv{env: env}, nil
}

// CompiledExpression represents a compiled boolean CEL expression.
type CompiledExpression struct {
	program cel.Program
}

// Compile compiles a CEL expression string. The expression must return bool.
func (e *CELEnv) Compile(expr string) (*CompiledExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &CompiledExpression{program: prg}, nil
}

// Eval evaluates the expression against a record.
func (c *CompiledExpression) Eval(record EpisodeRecord) (bool, error) {
	result, _, err := c.program.Eval(map[string]any{
		"episode": record,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned non-bool value: %T", result.Value())
	}
	return b, nil
}
