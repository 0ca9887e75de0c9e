package routing

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	ErrInvalidCondition = errors.New("invalid condition")
	ErrConditionEval    = errors.New("condition evaluation failed")
)

// MatchInput is the data a when expression can see. Header names are
// lowercased before evaluation.
type MatchInput struct {
	Source      string
	Method      string
	Path        string
	Headers     map[string]string
	ContentType string
	Size        int64
}

var conditionEnv = sync.OnceValues(func() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return env, nil
})

func compileCondition(expr string) (cel.Program, error) {
	env, err := conditionEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCondition, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", ErrInvalidCondition, out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}
	return program, nil
}

// Accepts reports whether the rule applies to the input. A rule without a
// when expression only checks its from pattern.
func (r *ForwardRule) Accepts(in MatchInput) (bool, error) {
	if !r.MatchesSource(in.Source) {
		return false, nil
	}
	if r.program == nil {
		return true, nil
	}

	headers := make(map[string]any, len(in.Headers))
	for k, v := range in.Headers {
		headers[strings.ToLower(k)] = v
	}

	result, _, err := r.program.Eval(map[string]any{
		"source": in.Source,
		"request": map[string]any{
			"method":      in.Method,
			"path":        in.Path,
			"headers":     headers,
			"contentType": in.ContentType,
			"size":        in.Size,
		},
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrConditionEval, err)
	}

	ok, isBool := result.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("%w: condition did not return boolean", ErrConditionEval)
	}
	return ok, nil
}
