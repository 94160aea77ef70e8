package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// celEnv declares the variables a "when" expression can see:
//
//	action       string
//	host         string
//	environment  string
//	params       map(string, dyn)
type celEnv struct {
	env *cel.Env
}

func newCELEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	return &celEnv{env: env}, nil
}

type celProgram struct {
	expr    string
	program cel.Program
}

func (e *celEnv) compile(expr string) (*celProgram, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling expression %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error building program for %q: %w", expr, err)
	}
	return &celProgram{expr: expr, program: prg}, nil
}

// eval reports whether the expression holds for req. Evaluation errors,
// such as a missing map key, count as no match.
func (p *celProgram) eval(req Request) bool {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := p.program.Eval(map[string]any{
		"action":      req.Action,
		"host":        req.Host,
		"environment": req.Environment,
		"params":      params,
	})
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
