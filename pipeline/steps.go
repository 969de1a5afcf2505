package pipeline

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"

	"github.com/go-digitaltwin/twinsync/event"
)

// Identity passes data through unchanged.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Execute(_ context.Context, _ *Cache, data any, r Reporter) { r.Done(data) }

// Func adapts a plain function into a Step. The function returns the data for
// the next step, or keep set to false to skip the data.
type Func struct {
	StepName string
	Fn       func(ctx context.Context, data any) (result any, keep bool, err error)
}

func (f Func) Name() string { return f.StepName }

func (f Func) Execute(ctx context.Context, _ *Cache, data any, r Reporter) {
	result, keep, err := f.Fn(ctx, data)
	switch {
	case err != nil:
		r.Fail(err)
	case !keep:
		r.Skip()
	default:
		r.Done(result)
	}
}

// Expressions of Transform and Filter steps see the data through the following
// variables. For an event.Event, data and body are its body, key and type
// describe its type, and metadata holds its metadata. Any other data is bound to
// data and body as is.
const (
	varData     = "data"
	varBody     = "body"
	varKey      = "key"
	varType     = "type"
	varMetadata = "metadata"
)

func environment(data any) map[string]any {
	if ev, ok := data.(event.Event); ok {
		return map[string]any{
			varData:     ev.Body(),
			varBody:     ev.Body(),
			varKey:      ev.Key(),
			varType:     ev.Type().String(),
			varMetadata: ev.MetadataMap(),
		}
	}
	return map[string]any{
		varData:     data,
		varBody:     data,
		varKey:      "",
		varType:     "",
		varMetadata: map[string]any{},
	}
}

// Transform replaces data with the result of an expr-lang expression. When the
// data is an event.Event, only its body is replaced.
type Transform struct {
	name    string
	source  string
	program *vm.Program
}

// NewTransform compiles an expr-lang expression into a Transform step, e.g.
// "body * 1000" to convert a reading from kilowatts to watts.
func NewTransform(name, expression string) (*Transform, error) {
	if expression == "" {
		return nil, fmt.Errorf("transform %q: empty expression", name)
	}
	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("transform %q: compile: %w", name, err)
	}
	return &Transform{name: name, source: expression, program: program}, nil
}

func (t *Transform) Name() string { return t.name }

func (t *Transform) String() string { return t.name + ": " + t.source }

func (t *Transform) Execute(_ context.Context, _ *Cache, data any, r Reporter) {
	out, err := expr.Run(t.program, environment(data))
	if err != nil {
		r.Fail(fmt.Errorf("run %q: %w", t.source, err))
		return
	}
	if ev, ok := data.(event.Event); ok {
		r.Done(ev.WithBody(out))
		return
	}
	r.Done(out)
}

// Filter skips data for which a CEL predicate evaluates to false.
type Filter struct {
	name    string
	source  string
	program cel.Program
}

// NewFilter compiles a CEL predicate into a Filter step, e.g.
// "double(body) > 0.5" to drop negligible readings.
func NewFilter(name, predicate string) (*Filter, error) {
	if predicate == "" {
		return nil, fmt.Errorf("filter %q: empty predicate", name)
	}
	env, err := cel.NewEnv(
		cel.Variable(varData, cel.DynType),
		cel.Variable(varBody, cel.DynType),
		cel.Variable(varKey, cel.StringType),
		cel.Variable(varType, cel.StringType),
		cel.Variable(varMetadata, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", name, err)
	}
	ast, issues := env.Parse(predicate)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter %q: parse: %w", name, issues.Err())
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter %q: check: %w", name, issues.Err())
	}
	switch out := checked.OutputType().String(); out {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("filter %q: predicate yields %s, not bool", name, out)
	}
	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", name, err)
	}
	return &Filter{name: name, source: predicate, program: program}, nil
}

func (f *Filter) Name() string { return f.name }

func (f *Filter) String() string { return f.name + ": " + f.source }

func (f *Filter) Execute(_ context.Context, _ *Cache, data any, r Reporter) {
	out, _, err := f.program.Eval(environment(data))
	if err != nil {
		r.Fail(fmt.Errorf("eval %q: %w", f.source, err))
		return
	}
	keep, ok := out.Value().(bool)
	if !ok {
		r.Fail(fmt.Errorf("eval %q: got %T, want bool", f.source, out.Value()))
		return
	}
	if !keep {
		r.Skip()
		return
	}
	r.Done(data)
}
