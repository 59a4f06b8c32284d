package prober

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// newExpectEnv declares the two variables expectations see: the adapter
// output and a flattened view of the receipt.
func newExpectEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("receipt", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Expectation is one compiled probe assertion.
type Expectation struct {
	Source string
	prg    cel.Program
}

// CompileExpectation parses, guards, and compiles one CEL assertion.
// The guard rejects constructs that make repeated evaluations of the
// same output diverge; the assertion must produce a bool.
func CompileExpectation(env *cel.Env, src string) (*Expectation, error) {
	parsed, issues := env.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("prober: parse %q: %w", src, issues.Err())
	}
	pe, err := cel.AstToParsedExpr(parsed)
	if err != nil {
		return nil, fmt.Errorf("prober: inspect %q: %w", src, err)
	}
	if msgs := guardExpr(pe.GetExpr(), nil); len(msgs) > 0 {
		return nil, fmt.Errorf("prober: expectation %q: %s", src, strings.Join(msgs, "; "))
	}

	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("prober: compile %q: %w", src, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("prober: expectation %q yields %s, want bool", src, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("prober: program %q: %w", src, err)
	}
	return &Expectation{Source: src, prg: prg}, nil
}

// Eval runs the assertion. Runtime errors (absent keys, type misses)
// count as unmet, with the error surfaced for logging.
func (e *Expectation) Eval(output, receipt map[string]any) (bool, error) {
	if output == nil {
		output = map[string]any{}
	}
	val, _, err := e.prg.Eval(map[string]any{"output": output, "receipt": receipt})
	if err != nil {
		return false, err
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("prober: expectation %q returned %T", e.Source, val.Value())
	}
	return b, nil
}

// guardExpr walks the parsed expression and collects violations of the
// determinism rules: no now(), no floating point literals, no map
// iteration through keys()/values().
func guardExpr(e *exprpb.Expr, msgs []string) []string {
	if e == nil {
		return msgs
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			msgs = append(msgs, "floating point literals are forbidden")
		}
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			msgs = append(msgs, "now() is forbidden")
		case "keys", "values":
			msgs = append(msgs, "map iteration is forbidden")
		}
		if call.Target != nil {
			msgs = guardExpr(call.Target, msgs)
		}
		for _, arg := range call.Args {
			msgs = guardExpr(arg, msgs)
		}
	case *exprpb.Expr_SelectExpr:
		msgs = guardExpr(k.SelectExpr.Operand, msgs)
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			msgs = guardExpr(el, msgs)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if mk := entry.GetMapKey(); mk != nil {
				msgs = guardExpr(mk, msgs)
			}
			msgs = guardExpr(entry.Value, msgs)
		}
	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		msgs = guardExpr(comp.IterRange, msgs)
		msgs = guardExpr(comp.AccuInit, msgs)
		msgs = guardExpr(comp.LoopCondition, msgs)
		msgs = guardExpr(comp.LoopStep, msgs)
		msgs = guardExpr(comp.Result, msgs)
	}
	return msgs
}
