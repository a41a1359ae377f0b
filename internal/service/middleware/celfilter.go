package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"
	"github.com/vivekrp/metamcp-sub002/internal/domain/gwerr"
)

// NameCELFilter is the middleware name a namespace's MiddlewareSpec.Name
// must match to run a CEL-expression filter (spec SPEC_FULL.md §11).
const NameCELFilter = "cel-filter"

const (
	celMaxExpressionLength = 1024
	celCostLimit           = 100_000
	celInterruptCheckFreq  = 100
	celEvalTimeout         = 2 * time.Second
)

// celEnv is the CEL environment shared by every CELFilter instance: one
// environment compiles many expressions cheaply, so it is built once at
// package init rather than per-middleware.
var celEnv = mustBuildCELEnv()

func mustBuildCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("member_id", cel.StringType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("middleware: building CEL environment: %v", err))
	}
	return env
}

// CELFilter drops catalog entries, and rejects calls, for which a
// namespace-configured CEL expression evaluates to false. Grounded on the
// teacher's CEL policy evaluator (compile once, cost-limited and
// context-timed evaluation, reject on non-bool result) adapted from
// allow/deny access-control rules to catalog membership filtering.
type CELFilter struct {
	expr string
	prg  cel.Program
}

// NewCELFilter compiles expr against celEnv. expr must evaluate to a bool
// given member_id, tool_name, kind, and arguments.
func NewCELFilter(expr string) (*CELFilter, error) {
	if expr == "" {
		return nil, fmt.Errorf("cel-filter requires a non-empty expression")
	}
	if len(expr) > celMaxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), celMaxExpressionLength)
	}
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling cel-filter expression: %w", issues.Err())
	}
	prg, err := celEnv.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(celInterruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("building cel-filter program: %w", err)
	}
	return &CELFilter{expr: expr, prg: prg}, nil
}

func (f *CELFilter) Name() string { return NameCELFilter }

func (f *CELFilter) evaluate(ctx context.Context, kind aggregator.Kind, memberID, name string, arguments map[string]any) (bool, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	activation := map[string]any{
		"member_id": memberID,
		"tool_name": name,
		"kind":      kind.String(),
		"arguments": arguments,
	}
	evalCtx, cancel := context.WithTimeout(ctx, celEvalTimeout)
	defer cancel()

	result, _, err := f.prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluating cel-filter expression: %w", err)
	}
	ok, isBool := result.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("cel-filter expression did not return a bool, got %T", result.Value())
	}
	return ok, nil
}

func (f *CELFilter) TransformCatalog(ctx context.Context, kind aggregator.Kind, items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		keep, err := f.evaluate(ctx, kind, it.MemberID, it.InnerName, nil)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *CELFilter) InterceptCall(ctx context.Context, req CallRequest) (CallDecision, error) {
	keep, err := f.evaluate(ctx, req.Kind, req.MemberID, req.InnerName, req.Arguments)
	if err != nil {
		return CallDecision{}, err
	}
	if !keep {
		return reject(gwerr.RoutingError("tool not found")), nil
	}
	return forward(), nil
}

var _ Middleware = (*CELFilter)(nil)
