// Package middleware implements the Middleware Chain (C4): ordered,
// per-namespace interceptors that run around the aggregated catalog and
// around tools/prompts/resources calls.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
)

// Item is one entry in an aggregated catalog, as seen by TransformCatalog:
// the outer-facing name plus where it actually routes.
type Item struct {
	ExposedName string
	MemberID    string
	InnerName   string
	Raw         json.RawMessage
}

// CallRequest is one tools/prompts/resources call as seen by InterceptCall,
// after name resolution but before the request is forwarded downstream.
type CallRequest struct {
	Kind        aggregator.Kind
	ExposedName string
	MemberID    string
	InnerName   string
	Arguments   map[string]any
}

// CallDecision is InterceptCall's verdict: forward unchanged, or
// short-circuit with an error the caller returns to the outer client
// without ever reaching the downstream member.
type CallDecision struct {
	Forward     bool
	ShortCircuit error
}

func forward() CallDecision { return CallDecision{Forward: true} }

func reject(err error) CallDecision { return CallDecision{Forward: false, ShortCircuit: err} }

// Middleware is one hook pair in the chain (spec §4.4).
type Middleware interface {
	Name() string
	TransformCatalog(ctx context.Context, kind aggregator.Kind, items []Item) ([]Item, error)
	InterceptCall(ctx context.Context, req CallRequest) (CallDecision, error)
}

// Chain runs an ordered list of Middleware for one namespace. Hooks run in
// declared order; the chain may be empty.
type Chain struct {
	stages []Middleware
}

// NewChain builds a Chain from a namespace's middleware specs, resolving
// each by name against the built-in registry.
func NewChain(specs []namespace.MiddlewareSpec, members []namespace.Member) (*Chain, error) {
	stages := make([]Middleware, 0, len(specs))
	for _, spec := range specs {
		mw, err := build(spec, members)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", spec.Name, err)
		}
		stages = append(stages, mw)
	}
	return &Chain{stages: stages}, nil
}

func build(spec namespace.MiddlewareSpec, members []namespace.Member) (Middleware, error) {
	switch spec.Name {
	case NameFilterInactiveTools:
		return NewFilterInactiveTools(members), nil
	case NameCELFilter:
		return NewCELFilter(spec.Expr)
	default:
		return nil, fmt.Errorf("unknown middleware %q", spec.Name)
	}
}

// TransformCatalog runs every stage's TransformCatalog hook in order.
func (c *Chain) TransformCatalog(ctx context.Context, kind aggregator.Kind, items []Item) ([]Item, error) {
	var err error
	for _, mw := range c.stages {
		items, err = mw.TransformCatalog(ctx, kind, items)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mw.Name(), err)
		}
	}
	return items, nil
}

// InterceptCall runs every stage's InterceptCall hook in order, stopping at
// the first short-circuit.
func (c *Chain) InterceptCall(ctx context.Context, req CallRequest) (CallDecision, error) {
	for _, mw := range c.stages {
		decision, err := mw.InterceptCall(ctx, req)
		if err != nil {
			return CallDecision{}, fmt.Errorf("%s: %w", mw.Name(), err)
		}
		if !decision.Forward {
			return decision, nil
		}
	}
	return forward(), nil
}

// Len reports the number of stages, used by tests and diagnostics.
func (c *Chain) Len() int { return len(c.stages) }
