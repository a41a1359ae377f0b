package middleware

import (
	"context"

	"github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"
	"github.com/vivekrp/metamcp-sub002/internal/domain/gwerr"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
)

// NameFilterInactiveTools is the built-in middleware name a namespace's
// middleware spec lists to add this filter; NewChain adds it only when
// it is listed.
const NameFilterInactiveTools = "filter-inactive-tools"

// FilterInactiveTools drops catalog entries whose per-(member, tool) enabled
// flag is false, and rejects tools/call on those entries with "tool not
// found" (spec §4.4).
type FilterInactiveTools struct {
	enabled map[string]map[string]bool // memberID -> innerName -> enabled
}

// NewFilterInactiveTools snapshots a namespace's per-member tool enablement
// at chain-construction time; it does not observe later config changes
// (those trigger a fresh Aggregator build, spec §4.7).
func NewFilterInactiveTools(members []namespace.Member) *FilterInactiveTools {
	enabled := make(map[string]map[string]bool, len(members))
	for _, m := range members {
		tbl := make(map[string]bool, len(m.ToolEnabled))
		for name, v := range m.ToolEnabled {
			tbl[name] = v
		}
		enabled[m.ServerConfigID] = tbl
	}
	return &FilterInactiveTools{enabled: enabled}
}

func (f *FilterInactiveTools) Name() string { return NameFilterInactiveTools }

func (f *FilterInactiveTools) toolEnabled(memberID, innerName string) bool {
	tbl, ok := f.enabled[memberID]
	if !ok {
		return true
	}
	v, ok := tbl[innerName]
	if !ok {
		return true
	}
	return v
}

func (f *FilterInactiveTools) TransformCatalog(_ context.Context, kind aggregator.Kind, items []Item) ([]Item, error) {
	if kind != aggregator.KindTool {
		return items, nil
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if f.toolEnabled(it.MemberID, it.InnerName) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *FilterInactiveTools) InterceptCall(_ context.Context, req CallRequest) (CallDecision, error) {
	if req.Kind != aggregator.KindTool {
		return forward(), nil
	}
	if !f.toolEnabled(req.MemberID, req.InnerName) {
		return reject(gwerr.RoutingError("tool not found")), nil
	}
	return forward(), nil
}

var _ Middleware = (*FilterInactiveTools)(nil)
