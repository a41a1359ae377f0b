package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aggstate "github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"
	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
	domainpool "github.com/vivekrp/metamcp-sub002/internal/domain/pool"
	"github.com/vivekrp/metamcp-sub002/internal/service/middleware"
)

func catalogEntries(kind aggstate.Kind, cat domainpool.Catalog) []domainpool.CatalogEntry {
	switch kind {
	case aggstate.KindTool:
		return cat.Tools
	case aggstate.KindPrompt:
		return cat.Prompts
	case aggstate.KindResource:
		return cat.Resources
	case aggstate.KindResourceTemplate:
		return cat.ResourceTemplates
	default:
		return nil
	}
}

// rebuildAllCatalogs builds the exposed catalog for every kind from each
// member's last-known snapshot (spec §4.3 step 3).
func (a *Aggregator) rebuildAllCatalogs() error {
	for _, kind := range allKinds {
		a.rebuildCatalog(kind)
	}
	return nil
}

// rebuildCatalog walks enabled members in order, skipping per-(member,
// name) disabled entries, disambiguates exposed names, and replaces the
// kind's cache. It does not apply the middleware chain; callers do that
// separately so a middleware-only re-run (no downstream refresh needed)
// doesn't have to re-walk member catalogs.
func (a *Aggregator) rebuildCatalog(kind aggstate.Kind) {
	var memberEntries []aggstate.MemberEntries
	rawByKey := make(map[string]json.RawMessage)

	a.mu.Lock()
	members := a.members
	a.mu.Unlock()

	for _, mm := range members {
		if mm.degraded || mm.session == nil {
			continue
		}
		entries := catalogEntries(kind, mm.session.Catalog())
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !mm.ToolEnabledFor(e.Name) {
				continue
			}
			names = append(names, e.Name)
			rawByKey[innerKey(mm.ServerConfigID, e.Name)] = e.Raw
		}
		memberEntries = append(memberEntries, aggstate.MemberEntries{
			MemberID: mm.ServerConfigID, ShortID: mm.ShortID, Names: names,
		})
	}

	routes := aggstate.Disambiguate(memberEntries)
	items := make([]middleware.Item, 0, len(routes))
	for exposed, route := range routes {
		items = append(items, middleware.Item{
			ExposedName: exposed,
			MemberID:    route.MemberID,
			InnerName:   route.InnerName,
			Raw:         rawByKey[innerKey(route.MemberID, route.InnerName)],
		})
	}

	a.mu.Lock()
	cache := a.catalogs[kind]
	cache.nameMap.Replace(routes)
	cache.items = items
	cache.dirty = false
	a.mu.Unlock()
}

// applyMiddlewareToAll runs the middleware chain's transformCatalog hook
// over every kind's freshly rebuilt items (spec §4.3 step 4).
func (a *Aggregator) applyMiddlewareToAll(ctx context.Context) error {
	for _, kind := range allKinds {
		a.mu.Lock()
		items := a.catalogs[kind].items
		a.mu.Unlock()

		filtered, err := a.chain.TransformCatalog(ctx, kind, items)
		if err != nil {
			return fmt.Errorf("middleware transformCatalog(%s): %w", kind, err)
		}

		a.mu.Lock()
		a.catalogs[kind].items = filtered
		a.mu.Unlock()
	}
	return nil
}

// ListTools returns the current middleware-filtered tool catalog, refreshing
// from downstream first if needed. Exposed for the OpenAPI view (spec §6.1),
// which derives its schema from the aggregated tool catalog without routing
// through the outer client wire.
func (a *Aggregator) ListTools(ctx context.Context) ([]json.RawMessage, error) {
	return a.catalogResult(ctx, aggstate.KindTool)
}

// catalogResult serves the cached, middleware-filtered list for a kind,
// refreshing from downstream first if a listChanged notification marked it
// dirty since the last serve (spec §4.3 request routing).
func (a *Aggregator) catalogResult(ctx context.Context, kind aggstate.Kind) ([]json.RawMessage, error) {
	a.mu.Lock()
	dirty := a.catalogs[kind].dirty
	a.mu.Unlock()

	if dirty {
		a.refreshFromDownstream(ctx, kind)
		a.rebuildCatalog(kind)
		if err := a.applyMiddlewareToAll(ctx); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	items := a.catalogs[kind].items
	a.mu.Unlock()

	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, it.Raw)
	}
	return out, nil
}

// refreshFromDownstream re-issues the list-family request to every
// non-degraded member advertising this kind's capability and updates each
// member's cached Catalog in place.
func (a *Aggregator) refreshFromDownstream(ctx context.Context, kind aggstate.Kind) {
	method, resultKey := listMethod(kind)
	if method == "" {
		return
	}

	a.mu.Lock()
	members := a.members
	a.mu.Unlock()

	for _, mm := range members {
		if mm.degraded || mm.session == nil {
			continue
		}
		entries, err := a.internalList(ctx, mm, method, resultKey)
		if err != nil {
			a.logger.Warn("catalog refresh failed", "member", mm.ServerConfigID, "method", method, "error", err)
			continue
		}
		cat := mm.session.Catalog()
		switch kind {
		case aggstate.KindTool:
			cat.Tools = entries
		case aggstate.KindPrompt:
			cat.Prompts = entries
		case aggstate.KindResource:
			cat.Resources = entries
		case aggstate.KindResourceTemplate:
			cat.ResourceTemplates = entries
		}
		mm.session.SetCatalog(cat)
	}
}

const internalRequestTimeout = 10 * time.Second

// internalList sends a list-family request to one member on the
// Aggregator's own behalf (not the outer client's), correlating the
// response through pendingInternal rather than the outer IDMap.
func (a *Aggregator) internalList(ctx context.Context, mm *member, method, resultKey string) ([]domainpool.CatalogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, internalRequestTimeout)
	defer cancel()

	innerID := mm.session.NextRequestID()
	key := innerKey(mm.ServerConfigID, fmt.Sprint(innerID))
	reply := make(chan internalReply, 1)

	a.mu.Lock()
	a.pendingInternal[key] = reply
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingInternal, key)
		a.mu.Unlock()
	}()

	req, err := mcpwire.NewRequest(innerID, method, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if err := mm.session.Channel.Send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return decodeListResult(r.raw, resultKey)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeListResult(raw json.RawMessage, resultKey string) ([]domainpool.CatalogEntry, error) {
	var env struct {
		Result map[string]json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("list error %d: %s", env.Error.Code, env.Error.Message)
	}
	listRaw, ok := env.Result[resultKey]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(listRaw, &items); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", resultKey, err)
	}
	field := domainpool.IdentifierField(resultKey)
	out := make([]domainpool.CatalogEntry, 0, len(items))
	for _, item := range items {
		var obj map[string]json.RawMessage
		if json.Unmarshal(item, &obj) != nil {
			continue
		}
		var id string
		if fieldRaw, ok := obj[field]; ok {
			_ = json.Unmarshal(fieldRaw, &id)
		}
		if id == "" {
			continue
		}
		out = append(out, domainpool.CatalogEntry{Name: id, Raw: item})
	}
	return out, nil
}
