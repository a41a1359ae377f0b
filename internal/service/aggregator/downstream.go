package aggregator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	aggstate "github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"
	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
)

// pumpMember drains one member's channel for the Aggregator's lifetime,
// fanning responses and notifications in to the outer client (spec §4.3
// notification fan-in). It returns when the channel closes or the watch
// context is cancelled, marking the member degraded on the former.
func (a *Aggregator) pumpMember(ctx context.Context, mm *member) {
	for {
		msg, err := mm.session.Channel.Recv()
		if err != nil {
			a.markDegraded(mm)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.handleDownstream(mm, msg)
	}
}

func (a *Aggregator) markDegraded(mm *member) {
	a.mu.Lock()
	mm.degraded = true
	sess := mm.session
	mm.session = nil
	a.mu.Unlock()

	if sess != nil {
		sess.MarkUnhealthy()
		a.deps.Pool.Release(sess.Fingerprint, sess, false)
	}
}

func (a *Aggregator) handleDownstream(mm *member, msg *mcpwire.Message) {
	if msg.IsResponse() {
		a.handleDownstreamResponse(mm, msg)
		return
	}
	if msg.IsNotification() {
		a.handleDownstreamNotification(mm, msg)
		return
	}
}

func (a *Aggregator) handleDownstreamResponse(mm *member, msg *mcpwire.Message) {
	innerID := string(msg.RawID())

	a.mu.Lock()
	key := innerKey(mm.ServerConfigID, innerID)
	reply, isInternal := a.pendingInternal[key]
	a.mu.Unlock()
	if isInternal {
		reply <- internalReply{raw: msg.Raw}
		return
	}

	outerID, ok := a.ids.ResolveInner(mm.ServerConfigID, innerID)
	if !ok {
		// Either a stale/cancelled request or one we never tracked; drop it
		// rather than deliver an unsolicited response to the client.
		return
	}
	a.ids.RemoveByInner(mm.ServerConfigID, innerID)

	rewritten, err := mcpwire.RewriteID(msg.Raw, json.RawMessage(outerID))
	if err != nil {
		a.logger.Warn("failed to rewrite response id", "member", mm.ServerConfigID, "error", err)
		return
	}
	if err := a.send(rewritten); err != nil {
		a.logger.Warn("failed to deliver response to client", "error", err)
	}
}

func (a *Aggregator) handleDownstreamNotification(mm *member, msg *mcpwire.Message) {
	switch {
	case strings.HasSuffix(msg.Method(), "/listChanged"):
		a.onListChanged(mm, msg.Method())
	case msg.Method() == "notifications/progress":
		a.forwardProgress(mm, msg)
	case msg.Method() == "notifications/stderr":
		a.forwardStderr(mm, msg)
	default:
		if err := a.send(msg.Raw); err != nil {
			a.logger.Warn("failed to forward notification", "method", msg.Method(), "error", err)
		}
	}
}

func listChangedKind(method string) (aggstate.Kind, bool) {
	switch {
	case strings.HasPrefix(method, "notifications/tools/"):
		return aggstate.KindTool, true
	case strings.HasPrefix(method, "notifications/prompts/"):
		return aggstate.KindPrompt, true
	case strings.HasPrefix(method, "notifications/resources/templates/"):
		return aggstate.KindResourceTemplate, true
	case strings.HasPrefix(method, "notifications/resources/"):
		return aggstate.KindResource, true
	default:
		return 0, false
	}
}

// onListChanged marks a kind's cache dirty and schedules one coalesced
// aggregated listChanged notification to the outer client (Open Question
// 3: 150ms window; spec §4.3 notification fan-in).
func (a *Aggregator) onListChanged(mm *member, method string) {
	kind, ok := listChangedKind(method)
	if !ok {
		return
	}

	a.mu.Lock()
	a.catalogs[kind].dirty = true
	_, already := a.coalesce[kind]
	if !already {
		outMethod := method
		a.coalesce[kind] = time.AfterFunc(listChangedCoalesce, func() {
			a.mu.Lock()
			delete(a.coalesce, kind)
			a.mu.Unlock()
			note, err := mcpwire.NewNotification(outMethod, nil)
			if err != nil {
				return
			}
			_ = a.send(note.Raw)
		})
	}
	a.mu.Unlock()
}

func (a *Aggregator) forwardProgress(mm *member, msg *mcpwire.Message) {
	params := msg.ParseParams()
	token, _ := json.Marshal(params["progressToken"])
	innerID := string(token)

	outerID, ok := a.ids.ResolveInner(mm.ServerConfigID, innerID)
	if !ok {
		return
	}
	rewritten, err := mcpwire.RewriteID(msg.Raw, json.RawMessage(outerID))
	if err != nil {
		return
	}
	_ = a.send(rewritten)
}

func (a *Aggregator) forwardStderr(mm *member, msg *mcpwire.Message) {
	params := msg.ParseParams()
	tagged := map[string]any{"memberId": mm.ServerConfigID}
	for k, v := range params {
		tagged[k] = v
	}
	raw, err := json.Marshal(tagged)
	if err != nil {
		return
	}
	note, err := mcpwire.NewNotification("notifications/stderr", raw)
	if err != nil {
		return
	}
	_ = a.send(note.Raw)
}

const staleCheckInterval = 2 * time.Second

// staleWatcher polls for a member lease the pool has marked stale
// (spec §4.2 invalidation / §4.3 stale-lease signal) and, once every
// outstanding inner request against that member has drained, asks the
// owning Client Session to close with reason closed-by-invalidation.
func (a *Aggregator) staleWatcher(ctx context.Context) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.anyMemberStaleAndDrained() {
				a.requestClose()
				return
			}
		}
	}
}

func (a *Aggregator) anyMemberStaleAndDrained() bool {
	a.mu.Lock()
	members := a.members
	a.mu.Unlock()

	for _, mm := range members {
		if mm.session == nil || !mm.session.Stale() {
			continue
		}
		if a.hasOutstanding(mm.ServerConfigID) {
			continue
		}
		return true
	}
	return false
}

func (a *Aggregator) hasOutstanding(memberID string) bool {
	for _, p := range a.ids.Outstanding() {
		if p.MemberID == memberID {
			return true
		}
	}
	return false
}

// requestClose invokes the close notifier the owning Client Session
// registered via SetCloseNotifier, if any.
func (a *Aggregator) requestClose() {
	a.mu.Lock()
	fn := a.onNeedsClose
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetCloseNotifier registers the callback the Client Session Manager (C5)
// uses to learn it must close this Aggregator's owning Client Session
// (spec §4.3 stale-lease signal); the Aggregator cannot close the session
// itself since that would close the Aggregator from the inside out.
func (a *Aggregator) SetCloseNotifier(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNeedsClose = fn
}
