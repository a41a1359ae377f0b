// Package pool defines the runtime Downstream Session type owned by the
// Session Pool (C2): the connected, initialized state of one downstream MCP
// server, independent of which Aggregator currently holds it leased.
package pool

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
)

// State is a Downstream Session's lifecycle stage.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StatePooled
	StateLeased
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StatePooled:
		return "pooled"
	case StateLeased:
		return "leased"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is the bidirectional JSON-RPC message channel a transport driver
// (C1) exposes for one downstream connection. Implementations live under
// internal/adapter/outbound/transport.
type Channel interface {
	// Send writes one message downstream. Safe for use from one writer at
	// a time; callers serialize their own sends.
	Send(msg *mcpwire.Message) error
	// Recv blocks for the next inbound message, or returns an error
	// (including io.EOF-equivalent) once the channel is closed.
	Recv() (*mcpwire.Message, error)
	// Stderr is a byte stream of child stderr output; nil for non-stdio
	// transports.
	Stderr() <-chan []byte
	// Closed signals, exactly once, that the channel has terminated.
	Closed() <-chan struct{}
	// Close is idempotent and terminates the underlying process/socket
	// within a bounded grace period.
	Close() error
}

// CatalogEntry is one entry from a downstream's tools/prompts/resources
// list, kept verbatim (as json.RawMessage-backed data) except for the
// identifying string used to key it: a tool/prompt's "name", or a
// resource/resourceTemplate's "uri"/"uriTemplate".
type CatalogEntry struct {
	Name string
	Raw  []byte // the full JSON object for this entry, as advertised
}

// IdentifierField returns the JSON field that identifies an entry for the
// given list-family result key ("tools", "prompts", "resources",
// "resourceTemplates").
func IdentifierField(resultKey string) string {
	switch resultKey {
	case "resources":
		return "uri"
	case "resourceTemplates":
		return "uriTemplate"
	default:
		return "name"
	}
}

// Catalog is a downstream's last-known tools/prompts/resources lists, with
// the generation number bumped every time a listChanged notification forces
// a refresh.
type Catalog struct {
	Tools               []CatalogEntry
	Prompts             []CatalogEntry
	Resources           []CatalogEntry
	ResourceTemplates   []CatalogEntry
	Generation          uint64
}

// Session is the runtime Downstream Session object: a live channel plus
// initialize-handshake results and health/lifecycle tracking. It is owned
// exclusively by at most one leaseholder at a time; when not leased it is
// owned by the pool's idle list.
type Session struct {
	ID          string
	Fingerprint upstream.Fingerprint
	Config      *upstream.Config

	Channel Channel

	ServerInfo   json.RawMessage
	Capabilities json.RawMessage

	CreatedAt time.Time

	mu      sync.Mutex
	state   State
	healthy bool
	stale   atomic.Bool
	catalog Catalog
}

// New wraps a freshly-opened channel as a Downstream Session in state
// created; the caller (C1's open()) sets ServerInfo/Capabilities once the
// initialize handshake completes and then calls MarkInitialized.
func New(id string, fp upstream.Fingerprint, cfg *upstream.Config, ch Channel) *Session {
	return &Session{
		ID:          id,
		Fingerprint: fp,
		Config:      cfg,
		Channel:     ch,
		CreatedAt:   time.Now(),
		state:       StateCreated,
		healthy:     true,
	}
}

func (s *Session) MarkInitialized(serverInfo, capabilities json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ServerInfo = serverInfo
	s.Capabilities = capabilities
	s.state = StateInitialized
}

func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether the session's last observed transport state was
// sound. A transport error (C1 close, stream EOF) clears this permanently.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Session) MarkUnhealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
}

// MarkStale flags a lease as invalidated mid-flight (§4.2); the Aggregator
// holding it must complete any in-flight request and then close its Client
// Session at the next safe moment.
func (s *Session) MarkStale() { s.stale.Store(true) }

func (s *Session) Stale() bool { return s.stale.Load() }

func (s *Session) Catalog() Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

func (s *Session) SetCatalog(c Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Generation = s.catalog.Generation + 1
	s.catalog = c
}

// BumpGeneration marks the cached catalog stale without replacing it,
// forcing the next list-family request to refetch from the downstream.
func (s *Session) BumpGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog.Generation++
}

// Close is idempotent: only the first caller actually tears down the
// channel; subsequent calls observe StateClosed and return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	err := s.Channel.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return err
}

// NextRequestID hands the caller a fresh int64 id scoped to this downstream
// session, used by the aggregator when it forwards a request and must
// allocate an inner request id distinct from whatever the outer client
// chose.
func (s *Session) NextRequestID() int64 {
	return int64(idCounter.Add(1))
}

var idCounter atomic.Uint64

// IsCall reports whether a decoded request carries a response-expecting id;
// exported here only for callers that don't want to import jsonrpc directly.
func IsCall(req *jsonrpc.Request) bool { return req.IsCall() }
