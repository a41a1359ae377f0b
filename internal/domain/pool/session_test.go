package pool

import (
	"testing"

	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
)

type fakeChannel struct {
	closed    chan struct{}
	closeErrs int
}

func newFakeChannel() *fakeChannel { return &fakeChannel{closed: make(chan struct{})} }

func (f *fakeChannel) Send(*mcpwire.Message) error        { return nil }
func (f *fakeChannel) Recv() (*mcpwire.Message, error)    { <-f.closed; return nil, errClosed }
func (f *fakeChannel) Stderr() <-chan []byte              { return nil }
func (f *fakeChannel) Closed() <-chan struct{}            { return f.closed }
func (f *fakeChannel) Close() error {
	f.closeErrs++
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type closedErr struct{}

func (closedErr) Error() string { return "channel closed" }

var errClosed error = closedErr{}

func TestSessionCloseIsIdempotent(t *testing.T) {
	ch := newFakeChannel()
	cfg := &upstream.Config{Name: "hn", Transport: upstream.TransportStdio, Command: "uvx"}
	s := New("sess-1", cfg.Fingerprint(), cfg, ch)

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if ch.closeErrs != 1 {
		t.Fatalf("expected underlying channel Close to run exactly once, ran %d times", ch.closeErrs)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestCatalogGenerationBumpsOnSet(t *testing.T) {
	ch := newFakeChannel()
	cfg := &upstream.Config{Name: "hn", Transport: upstream.TransportStdio, Command: "uvx"}
	s := New("sess-1", cfg.Fingerprint(), cfg, ch)

	s.SetCatalog(Catalog{Tools: []CatalogEntry{{Name: "search"}}})
	first := s.Catalog().Generation

	s.BumpGeneration()
	s.SetCatalog(Catalog{Tools: []CatalogEntry{{Name: "search"}, {Name: "fetch"}}})
	second := s.Catalog().Generation

	if second <= first {
		t.Fatalf("generation did not advance: first=%d second=%d", first, second)
	}
}

func TestMarkStale(t *testing.T) {
	ch := newFakeChannel()
	cfg := &upstream.Config{Name: "hn", Transport: upstream.TransportStdio, Command: "uvx"}
	s := New("sess-1", cfg.Fingerprint(), cfg, ch)

	if s.Stale() {
		t.Fatalf("new session should not start stale")
	}
	s.MarkStale()
	if !s.Stale() {
		t.Fatalf("MarkStale should flip Stale() to true")
	}
}
