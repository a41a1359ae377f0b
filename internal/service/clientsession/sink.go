package clientsession

import (
	"encoding/json"
	"log/slog"

	"github.com/vivekrp/metamcp-sub002/internal/domain/gwid"
)

// sessionSink is the concrete internal/domain/clientsession.OutboundSink (and
// internal/service/aggregator.OutboundSink) for one liveSession: every frame
// the Aggregator or the Session itself writes to the outer wire passes
// through here. A frame carrying an id that a synchronous Streamable-HTTP
// POST is waiting on goes straight to that waiter; everything else (SSE
// notifications, the GET stream's async deliveries) is enqueued on the
// session's fan-out queue.
type sessionSink struct {
	manager *Manager
	live    *liveSession
	logger  *slog.Logger
}

// Send suspends the caller when the session's fan-out queue is full,
// propagating back-pressure from a slow client all the way to the
// Aggregator's sender (spec §5). The only path a frame is ever dropped on
// is the session already being closed — never a merely slow reader.
func (s *sessionSink) Send(raw []byte) error {
	if key, ok := responseIDKey(raw); ok {
		if waiter, ok := s.live.takePending(key); ok {
			waiter <- raw
			return nil
		}
	}

	select {
	case s.live.queue <- raw:
		return nil
	case <-s.live.sess.Context().Done():
		s.logger.Warn("client session closed, dropping outbound frame", "session", s.live.sess.ID)
		return nil
	}
}

// responseIDKey extracts the raw "id" field of a response frame, keyed as a
// string for the pending-waiter map. Requests/notifications forwarded
// straight through (there are none on this path; the sink only ever sees
// what the gateway's own server side writes) and id-less frames report ok=false.
func responseIDKey(raw []byte) (string, bool) {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.ID) == 0 {
		return "", false
	}
	return string(env.ID), true
}

func newSessionID() (string, error) {
	return gwid.NewSessionID()
}
