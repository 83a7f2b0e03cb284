// Package events carries engine-visible notifications between components.
// The emitter is a latency optimization: every consumer must stay correct
// if an event is dropped and re-derive truth from the store.
package events

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type represents the kind of event.
type Type string

const (
	// TypeAgentStatus indicates an agent changed status.
	TypeAgentStatus Type = "agent_status"
	// TypeAgentOutcome indicates an agent recorded a phase outcome.
	TypeAgentOutcome Type = "agent_outcome"
	// TypeApprovalCreated indicates a new pending approval exists.
	TypeApprovalCreated Type = "approval_created"
	// TypeApprovalResolved indicates an approval was resolved.
	TypeApprovalResolved Type = "approval_resolved"
	// TypeSessionStatus indicates a session changed status.
	TypeSessionStatus Type = "session_status"
	// TypePhaseAdvanced indicates a session moved to a new phase.
	TypePhaseAdvanced Type = "phase_advanced"
	// TypeStoreChanged indicates the durable store changed in a way the
	// bridge could not classify; consumers should re-check state.
	TypeStoreChanged Type = "store_changed"
)

// Event is one notification.
type Event struct {
	Type      Type
	SessionID string
	AgentID   string
	Message   string
	Timestamp time.Time
}

// Emitter is a thread-safe fan-in event channel. Emission never blocks
// the caller for long: a full channel drops the event and counts it.
type Emitter struct {
	events  chan Event
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(bufferSize int, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

// Emit sends an event, dropping it if the buffer stays full.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.events <- ev:
		return
	default:
	}

	// Give the receiver a short window to drain before dropping.
	select {
	case e.events <- ev:
	case <-time.After(100 * time.Millisecond):
		count := e.dropped.Add(1)
		if count%10 == 1 {
			e.logger.Warn("event channel full, dropping",
				zap.String("type", string(ev.Type)),
				zap.Uint64("total_dropped", count))
		}
	}
}

// Events returns the read side of the channel.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// DroppedCount returns how many events were dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.dropped.Load()
}

// Close closes the channel. Callers must not Emit afterwards.
func (e *Emitter) Close() {
	close(e.events)
}
