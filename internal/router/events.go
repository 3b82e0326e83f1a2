package router

import "time"

type EventKind string

const (
	EventAgentConnected EventKind = "agent_connected"
	EventAgentResumed   EventKind = "agent_resumed"
	EventAgentSuspended EventKind = "agent_suspended"
	EventAgentClosed    EventKind = "agent_closed"
	EventDeliveryFailed EventKind = "delivery_failed"
)

// Event is the router's observable output: consumers (daemon status,
// terminal wrappers, tests) read a typed channel instead of registering
// callbacks on the router.
type Event struct {
	Kind      EventKind
	Agent     string
	SessionID string
	Detail    string
	Timestamp time.Time
}

const eventBufferSize = 128

func (r *Router) emit(kind EventKind, agent, sessionID, detail string) {
	ev := Event{
		Kind:      kind,
		Agent:     agent,
		SessionID: sessionID,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	select {
	case r.events <- ev:
	default:
		// A slow consumer never blocks routing; stale events are
		// droppable observability, not protocol state.
	}
}

// Events is the router's event stream.
func (r *Router) Events() <-chan Event {
	return r.events
}
