package comm

import (
	"sync"

	"github.com/danmuck/scenelink/internal/observability"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/rs/zerolog/log"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Listener receives participant connection events.
type Listener interface {
	ParticipantConnected(id participant.ID)
	ParticipantDisconnected(id participant.ID)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnConnected    func(participant.ID)
	OnDisconnected func(participant.ID)
}

func (l *ListenerFuncs) ParticipantConnected(id participant.ID) {
	if l.OnConnected != nil {
		l.OnConnected(id)
	}
}

func (l *ListenerFuncs) ParticipantDisconnected(id participant.ID) {
	if l.OnDisconnected != nil {
		l.OnDisconnected(id)
	}
}

// StatusNotifier tracks per-participant connection state and fans events out
// to registered listeners. Listeners run outside the notifier lock; state is
// changed only by the owning transport.
type StatusNotifier struct {
	mu        sync.Mutex
	listeners []Listener
	states    map[participant.ID]ConnectionState
}

func NewStatusNotifier() *StatusNotifier {
	return &StatusNotifier{states: make(map[participant.ID]ConnectionState)}
}

func (n *StatusNotifier) Register(l Listener) {
	if l == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.listeners {
		if existing == l {
			return
		}
	}
	next := make([]Listener, 0, len(n.listeners)+1)
	next = append(next, n.listeners...)
	n.listeners = append(next, l)
}

func (n *StatusNotifier) Unregister(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := make([]Listener, 0, len(n.listeners))
	for _, existing := range n.listeners {
		if existing != l {
			next = append(next, existing)
		}
	}
	n.listeners = next
}

func (n *StatusNotifier) State(id participant.ID) ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.states[id]
}

// Connected lists participants currently in StateConnected.
func (n *StatusNotifier) Connected() []participant.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]participant.ID, 0, len(n.states))
	for id, st := range n.states {
		if st == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (n *StatusNotifier) markConnecting(id participant.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.states[id] == StateDisconnected {
		n.states[id] = StateConnecting
	}
}

func (n *StatusNotifier) clearConnecting(id participant.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.states[id] == StateConnecting {
		delete(n.states, id)
	}
}

// connected fires ParticipantConnected once per transition into Connected.
func (n *StatusNotifier) connected(id participant.ID) {
	n.mu.Lock()
	if n.states[id] == StateConnected {
		n.mu.Unlock()
		return
	}
	n.states[id] = StateConnected
	listeners := n.listeners
	n.mu.Unlock()

	observability.RecordConnectionEvent(true)
	log.Info().Str("participant", id.String()).Msg("comm participant connected")
	for _, l := range listeners {
		l.ParticipantConnected(id)
	}
}

// disconnected fires ParticipantDisconnected only for a connected participant.
func (n *StatusNotifier) disconnected(id participant.ID) {
	n.mu.Lock()
	if n.states[id] != StateConnected {
		delete(n.states, id)
		n.mu.Unlock()
		return
	}
	delete(n.states, id)
	listeners := n.listeners
	n.mu.Unlock()

	observability.RecordConnectionEvent(false)
	log.Info().Str("participant", id.String()).Msg("comm participant disconnected")
	for _, l := range listeners {
		l.ParticipantDisconnected(id)
	}
}
