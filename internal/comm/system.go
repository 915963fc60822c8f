package comm

import (
	"context"
	"time"

	"github.com/danmuck/scenelink/internal/participant"
	"github.com/rs/zerolog"
)

// System is the pluggable transport contract. Framework picks an
// implementation once, from Config.Kind, and uses only this interface.
type System interface {
	// ConnectServices opens the transport. Failures are returned, never fatal.
	ConnectServices(ctx context.Context) error
	// DisconnectServices closes every link. ParticipantDisconnected has fired
	// for every connected peer by the time it returns.
	DisconnectServices()
	// SendTo enqueues msg on the peer's ordered outbound queue without
	// blocking. Errors wrap ErrTransportSendFailure.
	SendTo(to participant.ID, msg Message) error
	// Broadcast sends msg to every connected peer and joins per-peer errors.
	Broadcast(msg Message) error
	// MaxPayloadBytes is the largest payload SendTo accepts; 0 means no
	// limit.
	MaxPayloadBytes() uint64

	Notifier() *StatusNotifier
	Router() *Router
	Identity() participant.Identity
	Kind() Kind
	// Addr is the bound listen address, or "" when not listening.
	Addr() string
	Peers() []PeerInfo
	State(id participant.ID) ConnectionState

	LogPeriodic(e *zerolog.Event)
}

// PeerInfo describes one remote participant for connection dumps.
type PeerInfo struct {
	ID        participant.ID `json:"id"`
	Name      string         `json:"name"`
	Addr      string         `json:"addr"`
	State     string         `json:"state"`
	Since     time.Time      `json:"since"`
	FramesIn  uint64         `json:"frames_in"`
	FramesOut uint64         `json:"frames_out"`
}

// New builds the transport named by cfg.Kind. hub is only used by the
// loopback transport; nil selects DefaultHub.
func New(cfg Config, self participant.Identity, hub *Hub) (System, error) {
	cfg.Kind = NormalizeKind(cfg.Kind)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindTCP:
		return newNetwork(cfg, self, tcpTransport{cfg: cfg}), nil
	case KindWebSocket:
		return newNetwork(cfg, self, newWSTransport(cfg)), nil
	case KindLoopback:
		if hub == nil {
			hub = DefaultHub()
		}
		return newLoopback(cfg, self, hub), nil
	default:
		return nil, ErrUnknownKind
	}
}
