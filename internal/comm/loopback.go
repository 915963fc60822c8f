package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/scenelink/internal/observability"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/protocol/frame"
	"github.com/danmuck/scenelink/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var ErrAlreadyAttached = errors.New("comm: participant already attached to hub")

// DropFilter reports whether a loopback message should vanish in transit.
// It runs under the hub lock and must not call back into the hub.
type DropFilter func(from, to participant.ID, msg Message) bool

// Hub connects co-located participants. Every attached participant is
// connected to every other one.
type Hub struct {
	mu        sync.Mutex
	endpoints map[participant.ID]*loopback
	drop      DropFilter
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[participant.ID]*loopback)}
}

var defaultHub = NewHub()

// DefaultHub is the process-wide hub used when none is configured.
func DefaultHub() *Hub { return defaultHub }

func (h *Hub) SetDropFilter(f DropFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = f
}

func (h *Hub) attach(l *loopback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := l.self.ID()
	if _, ok := h.endpoints[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}
	for otherID, other := range h.endpoints {
		other.enqueue(inboxItem{kind: itemConnected, peer: id, name: l.self.Name()})
		l.enqueue(inboxItem{kind: itemConnected, peer: otherID, name: other.self.Name()})
	}
	h.endpoints[id] = l
	return nil
}

func (h *Hub) detach(l *loopback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := l.self.ID()
	if h.endpoints[id] != l {
		return
	}
	delete(h.endpoints, id)
	for _, other := range h.endpoints {
		other.enqueue(inboxItem{kind: itemDisconnected, peer: id})
	}
}

func (h *Hub) deliver(from *loopback, to participant.ID, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[from.self.ID()] != from {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	target := h.endpoints[to]
	if target == nil || target == from {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	if h.drop != nil && h.drop(from.self.ID(), to, msg) {
		return nil
	}
	return target.enqueue(inboxItem{kind: itemMessage, peer: from.self.ID(), msg: msg})
}

func (h *Hub) attached(from *loopback) []participant.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]participant.ID, 0, len(h.endpoints))
	for id, l := range h.endpoints {
		if l != from {
			out = append(out, id)
		}
	}
	return out
}

type itemKind int

const (
	itemConnected itemKind = iota
	itemMessage
	itemDisconnected
)

type inboxItem struct {
	kind itemKind
	peer participant.ID
	name string
	msg  Message
}

type peerView struct {
	name  string
	since time.Time
}

// loopback is the in-process System. Each endpoint has one ordered inbox
// drained by a single dispatch goroutine, so events and messages from one
// peer are seen in the order they were produced.
type loopback struct {
	cfg      Config
	self     participant.Identity
	hub      *Hub
	notifier *StatusNotifier
	router   *Router

	mu        sync.Mutex
	running   bool
	items     []inboxItem
	queued    int
	signal    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	connected map[participant.ID]peerView

	nextID    atomic.Uint64
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

func newLoopback(cfg Config, self participant.Identity, hub *Hub) *loopback {
	return &loopback{
		cfg:       cfg,
		self:      self,
		hub:       hub,
		notifier:  NewStatusNotifier(),
		router:    NewRouter(),
		signal:    make(chan struct{}, 1),
		connected: make(map[participant.ID]peerView),
	}
}

func (l *loopback) Notifier() *StatusNotifier { return l.notifier }

func (l *loopback) Router() *Router { return l.router }

func (l *loopback) Identity() participant.Identity { return l.self }

func (l *loopback) Kind() Kind { return KindLoopback }

func (l *loopback) Addr() string { return "" }

func (l *loopback) MaxPayloadBytes() uint64 { return l.cfg.MaxPayloadBytes }

func (l *loopback) State(id participant.ID) ConnectionState { return l.notifier.State(id) }

func (l *loopback) ConnectServices(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.items = nil
	l.queued = 0
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	go l.dispatch(stop, done)
	if err := l.hub.attach(l); err != nil {
		l.shutdown()
		return err
	}
	return nil
}

func (l *loopback) DisconnectServices() {
	l.hub.detach(l)
	l.shutdown()
}

func (l *loopback) shutdown() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stop, done := l.stop, l.done
	l.mu.Unlock()

	close(stop)
	<-done

	l.mu.Lock()
	peers := make([]participant.ID, 0, len(l.connected))
	for id := range l.connected {
		peers = append(peers, id)
	}
	var unseen []participant.ID
	for _, item := range l.items {
		if item.kind == itemConnected {
			unseen = append(unseen, item.peer)
		}
	}
	l.connected = make(map[participant.ID]peerView)
	l.items = nil
	l.queued = 0
	l.mu.Unlock()

	for _, id := range unseen {
		l.notifier.clearConnecting(id)
	}
	for _, id := range peers {
		l.notifier.disconnected(id)
	}
}

func (l *loopback) SendTo(to participant.ID, msg Message) error {
	if uint64(len(msg.Payload)) > l.cfg.MaxPayloadBytes && l.cfg.MaxPayloadBytes > 0 {
		observability.RecordSendFailure(string(KindLoopback), "too_large")
		return fmt.Errorf("%w: %w", ErrTransportSendFailure, frame.ErrPayloadTooLarge)
	}
	out := Message{
		Type:      msg.Type,
		Sender:    l.self.ID(),
		MessageID: l.nextID.Add(1),
		Payload:   append([]byte(nil), msg.Payload...),
	}
	if err := l.hub.deliver(l, to, out); err != nil {
		reason := "unreachable"
		if errors.Is(err, ErrSendBufferFull) {
			reason = "buffer_full"
		}
		observability.RecordSendFailure(string(KindLoopback), reason)
		return err
	}
	l.framesOut.Add(1)
	observability.RecordFrame(string(KindLoopback), "out", schema.Name(msg.Type))
	return nil
}

func (l *loopback) Broadcast(msg Message) error {
	var errs []error
	for _, id := range l.hub.attached(l) {
		if err := l.SendTo(id, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *loopback) Peers() []PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PeerInfo, 0, len(l.connected))
	for id, v := range l.connected {
		out = append(out, PeerInfo{
			ID:    id,
			Name:  v.name,
			Addr:  string(KindLoopback),
			State: StateConnected.String(),
			Since: v.since,
		})
	}
	return out
}

func (l *loopback) LogPeriodic(e *zerolog.Event) {
	l.mu.Lock()
	peers := len(l.connected)
	queued := l.queued
	l.mu.Unlock()
	e.Str("transport", string(KindLoopback)).
		Int("peers", peers).
		Int("inbox", queued).
		Uint64("frames_in", l.framesIn.Load()).
		Uint64("frames_out", l.framesOut.Load())
}

// enqueue appends to the inbox. Only message items count against SendQueue;
// connection events are never dropped.
func (l *loopback) enqueue(item inboxItem) error {
	l.mu.Lock()
	if item.kind == itemMessage {
		if l.queued >= l.cfg.SendQueue {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrSendBufferFull, l.self.ID())
		}
		l.queued++
	}
	if item.kind == itemConnected {
		l.notifier.markConnecting(item.peer)
	}
	l.items = append(l.items, item)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

func (l *loopback) next(stop <-chan struct{}) (inboxItem, bool) {
	for {
		l.mu.Lock()
		if len(l.items) > 0 {
			item := l.items[0]
			l.items[0] = inboxItem{}
			l.items = l.items[1:]
			if item.kind == itemMessage {
				l.queued--
			}
			l.mu.Unlock()
			return item, true
		}
		l.mu.Unlock()

		select {
		case <-stop:
			return inboxItem{}, false
		case <-l.signal:
		}
	}
}

func (l *loopback) dispatch(stop, done chan struct{}) {
	defer close(done)
	for {
		item, ok := l.next(stop)
		if !ok {
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		switch item.kind {
		case itemConnected:
			l.mu.Lock()
			_, seen := l.connected[item.peer]
			if !seen {
				l.connected[item.peer] = peerView{name: item.name, since: time.Now()}
			}
			l.mu.Unlock()
			if !seen {
				l.notifier.connected(item.peer)
			}
		case itemDisconnected:
			l.mu.Lock()
			_, seen := l.connected[item.peer]
			delete(l.connected, item.peer)
			l.mu.Unlock()
			if seen {
				l.notifier.disconnected(item.peer)
			}
		case itemMessage:
			l.framesIn.Add(1)
			observability.RecordFrame(string(KindLoopback), "in", schema.Name(item.msg.Type))
			l.router.Dispatch(item.msg)
		}
	}
}
