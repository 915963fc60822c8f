package comm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/scenelink/internal/observability"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/protocol/frame"
	"github.com/danmuck/scenelink/internal/protocol/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// link is one framed, bidirectional connection. Reads and writes each come
// from a single goroutine.
type link interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(f frame.Frame) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

type acceptor interface {
	Accept() (link, error)
	Close() error
	Addr() string
}

// transport produces links for the stream-oriented System implementation.
type transport interface {
	listen() (acceptor, error)
	dial(ctx context.Context, addr string) (link, error)
}

type peer struct {
	id     participant.ID
	name   string
	addr   string
	dialer participant.ID
	link   link
	since  time.Time

	out  chan frame.Frame
	gone chan struct{}

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

// network is the System shared by the tcp and websocket transports.
type network struct {
	cfg      Config
	self     participant.Identity
	tr       transport
	limits   frame.Limits
	notifier *StatusNotifier
	router   *Router

	// events serializes peer-map changes with their notifications so
	// connect/disconnect callbacks for one participant never interleave.
	events sync.Mutex

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	acceptor acceptor
	peers    map[participant.ID]*peer
	pending  map[link]struct{}
	wg       sync.WaitGroup

	nextID    atomic.Uint64
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

func newNetwork(cfg Config, self participant.Identity, tr transport) *network {
	return &network{
		cfg:      cfg,
		self:     self,
		tr:       tr,
		limits:   frame.Limits{MaxPayloadBytes: cfg.MaxPayloadBytes},
		notifier: NewStatusNotifier(),
		router:   NewRouter(),
		peers:    make(map[participant.ID]*peer),
		pending:  make(map[link]struct{}),
	}
}

func (n *network) Notifier() *StatusNotifier { return n.notifier }

func (n *network) Router() *Router { return n.router }

func (n *network) Identity() participant.Identity { return n.self }

func (n *network) Kind() Kind { return n.cfg.Kind }

func (n *network) State(id participant.ID) ConnectionState { return n.notifier.State(id) }

func (n *network) MaxPayloadBytes() uint64 { return n.limits.MaxPayloadBytes }

func (n *network) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.acceptor == nil {
		return ""
	}
	return n.acceptor.Addr()
}

func (n *network) ConnectServices(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	var acc acceptor
	if n.cfg.ListenAddr != "" {
		var err error
		acc, err = n.tr.listen()
		if err != nil {
			return fmt.Errorf("comm: listen %s: %w", n.cfg.ListenAddr, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.running = true
	n.cancel = cancel
	n.acceptor = acc
	n.mu.Unlock()

	if acc != nil {
		log.Info().
			Str("transport", string(n.cfg.Kind)).
			Str("addr", acc.Addr()).
			Str("participant", n.self.String()).
			Msg("comm listening")
		n.wg.Add(1)
		go n.acceptLoop(runCtx, acc)
		for _, addr := range n.cfg.Peers {
			n.wg.Add(1)
			go n.dialLoop(runCtx, addr, nil)
		}
		return nil
	}

	// Without a listener at least one configured peer has to answer.
	var lastErr error
	reached := 0
	for _, addr := range n.cfg.Peers {
		dctx, dcancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
		l, err := n.tr.dial(dctx, addr)
		dcancel()
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("addr", addr).Msg("comm initial dial failed")
		} else {
			reached++
		}
		n.wg.Add(1)
		go n.dialLoop(runCtx, addr, l)
	}
	if reached == 0 {
		n.DisconnectServices()
		return fmt.Errorf("comm: no peer reachable: %w", lastErr)
	}
	return nil
}

func (n *network) DisconnectServices() {
	n.events.Lock()
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		n.events.Unlock()
		return
	}
	n.running = false
	n.cancel()
	acc := n.acceptor
	n.acceptor = nil
	peers := n.peers
	n.peers = make(map[participant.ID]*peer)
	pending := n.pending
	n.pending = make(map[link]struct{})
	for _, p := range peers {
		bye := n.frameFor(Message{Type: schema.MsgBye})
		select {
		case p.out <- bye:
		default:
		}
		close(p.out)
	}
	n.mu.Unlock()

	if acc != nil {
		_ = acc.Close()
	}
	for l := range pending {
		_ = l.Close()
	}
	for id := range peers {
		n.notifier.disconnected(id)
	}
	n.events.Unlock()

	n.wg.Wait()
	log.Info().
		Str("transport", string(n.cfg.Kind)).
		Str("participant", n.self.String()).
		Int("peers", len(peers)).
		Msg("comm services disconnected")
}

func (n *network) SendTo(to participant.ID, msg Message) error {
	if uint64(len(msg.Payload)) > n.limits.MaxPayloadBytes {
		observability.RecordSendFailure(string(n.cfg.Kind), "too_large")
		return fmt.Errorf("%w: %w", ErrTransportSendFailure, frame.ErrPayloadTooLarge)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.peers[to]
	if !n.running || p == nil {
		observability.RecordSendFailure(string(n.cfg.Kind), "unreachable")
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	select {
	case p.out <- n.frameFor(msg):
		return nil
	default:
		observability.RecordSendFailure(string(n.cfg.Kind), "buffer_full")
		return fmt.Errorf("%w: %s", ErrSendBufferFull, to)
	}
}

func (n *network) Broadcast(msg Message) error {
	n.mu.Lock()
	ids := make([]participant.ID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := n.SendTo(id, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *network) Peers() []PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, PeerInfo{
			ID:        p.id,
			Name:      p.name,
			Addr:      p.addr,
			State:     StateConnected.String(),
			Since:     p.since,
			FramesIn:  p.framesIn.Load(),
			FramesOut: p.framesOut.Load(),
		})
	}
	return out
}

func (n *network) LogPeriodic(e *zerolog.Event) {
	n.mu.Lock()
	peers := len(n.peers)
	n.mu.Unlock()
	e.Str("transport", string(n.cfg.Kind)).
		Int("peers", peers).
		Uint64("frames_in", n.framesIn.Load()).
		Uint64("frames_out", n.framesOut.Load())
}

func (n *network) frameFor(msg Message) frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			MessageID:   n.nextID.Add(1),
			MessageType: msg.Type,
			Sender:      n.self.ID(),
		},
		Payload: msg.Payload,
	}
}

func (n *network) acceptLoop(ctx context.Context, acc acceptor) {
	defer n.wg.Done()
	for {
		l, err := acc.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("comm accept failed")
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.establish(l, l.RemoteAddr(), false); err != nil {
				log.Debug().Err(err).Str("remote", l.RemoteAddr()).Msg("comm inbound link rejected")
			}
		}()
	}
}

// dialLoop keeps one outbound link to addr alive until ctx ends.
func (n *network) dialLoop(ctx context.Context, addr string, first link) {
	defer n.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	l := first
	for {
		if l == nil {
			if attempt > 0 && !sleepContext(ctx, NextBackoffDelay(n.cfg.Backoff, attempt, rng)) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			dctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
			var err error
			l, err = n.tr.dial(dctx, addr)
			cancel()
			if err != nil {
				attempt++
				log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("comm dial failed")
				continue
			}
		}

		p, err := n.establish(l, addr, true)
		l = nil
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			log.Debug().Err(err).Str("addr", addr).Msg("comm outbound link rejected")
			continue
		}
		attempt = 1
		select {
		case <-ctx.Done():
			return
		case <-p.gone:
		}
	}
}

// establish runs the hello exchange and registers the link. It returns the
// peer now serving the remote participant, which is an older link when the
// new one lost duplicate resolution.
func (n *network) establish(l link, addr string, dialed bool) (*peer, error) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		_ = l.Close()
		return nil, ErrNotRunning
	}
	n.pending[l] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.pending, l)
		n.mu.Unlock()
	}()

	id, name, err := n.handshake(l)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	dialer := id
	if dialed {
		dialer = n.self.ID()
	}
	p := &peer{
		id:     id,
		name:   name,
		addr:   addr,
		dialer: dialer,
		link:   l,
		since:  time.Now(),
		out:    make(chan frame.Frame, n.cfg.SendQueue),
		gone:   make(chan struct{}),
	}
	kept, err := n.register(p)
	if kept != p {
		_ = l.Close()
	}
	return kept, err
}

func (n *network) handshake(l link) (participant.ID, string, error) {
	deadline := time.Now().Add(n.cfg.HandshakeTimeout)
	_ = l.SetWriteDeadline(deadline)
	_ = l.SetReadDeadline(deadline)

	hello := n.frameFor(Message{
		Type:    schema.MsgHello,
		Payload: schema.Hello{Name: n.self.Name(), ProtocolVersion: schema.ProtocolVersion}.Encode(),
	})
	if err := l.WriteFrame(hello); err != nil {
		return participant.Invalid, "", fmt.Errorf("%w: write hello: %w", ErrHandshake, err)
	}
	f, err := l.ReadFrame()
	if err != nil {
		return participant.Invalid, "", fmt.Errorf("%w: read hello: %w", ErrHandshake, err)
	}
	if f.Header.MessageType != schema.MsgHello {
		return participant.Invalid, "", fmt.Errorf("%w: unexpected %s", ErrHandshake, schema.Name(f.Header.MessageType))
	}
	h, err := schema.DecodeHello(f.Payload)
	if err != nil {
		return participant.Invalid, "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if h.ProtocolVersion != schema.ProtocolVersion {
		return participant.Invalid, "", fmt.Errorf("%w: protocol version %d", ErrHandshake, h.ProtocolVersion)
	}
	id := participant.ID(f.Header.Sender)
	if !id.IsValid() {
		return participant.Invalid, "", fmt.Errorf("%w: invalid sender", ErrHandshake)
	}
	if id == n.self.ID() {
		return participant.Invalid, "", fmt.Errorf("%w: connected to self", ErrHandshake)
	}
	_ = l.SetWriteDeadline(time.Time{})
	n.notifier.markConnecting(id)
	return id, h.Name, nil
}

// register installs p unless a link to the same participant already exists.
// Between two links the one dialed by the smaller GUID wins, so both ends
// converge on the same connection.
func (n *network) register(p *peer) (*peer, error) {
	n.events.Lock()
	defer n.events.Unlock()

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		n.notifier.clearConnecting(p.id)
		return nil, ErrNotRunning
	}
	existing := n.peers[p.id]
	if existing != nil && !p.dialer.Less(existing.dialer) {
		n.mu.Unlock()
		return existing, nil
	}
	n.peers[p.id] = p
	if existing != nil {
		close(existing.out)
	}
	n.wg.Add(2)
	go n.writeLoop(p)
	n.mu.Unlock()

	if existing != nil {
		log.Debug().Str("participant", p.id.String()).Msg("comm duplicate link replaced")
		n.notifier.disconnected(p.id)
	}
	log.Info().
		Str("participant", p.id.String()).
		Str("name", p.name).
		Str("addr", p.addr).
		Msg("comm link established")
	n.notifier.connected(p.id)
	go n.readLoop(p)
	return p, nil
}

func (n *network) readLoop(p *peer) {
	defer n.wg.Done()
	var reason error
	defer func() { n.teardown(p, reason) }()

	for {
		_ = p.link.SetReadDeadline(time.Now().Add(n.cfg.DeadAfter))
		f, err := p.link.ReadFrame()
		if err != nil {
			reason = err
			return
		}
		n.framesIn.Add(1)
		p.framesIn.Add(1)
		observability.RecordFrame(string(n.cfg.Kind), "in", schema.Name(f.Header.MessageType))

		switch f.Header.MessageType {
		case schema.MsgHeartbeat, schema.MsgHello:
			continue
		case schema.MsgBye:
			return
		}
		n.router.Dispatch(Message{
			Type:      f.Header.MessageType,
			Sender:    p.id,
			MessageID: f.Header.MessageID,
			Payload:   f.Payload,
		})
	}
}

func (n *network) writeLoop(p *peer) {
	defer n.wg.Done()
	defer close(p.gone)
	defer p.link.Close()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-p.out:
			if !ok {
				return
			}
			if err := n.write(p, f); err != nil {
				log.Debug().Err(err).Str("participant", p.id.String()).Msg("comm write failed")
				return
			}
		case <-ticker.C:
			if err := n.write(p, n.frameFor(Message{Type: schema.MsgHeartbeat})); err != nil {
				log.Debug().Err(err).Str("participant", p.id.String()).Msg("comm heartbeat failed")
				return
			}
		}
	}
}

func (n *network) write(p *peer, f frame.Frame) error {
	_ = p.link.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
	if err := p.link.WriteFrame(f); err != nil {
		return err
	}
	n.framesOut.Add(1)
	p.framesOut.Add(1)
	observability.RecordFrame(string(n.cfg.Kind), "out", schema.Name(f.Header.MessageType))
	return nil
}

// teardown removes p if it is still the current link for its participant.
func (n *network) teardown(p *peer, reason error) {
	n.events.Lock()
	defer n.events.Unlock()

	n.mu.Lock()
	current := n.peers[p.id] == p
	if current {
		delete(n.peers, p.id)
		close(p.out)
	}
	n.mu.Unlock()
	_ = p.link.Close()

	if current {
		log.Info().Err(reason).Str("participant", p.id.String()).Msg("comm link closed")
		n.notifier.disconnected(p.id)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
