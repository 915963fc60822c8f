// Package framework owns one participant: its identity, the communication
// system picked from config, the worker pool, and the resource and scene
// graph components built on top of them.
package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/scenelink/internal/auth"
	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/observability"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/resource"
	"github.com/danmuck/scenelink/internal/scenegraph"
	"github.com/danmuck/scenelink/internal/taskqueue"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyConnected  = errors.New("framework: already connected")
	ErrNotConnected      = errors.New("framework: not connected")
	ErrDaemonUnreachable = errors.New("framework: daemon unreachable")
	ErrClosed            = errors.New("framework: closed")
)

type options struct {
	hub   *comm.Hub
	store resource.Store
	stall taskqueue.StallHandler
}

type Option func(*options)

// WithHub attaches loopback transports to hub instead of the default one.
func WithHub(hub *comm.Hub) Option {
	return func(o *options) { o.hub = hub }
}

// WithStore backs the resource component with store.
func WithStore(store resource.Store) Option {
	return func(o *options) { o.store = store }
}

// WithStallHandler replaces the fatal watchdog policy.
func WithStallHandler(h taskqueue.StallHandler) Option {
	return func(o *options) { o.stall = h }
}

// Framework is the orchestrator. Lock order: life, then mu, then any
// transport-internal lock. mu is shared with the components and is never
// held across DisconnectServices or any callback.
type Framework struct {
	cfg  Config
	self participant.Identity

	life      sync.Mutex
	mu        sync.Mutex
	connected bool
	closed    bool

	comm      comm.System
	tasks     *taskqueue.Queue
	resources *resource.Component
	scenes    *scenegraph.Component
	periodic  *PeriodicLogger
	admin     *observability.Admin
}

func New(cfg Config, opts ...Option) (*Framework, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg.Comm.Kind = comm.NormalizeKind(cfg.Comm.Kind)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self, err := cfg.identity()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	sys, err := comm.New(cfg.Comm, self, o.hub)
	if err != nil {
		return nil, err
	}
	if o.stall != nil {
		cfg.Tasks.Watchdog.OnStall = o.stall
	}

	f := &Framework{cfg: cfg, self: self, comm: sys}
	f.tasks = taskqueue.New(cfg.Tasks)
	f.resources = resource.New(&f.mu, sys, f.tasks, o.store, cfg.Resources)
	f.scenes = scenegraph.New(&f.mu, sys)

	f.periodic = NewPeriodicLogger(log.Logger, cfg.PeriodicLogInterval)
	f.periodic.Register("comm", sys)
	f.periodic.Register("tasks", f.tasks)
	f.periodic.Register("resources", f.resources)
	f.periodic.Register("scenes", f.scenes)
	f.periodic.Start()

	if cfg.AdminListenAddr != "" {
		var validator auth.Validator
		if cfg.AdminToken != "" {
			validator = auth.StaticToken{Token: cfg.AdminToken}
		}
		f.admin = observability.NewAdmin(cfg.AdminListenAddr, adminView{f}, validator)
		if err := f.admin.Start(); err != nil {
			f.admin = nil
			f.Close()
			return nil, err
		}
	}

	log.Info().
		Str("participant", self.Name()).
		Str("guid", self.ID().String()).
		Str("transport", string(sys.Kind())).
		Int("workers", cfg.Tasks.Workers).
		Uint64("resource_budget", cfg.Resources.MaxBytesInFlight).
		Msg("framework created")
	return f, nil
}

// Connect opens the communication system. A failure leaves the framework
// disconnected and wraps ErrDaemonUnreachable.
func (f *Framework) Connect(ctx context.Context) error {
	f.life.Lock()
	defer f.life.Unlock()

	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return ErrClosed
	case f.connected:
		f.mu.Unlock()
		return ErrAlreadyConnected
	}
	f.mu.Unlock()

	if err := f.comm.ConnectServices(ctx); err != nil {
		log.Warn().Err(err).Str("transport", string(f.comm.Kind())).Msg("framework connect failed")
		return fmt.Errorf("%w: %w", ErrDaemonUnreachable, err)
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	log.Info().Str("participant", f.self.String()).Str("addr", f.comm.Addr()).Msg("framework connected")
	return nil
}

// Disconnect withdraws scenes and subscriptions from the network, then
// closes the communication system.
func (f *Framework) Disconnect() error {
	f.life.Lock()
	defer f.life.Unlock()
	return f.disconnect()
}

func (f *Framework) disconnect() error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.mu.Unlock()

	f.scenes.DisconnectFromNetwork()
	f.comm.DisconnectServices()

	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	log.Info().Str("participant", f.self.String()).Msg("framework disconnected")
	return nil
}

// Close disconnects when connected, then stops the admin server, the
// periodic logger and the workers. Safe to call more than once.
func (f *Framework) Close() error {
	f.life.Lock()
	defer f.life.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	connected := f.connected
	f.mu.Unlock()

	if connected {
		if err := f.disconnect(); err != nil {
			log.Warn().Err(err).Msg("framework implicit disconnect failed")
		}
	}
	var errs []error
	if f.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, f.admin.Shutdown(ctx))
		cancel()
	}
	f.periodic.Stop()
	f.tasks.Stop()
	f.scenes.Close()
	log.Info().Str("participant", f.self.String()).Msg("framework closed")
	return errors.Join(errs...)
}

func (f *Framework) Identity() participant.Identity { return f.self }

func (f *Framework) Comm() comm.System { return f.comm }

func (f *Framework) Resources() *resource.Component { return f.resources }

func (f *Framework) Scenes() *scenegraph.Component { return f.scenes }

func (f *Framework) TaskQueue() *taskqueue.Queue { return f.tasks }

func (f *Framework) PeriodicLogger() *PeriodicLogger { return f.periodic }

// AdminAddr is the bound admin address, or "" when disabled.
func (f *Framework) AdminAddr() string {
	if f.admin == nil {
		return ""
	}
	return f.admin.Addr()
}

func (f *Framework) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type Statistics struct {
	Participant string           `json:"participant"`
	GUID        string           `json:"guid"`
	Transport   string           `json:"transport"`
	Connected   bool             `json:"connected"`
	Peers       int              `json:"peers"`
	Tasks       taskqueue.Stats  `json:"tasks"`
	Resources   resource.Stats   `json:"resources"`
	Scenes      scenegraph.Stats `json:"scenes"`
}

func (f *Framework) Statistics() Statistics {
	return Statistics{
		Participant: f.self.Name(),
		GUID:        f.self.ID().String(),
		Transport:   string(f.comm.Kind()),
		Connected:   f.IsConnected(),
		Peers:       len(f.comm.Notifier().Connected()),
		Tasks:       f.tasks.Stats(),
		Resources:   f.resources.Stats(),
		Scenes:      f.scenes.Stats(),
	}
}

// LogConnectionInformation logs this participant and every known peer.
func (f *Framework) LogConnectionInformation() {
	peers := f.comm.Peers()
	log.Info().
		Str("participant", f.self.Name()).
		Str("guid", f.self.ID().String()).
		Str("transport", string(f.comm.Kind())).
		Str("addr", f.comm.Addr()).
		Bool("connected", f.IsConnected()).
		Int("peers", len(peers)).
		Msg("connection information")
	for _, p := range peers {
		log.Info().
			Str("peer", p.ID.String()).
			Str("name", p.Name).
			Str("addr", p.Addr).
			Str("state", p.State).
			Time("since", p.Since).
			Uint64("frames_in", p.FramesIn).
			Uint64("frames_out", p.FramesOut).
			Msg("connection information peer")
	}
}

// adminView serves framework state to the admin endpoint.
type adminView struct{ f *Framework }

func (v adminView) Participant() string { return v.f.self.Name() }

func (v adminView) Connected() bool { return v.f.IsConnected() }

func (v adminView) Connections() any { return v.f.comm.Peers() }

func (v adminView) Scenes() any {
	return map[string]any{
		"published":     v.f.scenes.Scenes(),
		"subscriptions": v.f.scenes.Subscriptions(),
		"directory":     v.f.scenes.Directory(),
	}
}

func (v adminView) Statistics() any { return v.f.Statistics() }
