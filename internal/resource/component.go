// Package resource distributes content-addressed binary resources between
// participants. Each distinct hash has at most one fetch on the network, and
// the sum of in-flight fetch sizes stays under a configured byte budget.
package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/observability"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/protocol/schema"
	"github.com/danmuck/scenelink/internal/taskqueue"
	"github.com/ipfs/go-cid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrRemoteUnavailable = errors.New("resource: remote unavailable")
	ErrCorruptResource   = errors.New("resource: corrupt resource")
	ErrResourceNotFound  = errors.New("resource: not available at owner")
	ErrInvalidHandle     = errors.New("resource: invalid handle")
	ErrResourceTooLarge  = errors.New("resource: too large to fetch")
)

type Status int

const (
	StatusQueued Status = iota
	StatusInFlight
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInFlight:
		return "in_flight"
	case StatusDone:
		return "done"
	default:
		return "failed"
	}
}

// Result is delivered exactly once per non-cancelled request.
type Result struct {
	Handle Handle
	Data   []byte
	Err    error
}

type Callback func(Result)

// Ticket identifies one request; pass it to Cancel to drop interest.
type Ticket struct {
	id   ulid.ULID
	hash cid.Cid
}

func (t Ticket) ID() ulid.ULID { return t.id }

func (t Ticket) Hash() cid.Cid { return t.hash }

// Executor runs tasks off the caller's goroutine.
type Executor interface {
	Submit(task taskqueue.Task) error
}

type Config struct {
	// MaxBytesInFlight caps the summed size of in-flight fetches. A request
	// for a resource larger than the cap fails with ErrResourceTooLarge.
	MaxBytesInFlight uint64
}

func DefaultConfig() Config {
	return Config{MaxBytesInFlight: 64 * 1024 * 1024}
}

type consumer struct {
	ticket Ticket
	cb     Callback
}

// PendingFetch is the single outstanding fetch for one hash.
type PendingFetch struct {
	handle    Handle
	consumers []consumer
	reserved  uint64
	status    Status
}

type Stats struct {
	BytesInFlight  uint64 `json:"bytes_in_flight"`
	InFlight       int    `json:"in_flight"`
	Queued         int    `json:"queued"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	RequestsServed uint64 `json:"requests_served"`
	Stored         int    `json:"stored"`
}

// Component is the resource pipeline of one participant. mu is the
// framework-wide lock and guards the pending-fetch table.
type Component struct {
	mu    *sync.Mutex
	self  participant.ID
	comm  comm.System
	tasks Executor
	store Store
	cfg   Config

	fetches       map[string]*PendingFetch
	queue         []*PendingFetch
	bytesInFlight uint64
	inFlight      int
	completed     uint64
	failed        uint64
	served        uint64
}

func New(mu *sync.Mutex, sys comm.System, tasks Executor, store Store, cfg Config) *Component {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Component{
		mu:      mu,
		self:    sys.Identity().ID(),
		comm:    sys,
		tasks:   tasks,
		store:   store,
		cfg:     cfg,
		fetches: make(map[string]*PendingFetch),
	}
	router := sys.Router()
	router.Handle(schema.MsgResourceRequest, c.onRequest)
	router.Handle(schema.MsgResourceResponse, c.onResponse)
	router.Handle(schema.MsgResourceUnavailable, c.onUnavailable)
	sys.Notifier().Register(c)
	return c
}

// Provide stores data locally so peers can fetch it, and returns its handle.
// Data too large for one transport payload is rejected.
func (c *Component) Provide(data []byte) (Handle, error) {
	h, err := NewHandle(data, c.self)
	if err != nil {
		return Handle{}, err
	}
	if err := c.checkPayload(h); err != nil {
		return Handle{}, err
	}
	if _, err := c.store.Put(data); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// Request asks for h's bytes. cb runs exactly once on a worker unless the
// returned ticket is cancelled first.
func (c *Component) Request(h Handle, cb Callback) Ticket {
	t := Ticket{id: ulid.Make(), hash: h.Hash}
	want := consumer{ticket: t, cb: cb}

	if !h.Hash.Defined() || (!h.Owner.IsValid() && !c.store.Has(h.Hash)) {
		c.deliver([]consumer{want}, Result{Handle: h, Err: fmt.Errorf("%w: %s", ErrInvalidHandle, h)})
		return t
	}
	if data, err := c.store.Get(h.Hash); err == nil {
		c.deliver([]consumer{want}, Result{Handle: h, Data: data})
		return t
	}
	if h.Owner == c.self {
		c.deliver([]consumer{want}, Result{Handle: h, Err: fmt.Errorf("%w: %s", ErrResourceNotFound, h.Hash)})
		return t
	}
	if err := c.checkFetchable(h); err != nil {
		c.mu.Lock()
		c.failed++
		c.mu.Unlock()
		observability.RecordResourceFetch("too_large")
		log.Warn().Err(err).Msg("resource request rejected")
		c.deliver([]consumer{want}, Result{Handle: h, Err: err})
		return t
	}

	c.mu.Lock()
	// A fetch may have completed since the unlocked store check; finish
	// stores under mu, so this read is authoritative.
	if data, err := c.store.Get(h.Hash); err == nil {
		c.mu.Unlock()
		c.deliver([]consumer{want}, Result{Handle: h, Data: data})
		return t
	}
	key := h.Hash.KeyString()
	if f := c.fetches[key]; f != nil {
		f.consumers = append(f.consumers, want)
		c.mu.Unlock()
		log.Debug().Str("hash", h.Hash.String()).Int("consumers", len(f.consumers)).Msg("resource request joined fetch")
		return t
	}
	f := &PendingFetch{handle: h, consumers: []consumer{want}, status: StatusQueued}
	c.fetches[key] = f
	c.queue = append(c.queue, f)
	started := c.admitLocked()
	c.mu.Unlock()

	c.start(started)
	return t
}

// Cancel drops the ticket's interest. A queued fetch nobody wants any more
// is removed; an in-flight fetch completes and its bytes are cached.
func (c *Component) Cancel(t Ticket) bool {
	c.mu.Lock()
	f := c.fetches[t.hash.KeyString()]
	if f == nil {
		c.mu.Unlock()
		return false
	}
	found := false
	for i, cons := range f.consumers {
		if cons.ticket.id == t.id {
			f.consumers = append(f.consumers[:i], f.consumers[i+1:]...)
			found = true
			break
		}
	}
	var started []*PendingFetch
	if found && len(f.consumers) == 0 && f.status == StatusQueued {
		delete(c.fetches, t.hash.KeyString())
		c.removeQueuedLocked(f)
		started = c.admitLocked()
	}
	c.mu.Unlock()

	c.start(started)
	return found
}

// Loaded returns cached bytes for hash, if present.
func (c *Component) Loaded(hash cid.Cid) ([]byte, bool) {
	data, err := c.store.Get(hash)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Release drops the local copy of hash. A released provided resource is no
// longer served to peers.
func (c *Component) Release(hash cid.Cid) {
	c.store.Delete(hash)
}

// Status reports the pending fetch state for hash.
func (c *Component) Status(hash cid.Cid) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.fetches[hash.KeyString()]; f != nil {
		return f.status, true
	}
	if c.store.Has(hash) {
		return StatusDone, true
	}
	return 0, false
}

func (c *Component) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		BytesInFlight:  c.bytesInFlight,
		InFlight:       c.inFlight,
		Queued:         len(c.queue),
		Completed:      c.completed,
		Failed:         c.failed,
		RequestsServed: c.served,
		Stored:         c.store.Len(),
	}
}

func (c *Component) LogPeriodic(e *zerolog.Event) {
	s := c.Stats()
	e.Uint64("resource_bytes_in_flight", s.BytesInFlight).
		Int("resource_in_flight", s.InFlight).
		Int("resource_queued", s.Queued).
		Uint64("resource_completed", s.Completed).
		Uint64("resource_failed", s.Failed)
}

func (c *Component) ParticipantConnected(participant.ID) {}

// ParticipantDisconnected fails every fetch owned by id.
func (c *Component) ParticipantDisconnected(id participant.ID) {
	c.mu.Lock()
	var lost []*PendingFetch
	for key, f := range c.fetches {
		if f.handle.Owner != id {
			continue
		}
		delete(c.fetches, key)
		c.releaseLocked(f)
		f.status = StatusFailed
		c.failed++
		lost = append(lost, f)
	}
	started := c.admitLocked()
	c.mu.Unlock()

	if len(lost) > 0 {
		log.Info().Str("owner", id.String()).Int("fetches", len(lost)).Msg("resource fetches failed on owner disconnect")
	}
	for _, f := range lost {
		observability.RecordResourceFetch("remote_unavailable")
		c.deliver(f.consumers, Result{
			Handle: f.handle,
			Err:    fmt.Errorf("%w: owner %s disconnected", ErrRemoteUnavailable, id),
		})
	}
	c.start(started)
}

// checkFetchable rejects handles that could never be admitted or delivered.
func (c *Component) checkFetchable(h Handle) error {
	if h.Size > c.cfg.MaxBytesInFlight {
		return fmt.Errorf("%w: %s exceeds budget of %d bytes", ErrResourceTooLarge, h, c.cfg.MaxBytesInFlight)
	}
	return c.checkPayload(h)
}

// checkPayload rejects handles whose response would not fit one payload.
func (c *Component) checkPayload(h Handle) error {
	limit := c.comm.MaxPayloadBytes()
	if limit > 0 && schema.ResourceDataSize(len(h.Hash.Bytes()), h.Size) > limit {
		return fmt.Errorf("%w: %s exceeds payload limit of %d bytes", ErrResourceTooLarge, h, limit)
	}
	return nil
}

// admitLocked promotes queued fetches in arrival order while they fit the
// budget. The head of the queue blocks everything behind it.
func (c *Component) admitLocked() []*PendingFetch {
	var started []*PendingFetch
	for len(c.queue) > 0 {
		f := c.queue[0]
		if c.bytesInFlight+f.handle.Size > c.cfg.MaxBytesInFlight {
			break
		}
		c.queue[0] = nil
		c.queue = c.queue[1:]
		f.status = StatusInFlight
		f.reserved = f.handle.Size
		c.bytesInFlight += f.reserved
		c.inFlight++
		started = append(started, f)
	}
	observability.SetResourceBudget(c.bytesInFlight, len(c.queue))
	return started
}

func (c *Component) releaseLocked(f *PendingFetch) {
	switch f.status {
	case StatusInFlight:
		c.bytesInFlight -= f.reserved
		c.inFlight--
		f.reserved = 0
	case StatusQueued:
		c.removeQueuedLocked(f)
	}
}

func (c *Component) removeQueuedLocked(f *PendingFetch) {
	for i, q := range c.queue {
		if q == f {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Component) start(fetches []*PendingFetch) {
	for _, f := range fetches {
		f := f
		c.submit(func() { c.sendRequest(f) })
	}
}

func (c *Component) sendRequest(f *PendingFetch) {
	msg := comm.Message{
		Type:    schema.MsgResourceRequest,
		Payload: schema.ResourceRef{Hash: f.handle.Hash.Bytes()}.Encode(),
	}
	if err := c.comm.SendTo(f.handle.Owner, msg); err != nil {
		c.finish(f, nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err))
		return
	}
	log.Debug().Str("hash", f.handle.Hash.String()).Uint64("size", f.handle.Size).Msg("resource request sent")
}

// finish settles f if it is still the live fetch for its hash.
func (c *Component) finish(f *PendingFetch, data []byte, err error) {
	key := f.handle.Hash.KeyString()
	c.mu.Lock()
	if c.fetches[key] != f {
		c.mu.Unlock()
		return
	}
	delete(c.fetches, key)
	c.releaseLocked(f)
	if err == nil {
		if _, perr := c.store.Put(data); perr != nil {
			err = perr
		}
	}
	if err == nil {
		f.status = StatusDone
		c.completed++
	} else {
		f.status = StatusFailed
		c.failed++
	}
	consumers := f.consumers
	started := c.admitLocked()
	c.mu.Unlock()

	outcome := "done"
	switch {
	case err == nil:
	case errors.Is(err, ErrCorruptResource):
		outcome = "corrupt"
	case errors.Is(err, ErrResourceNotFound):
		outcome = "not_found"
	default:
		outcome = "remote_unavailable"
	}
	observability.RecordResourceFetch(outcome)
	if err != nil {
		log.Warn().Err(err).Str("hash", f.handle.Hash.String()).Msg("resource fetch failed")
	}

	c.deliver(consumers, Result{Handle: f.handle, Data: data, Err: err})
	c.start(started)
}

func (c *Component) lookup(sender participant.ID, hash []byte) (*PendingFetch, bool) {
	id, err := cid.Cast(hash)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.fetches[id.KeyString()]
	if f == nil || f.status != StatusInFlight || f.handle.Owner != sender {
		return nil, false
	}
	return f, true
}

func (c *Component) onResponse(msg comm.Message) {
	c.submit(func() {
		resp, err := schema.DecodeResourceData(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("sender", msg.Sender.String()).Msg("resource bad response")
			return
		}
		f, ok := c.lookup(msg.Sender, resp.Hash)
		if !ok {
			log.Debug().Str("sender", msg.Sender.String()).Msg("resource response without fetch dropped")
			return
		}
		c.finish(f, resp.Data, verify(f.handle, resp.Data))
	})
}

func (c *Component) onUnavailable(msg comm.Message) {
	c.submit(func() {
		ref, err := schema.DecodeResourceRef(schema.MsgResourceUnavailable, msg.Payload)
		if err != nil {
			return
		}
		if f, ok := c.lookup(msg.Sender, ref.Hash); ok {
			c.finish(f, nil, fmt.Errorf("%w: %s", ErrResourceNotFound, f.handle.Hash))
		}
	})
}

// onRequest serves a peer's fetch from the local store.
func (c *Component) onRequest(msg comm.Message) {
	c.submit(func() {
		ref, err := schema.DecodeResourceRef(schema.MsgResourceRequest, msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("sender", msg.Sender.String()).Msg("resource bad request")
			return
		}
		reply := comm.Message{Type: schema.MsgResourceUnavailable, Payload: ref.Encode()}
		if id, err := cid.Cast(ref.Hash); err == nil {
			if data, err := c.store.Get(id); err == nil {
				reply = comm.Message{
					Type:    schema.MsgResourceResponse,
					Payload: schema.ResourceData{Hash: ref.Hash, Data: data}.Encode(),
				}
			}
		}
		err = c.comm.SendTo(msg.Sender, reply)
		if err != nil && reply.Type == schema.MsgResourceResponse {
			// The requester must hear back even when the bytes cannot go out.
			log.Warn().Err(err).Str("peer", msg.Sender.String()).Msg("resource response failed, reporting unavailable")
			reply = comm.Message{Type: schema.MsgResourceUnavailable, Payload: ref.Encode()}
			err = c.comm.SendTo(msg.Sender, reply)
		}
		if err != nil {
			log.Warn().Err(err).Str("peer", msg.Sender.String()).Msg("resource reply failed")
			return
		}
		if reply.Type == schema.MsgResourceUnavailable {
			return
		}
		c.mu.Lock()
		c.served++
		c.mu.Unlock()
	})
}

func (c *Component) deliver(consumers []consumer, res Result) {
	for _, cons := range consumers {
		if cons.cb == nil {
			continue
		}
		cb := cons.cb
		c.submit(func() { cb(res) })
	}
}

// submit runs task on a worker, or inline once the pool has stopped.
func (c *Component) submit(task taskqueue.Task) {
	if err := c.tasks.Submit(task); err != nil {
		task()
	}
}
