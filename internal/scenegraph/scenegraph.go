// Package scenegraph publishes scenes and fans out indexed flushes to
// subscribers. Subscribers apply flushes strictly in index order and fall
// back to a fresh snapshot whenever they see a gap.
package scenegraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/observability"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/protocol/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSceneUnavailable      = errors.New("scenegraph: scene unavailable")
	ErrSceneNotPublished     = errors.New("scenegraph: scene not published")
	ErrSceneAlreadyPublished = errors.New("scenegraph: scene already published")
	ErrAlreadySubscribed     = errors.New("scenegraph: already subscribed")
	ErrUnknownSubscription   = errors.New("scenegraph: unknown subscription")
)

type SceneID uint64

// Action is one opaque scene-graph change supplied by the content layer.
type Action = schema.Action

type SubscriptionHandle = ulid.ULID

type EventKind int

const (
	// EventSnapshot replaces everything the subscriber knew about the scene.
	EventSnapshot EventKind = iota
	EventFlush
	// EventSceneUnavailable ends the subscription; Err wraps
	// ErrSceneUnavailable.
	EventSceneUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventFlush:
		return "flush"
	default:
		return "unavailable"
	}
}

type Event struct {
	Kind         EventKind
	Subscription SubscriptionHandle
	Owner        participant.ID
	SceneID      SceneID
	FlushIndex   uint64
	Actions      []Action
	Err          error
}

type EventHandler func(Event)

// DirectoryListener hears about scenes published by other participants.
type DirectoryListener func(owner participant.ID, id SceneID, available bool)

type DirectoryEntry struct {
	Owner   participant.ID `json:"owner"`
	SceneID SceneID        `json:"scene_id"`
}

type SceneInfo struct {
	SceneID     SceneID `json:"scene_id"`
	FlushIndex  uint64  `json:"flush_index"`
	Actions     int     `json:"snapshot_actions"`
	Subscribers int     `json:"subscribers"`
}

type SubscriptionInfo struct {
	Handle      string         `json:"handle"`
	Owner       participant.ID `json:"owner"`
	SceneID     SceneID        `json:"scene_id"`
	LastApplied uint64         `json:"last_applied"`
	Synced      bool           `json:"synced"`
}

type Stats struct {
	Published      int    `json:"published"`
	Subscribers    int    `json:"subscribers"`
	Subscriptions  int    `json:"subscriptions"`
	FlushesSent    uint64 `json:"flushes_sent"`
	FlushesApplied uint64 `json:"flushes_applied"`
	Resyncs        uint64 `json:"resyncs"`
}

// localScene is the owner-side record. snapshot holds the actions that
// rebuild the scene as of index.
type localScene struct {
	id          SceneID
	index       uint64
	snapshot    []Action
	subscribers map[participant.ID]struct{}
}

type subKey struct {
	owner participant.ID
	scene SceneID
}

// subscription is the subscriber-side record. synced is false until a
// snapshot arrives and again while a resync is outstanding.
type subscription struct {
	handle      SubscriptionHandle
	key         subKey
	handler     EventHandler
	lastApplied uint64
	synced      bool
}

// Component is the scene-graph layer of one participant. mu is the
// framework-wide lock and guards every table below.
type Component struct {
	mu     *sync.Mutex
	self   participant.ID
	comm   comm.System
	events *serial

	scenes    map[SceneID]*localScene
	subs      map[SubscriptionHandle]*subscription
	byKey     map[subKey]*subscription
	directory map[participant.ID]map[SceneID]struct{}
	dirListen DirectoryListener

	flushesSent    uint64
	flushesApplied uint64
	resyncs        uint64
}

func New(mu *sync.Mutex, sys comm.System) *Component {
	c := &Component{
		mu:        mu,
		self:      sys.Identity().ID(),
		comm:      sys,
		events:    newSerial(),
		scenes:    make(map[SceneID]*localScene),
		subs:      make(map[SubscriptionHandle]*subscription),
		byKey:     make(map[subKey]*subscription),
		directory: make(map[participant.ID]map[SceneID]struct{}),
	}
	router := sys.Router()
	for _, t := range []uint32{
		schema.MsgScenePublished,
		schema.MsgSceneUnpublished,
		schema.MsgSceneSubscribe,
		schema.MsgSceneUnsubscribe,
		schema.MsgSceneSnapshot,
		schema.MsgSceneFlush,
		schema.MsgSceneResync,
		schema.MsgSceneUnavailable,
	} {
		router.Handle(t, c.route)
	}
	sys.Notifier().Register(c)
	return c
}

// Close stops event delivery after draining queued events.
func (c *Component) Close() {
	c.events.close()
}

func (c *Component) PublishScene(id SceneID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.scenes[id]; ok {
		return fmt.Errorf("%w: %d", ErrSceneAlreadyPublished, id)
	}
	c.scenes[id] = &localScene{id: id, subscribers: make(map[participant.ID]struct{})}
	c.announceLocked(schema.MsgScenePublished, id)
	log.Info().Uint64("scene", uint64(id)).Msg("scene published")
	return nil
}

// UnpublishScene drops the scene and tells each subscriber it is gone.
func (c *Component) UnpublishScene(id SceneID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scenes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSceneNotPublished, id)
	}
	delete(c.scenes, id)
	for sub := range s.subscribers {
		c.sendLocked(sub, schema.MsgSceneUnavailable, schema.SceneRef{SceneID: uint64(id)}.Encode())
	}
	c.announceLocked(schema.MsgSceneUnpublished, id)
	log.Info().Uint64("scene", uint64(id)).Int("subscribers", len(s.subscribers)).Msg("scene unpublished")
	return nil
}

// Flush appends actions to the scene under the next index and sends them to
// every current subscriber.
func (c *Component) Flush(id SceneID, actions []Action) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scenes[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrSceneNotPublished, id)
	}
	s.index++
	s.snapshot = append(s.snapshot, actions...)
	payload := schema.SceneUpdate{SceneID: uint64(id), FlushIndex: s.index, Actions: actions}.Encode()
	for sub := range s.subscribers {
		if err := c.sendLocked(sub, schema.MsgSceneFlush, payload); err != nil {
			log.Warn().Err(err).Uint64("scene", uint64(id)).Str("subscriber", sub.String()).Uint64("flush", s.index).Msg("scene flush not delivered")
		}
	}
	c.flushesSent++
	observability.RecordSceneFlush("owner")
	return s.index, nil
}

// ResetSnapshot replaces the accumulated action log of a scene with a
// compacted equivalent. Later subscribers and resyncs receive it.
func (c *Component) ResetSnapshot(id SceneID, actions []Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scenes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSceneNotPublished, id)
	}
	s.snapshot = append([]Action(nil), actions...)
	return nil
}

// Subscribe asks owner for scene id. handler first receives a snapshot, then
// flushes in index order, until Unsubscribe or an unavailable event.
func (c *Component) Subscribe(owner participant.ID, id SceneID, handler EventHandler) (SubscriptionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subKey{owner: owner, scene: id}
	if _, ok := c.byKey[key]; ok {
		return SubscriptionHandle{}, fmt.Errorf("%w: scene %d at %s", ErrAlreadySubscribed, id, owner)
	}
	if err := c.sendLocked(owner, schema.MsgSceneSubscribe, schema.SceneRef{SceneID: uint64(id)}.Encode()); err != nil {
		return SubscriptionHandle{}, fmt.Errorf("%w: %w", ErrSceneUnavailable, err)
	}
	sub := &subscription{handle: ulid.Make(), key: key, handler: handler}
	c.subs[sub.handle] = sub
	c.byKey[key] = sub
	log.Debug().Uint64("scene", uint64(id)).Str("owner", owner.String()).Str("handle", sub.handle.String()).Msg("scene subscribe sent")
	return sub.handle, nil
}

func (c *Component) Unsubscribe(h SubscriptionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, h)
	}
	c.dropLocked(sub)
	if err := c.sendLocked(sub.key.owner, schema.MsgSceneUnsubscribe, schema.SceneRef{SceneID: uint64(sub.key.scene)}.Encode()); err != nil {
		log.Debug().Err(err).Str("owner", sub.key.owner.String()).Msg("scene unsubscribe not delivered")
	}
	return nil
}

// DisconnectFromNetwork withdraws everything that crosses the network: remote
// subscribers are told the scenes are gone, remote subscriptions end with an
// unavailable event, and the directory is cleared. Local scenes stay
// published and are announced again on reconnect.
func (c *Component) DisconnectFromNetwork() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.scenes {
		for sub := range s.subscribers {
			if sub == c.self {
				continue
			}
			delete(s.subscribers, sub)
			c.sendLocked(sub, schema.MsgSceneUnavailable, schema.SceneRef{SceneID: uint64(id)}.Encode())
		}
		c.announceLocked(schema.MsgSceneUnpublished, id)
	}
	for _, sub := range c.subs {
		if sub.key.owner == c.self {
			continue
		}
		c.sendLocked(sub.key.owner, schema.MsgSceneUnsubscribe, schema.SceneRef{SceneID: uint64(sub.key.scene)}.Encode())
		c.unavailableLocked(sub, "disconnected from network")
	}
	for owner := range c.directory {
		c.forgetOwnerLocked(owner)
	}
}

// SetDirectoryListener installs l; nil removes it.
func (c *Component) SetDirectoryListener(l DirectoryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirListen = l
}

// Directory lists scenes announced by other participants.
func (c *Component) Directory() []DirectoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []DirectoryEntry
	for owner, scenes := range c.directory {
		for id := range scenes {
			out = append(out, DirectoryEntry{Owner: owner, SceneID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.Less(out[j].Owner)
		}
		return out[i].SceneID < out[j].SceneID
	})
	return out
}

func (c *Component) Scenes() []SceneInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SceneInfo, 0, len(c.scenes))
	for _, s := range c.scenes {
		out = append(out, SceneInfo{
			SceneID:     s.id,
			FlushIndex:  s.index,
			Actions:     len(s.snapshot),
			Subscribers: len(s.subscribers),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneID < out[j].SceneID })
	return out
}

func (c *Component) Subscriptions() []SubscriptionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, SubscriptionInfo{
			Handle:      sub.handle.String(),
			Owner:       sub.key.owner,
			SceneID:     sub.key.scene,
			LastApplied: sub.lastApplied,
			Synced:      sub.synced,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (c *Component) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	subscribers := 0
	for _, s := range c.scenes {
		subscribers += len(s.subscribers)
	}
	return Stats{
		Published:      len(c.scenes),
		Subscribers:    subscribers,
		Subscriptions:  len(c.subs),
		FlushesSent:    c.flushesSent,
		FlushesApplied: c.flushesApplied,
		Resyncs:        c.resyncs,
	}
}

func (c *Component) LogPeriodic(e *zerolog.Event) {
	s := c.Stats()
	e.Int("scenes_published", s.Published).
		Int("scene_subscribers", s.Subscribers).
		Int("scene_subscriptions", s.Subscriptions).
		Uint64("scene_resyncs", s.Resyncs)
}

// ParticipantConnected announces every local scene to the new peer.
func (c *Component) ParticipantConnected(id participant.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sceneID := range c.scenes {
		c.sendLocked(id, schema.MsgScenePublished, schema.SceneRef{SceneID: uint64(sceneID)}.Encode())
	}
}

// ParticipantDisconnected drops id's subscriptions to local scenes and ends
// every subscription rooted at id.
func (c *Component) ParticipantDisconnected(id participant.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scenes {
		delete(s.subscribers, id)
	}
	for _, sub := range c.subs {
		if sub.key.owner == id {
			c.unavailableLocked(sub, "owner disconnected")
		}
	}
	c.forgetOwnerLocked(id)
}

// sendLocked routes to a peer through comm, or through the serial executor
// when the destination is this participant. Both paths keep send order.
func (c *Component) sendLocked(to participant.ID, messageType uint32, payload []byte) error {
	if to == c.self {
		msg := comm.Message{Type: messageType, Sender: c.self, Payload: payload}
		c.events.push(func() { c.route(msg) })
		return nil
	}
	return c.comm.SendTo(to, comm.Message{Type: messageType, Payload: payload})
}

// announceLocked tells every connected peer about a local scene.
func (c *Component) announceLocked(messageType uint32, id SceneID) {
	payload := schema.SceneRef{SceneID: uint64(id)}.Encode()
	for _, peer := range c.comm.Notifier().Connected() {
		if peer == c.self {
			continue
		}
		if err := c.comm.SendTo(peer, comm.Message{Type: messageType, Payload: payload}); err != nil {
			log.Debug().Err(err).Str("peer", peer.String()).Str("type", schema.Name(messageType)).Msg("scene announcement not delivered")
		}
	}
}

func (c *Component) dropLocked(sub *subscription) {
	delete(c.subs, sub.handle)
	delete(c.byKey, sub.key)
}

// unavailableLocked ends sub and queues its final event.
func (c *Component) unavailableLocked(sub *subscription, reason string) {
	c.dropLocked(sub)
	c.emitLocked(sub, Event{
		Kind:    EventSceneUnavailable,
		SceneID: sub.key.scene,
		Err:     fmt.Errorf("%w: scene %d at %s: %s", ErrSceneUnavailable, sub.key.scene, sub.key.owner, reason),
	})
}

func (c *Component) emitLocked(sub *subscription, ev Event) {
	ev.Subscription = sub.handle
	ev.Owner = sub.key.owner
	ev.SceneID = sub.key.scene
	if sub.handler == nil {
		return
	}
	handler := sub.handler
	c.events.push(func() { handler(ev) })
}

func (c *Component) forgetOwnerLocked(owner participant.ID) {
	scenes := c.directory[owner]
	delete(c.directory, owner)
	for id := range scenes {
		c.directoryChangedLocked(owner, id, false)
	}
}

func (c *Component) directoryChangedLocked(owner participant.ID, id SceneID, available bool) {
	if l := c.dirListen; l != nil {
		c.events.push(func() { l(owner, id, available) })
	}
}
