package scenegraph

import (
	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/observability"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// route handles one inbound scene message. Remote messages arrive on the
// sender's dispatch goroutine, self-addressed ones on the serial executor.
func (c *Component) route(msg comm.Message) {
	switch msg.Type {
	case schema.MsgScenePublished, schema.MsgSceneUnpublished:
		c.onAnnouncement(msg)
	case schema.MsgSceneSubscribe, schema.MsgSceneResync:
		c.onSnapshotWanted(msg)
	case schema.MsgSceneUnsubscribe:
		c.onUnsubscribe(msg)
	case schema.MsgSceneSnapshot:
		c.onSnapshot(msg)
	case schema.MsgSceneFlush:
		c.onFlush(msg)
	case schema.MsgSceneUnavailable:
		c.onUnavailable(msg)
	}
}

func decodeFailed(msg comm.Message, err error) {
	log.Warn().Err(err).Str("sender", msg.Sender.String()).Str("type", schema.Name(msg.Type)).Msg("scene message dropped")
}

func (c *Component) onAnnouncement(msg comm.Message) {
	ref, err := schema.DecodeSceneRef(msg.Type, msg.Payload)
	if err != nil {
		decodeFailed(msg, err)
		return
	}
	if msg.Sender == c.self {
		return
	}
	id := SceneID(ref.SceneID)
	c.mu.Lock()
	defer c.mu.Unlock()
	scenes := c.directory[msg.Sender]
	if msg.Type == schema.MsgScenePublished {
		if scenes == nil {
			scenes = make(map[SceneID]struct{})
			c.directory[msg.Sender] = scenes
		}
		if _, ok := scenes[id]; !ok {
			scenes[id] = struct{}{}
			c.directoryChangedLocked(msg.Sender, id, true)
		}
		return
	}
	if _, ok := scenes[id]; ok {
		delete(scenes, id)
		if len(scenes) == 0 {
			delete(c.directory, msg.Sender)
		}
		c.directoryChangedLocked(msg.Sender, id, false)
	}
}

// onSnapshotWanted answers a subscribe or resync with the current snapshot,
// or with unavailable when the scene is not published here.
func (c *Component) onSnapshotWanted(msg comm.Message) {
	var sceneID uint64
	if msg.Type == schema.MsgSceneResync {
		req, err := schema.DecodeSceneResync(msg.Payload)
		if err != nil {
			decodeFailed(msg, err)
			return
		}
		sceneID = req.SceneID
		log.Info().Uint64("scene", sceneID).Uint64("last_applied", req.LastApplied).Str("subscriber", msg.Sender.String()).Msg("scene resync requested")
	} else {
		ref, err := schema.DecodeSceneRef(msg.Type, msg.Payload)
		if err != nil {
			decodeFailed(msg, err)
			return
		}
		sceneID = ref.SceneID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scenes[SceneID(sceneID)]
	if !ok {
		c.sendLocked(msg.Sender, schema.MsgSceneUnavailable, schema.SceneRef{SceneID: sceneID}.Encode())
		return
	}
	if msg.Type == schema.MsgSceneResync {
		if _, subscribed := s.subscribers[msg.Sender]; !subscribed {
			c.sendLocked(msg.Sender, schema.MsgSceneUnavailable, schema.SceneRef{SceneID: sceneID}.Encode())
			return
		}
	}
	snap := schema.SceneUpdate{SceneID: sceneID, FlushIndex: s.index, Actions: s.snapshot}.Encode()
	if err := c.sendLocked(msg.Sender, schema.MsgSceneSnapshot, snap); err != nil {
		// A subscriber without a snapshot would drop every later flush.
		delete(s.subscribers, msg.Sender)
		log.Warn().Err(err).Uint64("scene", sceneID).Str("subscriber", msg.Sender.String()).Int("actions", len(s.snapshot)).Msg("scene snapshot not delivered, ending subscription")
		if err := c.sendLocked(msg.Sender, schema.MsgSceneUnavailable, schema.SceneRef{SceneID: sceneID}.Encode()); err != nil {
			log.Debug().Err(err).Str("subscriber", msg.Sender.String()).Msg("scene unavailable not delivered")
		}
		return
	}
	s.subscribers[msg.Sender] = struct{}{}
}

func (c *Component) onUnsubscribe(msg comm.Message) {
	ref, err := schema.DecodeSceneRef(msg.Type, msg.Payload)
	if err != nil {
		decodeFailed(msg, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scenes[SceneID(ref.SceneID)]; ok {
		delete(s.subscribers, msg.Sender)
	}
}

func (c *Component) lookupLocked(owner participant.ID, id uint64) *subscription {
	return c.byKey[subKey{owner: owner, scene: SceneID(id)}]
}

func (c *Component) onSnapshot(msg comm.Message) {
	u, err := schema.DecodeSceneUpdate(msg.Type, msg.Payload)
	if err != nil {
		decodeFailed(msg, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.lookupLocked(msg.Sender, u.SceneID)
	if sub == nil {
		return
	}
	// A late snapshot older than what was applied is stale.
	if sub.synced && u.FlushIndex < sub.lastApplied {
		return
	}
	sub.synced = true
	sub.lastApplied = u.FlushIndex
	c.emitLocked(sub, Event{Kind: EventSnapshot, FlushIndex: u.FlushIndex, Actions: u.Actions})
}

func (c *Component) onFlush(msg comm.Message) {
	u, err := schema.DecodeSceneUpdate(msg.Type, msg.Payload)
	if err != nil {
		decodeFailed(msg, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.lookupLocked(msg.Sender, u.SceneID)
	if sub == nil || !sub.synced {
		return
	}
	switch {
	case u.FlushIndex <= sub.lastApplied:
		log.Debug().Uint64("scene", u.SceneID).Uint64("flush", u.FlushIndex).Uint64("last_applied", sub.lastApplied).Msg("scene flush stale")
	case u.FlushIndex == sub.lastApplied+1:
		sub.lastApplied = u.FlushIndex
		c.flushesApplied++
		observability.RecordSceneFlush("subscriber")
		c.emitLocked(sub, Event{Kind: EventFlush, FlushIndex: u.FlushIndex, Actions: u.Actions})
	default:
		sub.synced = false
		c.resyncs++
		observability.RecordSceneResync()
		log.Info().
			Uint64("scene", u.SceneID).
			Uint64("flush", u.FlushIndex).
			Uint64("last_applied", sub.lastApplied).
			Msg("scene flush gap, requesting snapshot")
		req := schema.SceneResync{SceneID: u.SceneID, LastApplied: sub.lastApplied}.Encode()
		if err := c.sendLocked(msg.Sender, schema.MsgSceneResync, req); err != nil {
			log.Warn().Err(err).Uint64("scene", u.SceneID).Msg("scene resync not delivered, ending subscription")
			ref := schema.SceneRef{SceneID: u.SceneID}.Encode()
			if err := c.sendLocked(msg.Sender, schema.MsgSceneUnsubscribe, ref); err != nil {
				log.Debug().Err(err).Str("owner", msg.Sender.String()).Msg("scene unsubscribe not delivered")
			}
			c.unavailableLocked(sub, "resync not delivered")
		}
	}
}

func (c *Component) onUnavailable(msg comm.Message) {
	ref, err := schema.DecodeSceneRef(msg.Type, msg.Payload)
	if err != nil {
		decodeFailed(msg, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub := c.lookupLocked(msg.Sender, ref.SceneID); sub != nil {
		c.unavailableLocked(sub, "withdrawn by owner")
	}
}
