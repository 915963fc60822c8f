package comm

import (
	"sync"

	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// Message is one framed payload exchanged between participants. Payload
// schemas belong to the layer that registered the message type.
type Message struct {
	Type      uint32
	Sender    participant.ID
	MessageID uint64
	Payload   []byte
}

// Handler consumes inbound messages. Messages from one sender are delivered
// sequentially in send order.
type Handler func(Message)

// Router dispatches inbound messages by type.
type Router struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[uint32]Handler)}
}

// Handle registers h for messageType, replacing any previous handler.
func (r *Router) Handle(messageType uint32, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, messageType)
		return
	}
	r.handlers[messageType] = h
}

// Dispatch runs the handler for msg.Type; reports false when none is registered.
func (r *Router) Dispatch(msg Message) bool {
	r.mu.RLock()
	h := r.handlers[msg.Type]
	r.mu.RUnlock()
	if h == nil {
		log.Debug().
			Str("message", schema.Name(msg.Type)).
			Str("sender", msg.Sender.String()).
			Msg("comm.Router drop unhandled message")
		return false
	}
	h(msg)
	return true
}
