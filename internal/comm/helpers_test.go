package comm

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/scenelink/internal/participant"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T, name string) participant.Identity {
	t.Helper()
	id, err := participant.NewIdentity(participant.NewID(), name)
	require.NoError(t, err)
	return id
}

// recorder collects connection events and inbound messages.
type recorder struct {
	mu       sync.Mutex
	events   []string
	messages []Message
}

func (r *recorder) ParticipantConnected(id participant.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "+"+id.String())
}

func (r *recorder) ParticipantDisconnected(id participant.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "-"+id.String())
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) snapshotEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) snapshotMessages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.snapshotEvents() {
		if e == event {
			n++
		}
	}
	return n
}

const (
	testMsgType uint32 = 9001
	waitFor            = 5 * time.Second
	tick               = 10 * time.Millisecond
)

func attach(t *testing.T, sys System) *recorder {
	t.Helper()
	rec := &recorder{}
	sys.Notifier().Register(rec)
	sys.Router().Handle(testMsgType, rec.handle)
	return rec
}

func connected(a, b System) func() bool {
	return func() bool {
		return a.State(b.Identity().ID()) == StateConnected && b.State(a.Identity().ID()) == StateConnected
	}
}
