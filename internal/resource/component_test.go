package resource

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/protocol/schema"
	"github.com/danmuck/scenelink/internal/taskqueue"
	"github.com/danmuck/scenelink/internal/testutil/testlog"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
	mib     = 1024 * 1024
)

type node struct {
	sys   comm.System
	tasks *taskqueue.Queue
	comp  *Component
}

func newSystem(t *testing.T, hub *comm.Hub, name string) comm.System {
	t.Helper()
	return newSystemLimited(t, hub, name, 0)
}

// newSystemLimited overrides the payload limit when maxPayload is non-zero.
func newSystemLimited(t *testing.T, hub *comm.Hub, name string, maxPayload uint64) comm.System {
	t.Helper()
	cfg := comm.DefaultConfig()
	cfg.Kind = comm.KindLoopback
	if maxPayload > 0 {
		cfg.MaxPayloadBytes = maxPayload
	}
	self, err := participant.NewIdentity(participant.NewID(), name)
	require.NoError(t, err)
	sys, err := comm.New(cfg, self, hub)
	require.NoError(t, err)
	return sys
}

func newNode(t *testing.T, hub *comm.Hub, name string, budget uint64) *node {
	t.Helper()
	return newLimitedNode(t, hub, name, budget, 0, nil)
}

func newLimitedNode(t *testing.T, hub *comm.Hub, name string, budget, maxPayload uint64, store Store) *node {
	t.Helper()
	sys := newSystemLimited(t, hub, name, maxPayload)
	tasks := taskqueue.New(taskqueue.Config{Workers: 2})
	comp := New(&sync.Mutex{}, sys, tasks, store, Config{MaxBytesInFlight: budget})
	t.Cleanup(func() {
		sys.DisconnectServices()
		tasks.Stop()
	})
	return &node{sys: sys, tasks: tasks, comp: comp}
}

func connect(t *testing.T, systems ...comm.System) {
	t.Helper()
	for _, s := range systems {
		require.NoError(t, s.ConnectServices(context.Background()))
	}
	require.Eventually(t, func() bool {
		for _, a := range systems {
			for _, b := range systems {
				if a != b && a.State(b.Identity().ID()) != comm.StateConnected {
					return false
				}
			}
		}
		return true
	}, waitFor, tick)
}

// fakeOwner records resource requests and answers only when told to.
type fakeOwner struct {
	sys      comm.System
	mu       sync.Mutex
	requests []cid.Cid
}

func newFakeOwner(t *testing.T, hub *comm.Hub) *fakeOwner {
	t.Helper()
	o := &fakeOwner{sys: newSystem(t, hub, "owner_LOOPBACK")}
	o.sys.Router().Handle(schema.MsgResourceRequest, func(msg comm.Message) {
		ref, err := schema.DecodeResourceRef(msg.Type, msg.Payload)
		if err != nil {
			return
		}
		id, err := cid.Cast(ref.Hash)
		if err != nil {
			return
		}
		o.mu.Lock()
		o.requests = append(o.requests, id)
		o.mu.Unlock()
	})
	t.Cleanup(o.sys.DisconnectServices)
	return o
}

func (o *fakeOwner) seen() []cid.Cid {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]cid.Cid(nil), o.requests...)
}

func (o *fakeOwner) answer(t *testing.T, to participant.ID, hash cid.Cid, data []byte) {
	t.Helper()
	require.NoError(t, o.sys.SendTo(to, comm.Message{
		Type:    schema.MsgResourceResponse,
		Payload: schema.ResourceData{Hash: hash.Bytes(), Data: data}.Encode(),
	}))
}

func (o *fakeOwner) handle(t *testing.T, data []byte) Handle {
	t.Helper()
	h, err := NewHandle(data, o.sys.Identity().ID())
	require.NoError(t, err)
	return h
}

type results struct {
	mu  sync.Mutex
	got []Result
}

func (r *results) cb(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *results) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *results) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.got...)
}

func TestBudgetQueuesFetchesInArrivalOrder(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	owner := newFakeOwner(t, hub)
	consumer := newNode(t, hub, "consumer_LOOPBACK", 15*mib)
	connect(t, owner.sys, consumer.sys)

	first := bytes.Repeat([]byte{0xA1}, 10*mib)
	second := bytes.Repeat([]byte{0xB2}, 10*mib)
	hFirst := owner.handle(t, first)
	hSecond := owner.handle(t, second)

	var r1, r2, r3 results
	consumer.comp.Request(hFirst, r1.cb)
	consumer.comp.Request(hFirst, r2.cb)
	consumer.comp.Request(hSecond, r3.cb)

	require.Eventually(t, func() bool { return len(owner.seen()) == 1 }, waitFor, tick)
	require.True(t, owner.seen()[0].Equals(hFirst.Hash))

	stats := consumer.comp.Stats()
	require.Equal(t, uint64(10*mib), stats.BytesInFlight)
	require.Equal(t, 1, stats.InFlight)
	require.Equal(t, 1, stats.Queued)
	status, ok := consumer.comp.Status(hSecond.Hash)
	require.True(t, ok)
	require.Equal(t, StatusQueued, status)

	owner.answer(t, consumer.sys.Identity().ID(), hFirst.Hash, first)

	require.Eventually(t, func() bool { return r1.len() == 1 && r2.len() == 1 }, waitFor, tick)
	for _, res := range append(r1.all(), r2.all()...) {
		require.NoError(t, res.Err)
		require.Equal(t, first, res.Data)
	}
	require.Eventually(t, func() bool { return len(owner.seen()) == 2 }, waitFor, tick)
	require.True(t, owner.seen()[1].Equals(hSecond.Hash))
	require.Zero(t, r3.len())

	owner.answer(t, consumer.sys.Identity().ID(), hSecond.Hash, second)
	require.Eventually(t, func() bool { return r3.len() == 1 }, waitFor, tick)
	require.NoError(t, r3.all()[0].Err)

	stats = consumer.comp.Stats()
	require.Zero(t, stats.BytesInFlight)
	require.Zero(t, stats.Queued)
	require.Equal(t, uint64(2), stats.Completed)
	_, cached := consumer.comp.Loaded(hFirst.Hash)
	require.True(t, cached)
}

func TestOversizedResourceFailsImmediately(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	owner := newFakeOwner(t, hub)
	consumer := newNode(t, hub, "consumer_LOOPBACK", 1024)
	connect(t, owner.sys, consumer.sys)

	big := owner.handle(t, bytes.Repeat([]byte{1}, 4096))
	small := owner.handle(t, []byte("small"))

	var rBig, rSmall results
	consumer.comp.Request(big, rBig.cb)
	consumer.comp.Request(small, rSmall.cb)

	require.Eventually(t, func() bool { return rBig.len() == 1 }, waitFor, tick)
	require.ErrorIs(t, rBig.all()[0].Err, ErrResourceTooLarge)
	require.Eventually(t, func() bool { return len(owner.seen()) == 1 }, waitFor, tick)
	require.True(t, owner.seen()[0].Equals(small.Hash))

	stats := consumer.comp.Stats()
	require.Equal(t, uint64(5), stats.BytesInFlight)
	require.Equal(t, uint64(1), stats.Failed)
	_, tracked := consumer.comp.Status(big.Hash)
	require.False(t, tracked)
}

func TestPayloadLimitNeverStrandsAFetch(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	data := bytes.Repeat([]byte{7}, 2000)

	// The owner holds bytes it cannot send in one payload.
	store := NewMemoryStore()
	_, err := store.Put(data)
	require.NoError(t, err)
	owner := newLimitedNode(t, hub, "owner_LOOPBACK", mib, 1024, store)
	consumer := newNode(t, hub, "consumer_LOOPBACK", mib)
	limited := newLimitedNode(t, hub, "limited_LOOPBACK", mib, 1024, nil)
	connect(t, owner.sys, consumer.sys, limited.sys)

	_, err = owner.comp.Provide(data)
	require.ErrorIs(t, err, ErrResourceTooLarge)

	h, err := NewHandle(data, owner.sys.Identity().ID())
	require.NoError(t, err)

	var r results
	consumer.comp.Request(h, r.cb)
	require.Eventually(t, func() bool { return r.len() == 1 }, waitFor, tick)
	require.ErrorIs(t, r.all()[0].Err, ErrResourceNotFound)
	stats := consumer.comp.Stats()
	require.Zero(t, stats.BytesInFlight)
	require.Zero(t, stats.InFlight)
	require.Equal(t, uint64(1), stats.Failed)

	var rl results
	limited.comp.Request(h, rl.cb)
	require.Eventually(t, func() bool { return rl.len() == 1 }, waitFor, tick)
	require.ErrorIs(t, rl.all()[0].Err, ErrResourceTooLarge)
	require.Zero(t, limited.comp.Stats().InFlight)
	require.Zero(t, owner.comp.Stats().RequestsServed)
}

func TestOwnerDisconnectFailsPendingFetches(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	owner := newFakeOwner(t, hub)
	consumer := newNode(t, hub, "consumer_LOOPBACK", 10)
	connect(t, owner.sys, consumer.sys)

	inFlight := owner.handle(t, []byte("in flight"))
	queued := owner.handle(t, []byte("queued"))
	var r results
	consumer.comp.Request(inFlight, r.cb)
	consumer.comp.Request(queued, r.cb)
	require.Eventually(t, func() bool { return len(owner.seen()) == 1 }, waitFor, tick)

	owner.sys.DisconnectServices()

	require.Eventually(t, func() bool { return r.len() == 2 }, waitFor, tick)
	for _, res := range r.all() {
		require.ErrorIs(t, res.Err, ErrRemoteUnavailable)
	}
	stats := consumer.comp.Stats()
	require.Zero(t, stats.InFlight)
	require.Zero(t, stats.Queued)
	require.Zero(t, stats.BytesInFlight)
	require.Equal(t, uint64(2), stats.Failed)
}

func TestCorruptResponseIsRejected(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	owner := newFakeOwner(t, hub)
	consumer := newNode(t, hub, "consumer_LOOPBACK", mib)
	connect(t, owner.sys, consumer.sys)

	h := owner.handle(t, []byte("genuine"))
	var r results
	consumer.comp.Request(h, r.cb)
	require.Eventually(t, func() bool { return len(owner.seen()) == 1 }, waitFor, tick)

	owner.answer(t, consumer.sys.Identity().ID(), h.Hash, []byte("tainted"))

	require.Eventually(t, func() bool { return r.len() == 1 }, waitFor, tick)
	require.ErrorIs(t, r.all()[0].Err, ErrCorruptResource)
	_, cached := consumer.comp.Loaded(h.Hash)
	require.False(t, cached)
}

func TestCancelQueuedAndInFlight(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	owner := newFakeOwner(t, hub)
	consumer := newNode(t, hub, "consumer_LOOPBACK", 8)
	connect(t, owner.sys, consumer.sys)

	firstData := []byte("first!!")
	first := owner.handle(t, firstData)
	second := owner.handle(t, []byte("second!"))
	third := owner.handle(t, []byte("third!!"))

	var rFirst, rSecond, rThird results
	tFirst := consumer.comp.Request(first, rFirst.cb)
	tSecond := consumer.comp.Request(second, rSecond.cb)
	consumer.comp.Request(third, rThird.cb)
	require.Eventually(t, func() bool { return len(owner.seen()) == 1 }, waitFor, tick)

	require.True(t, consumer.comp.Cancel(tSecond))
	require.False(t, consumer.comp.Cancel(tSecond))
	require.Equal(t, 1, consumer.comp.Stats().Queued)

	require.True(t, consumer.comp.Cancel(tFirst))
	status, ok := consumer.comp.Status(first.Hash)
	require.True(t, ok)
	require.Equal(t, StatusInFlight, status)

	owner.answer(t, consumer.sys.Identity().ID(), first.Hash, firstData)

	require.Eventually(t, func() bool {
		_, ok := consumer.comp.Loaded(first.Hash)
		return ok
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(owner.seen()) == 2 }, waitFor, tick)
	require.True(t, owner.seen()[1].Equals(third.Hash))
	require.Never(t, func() bool { return rFirst.len()+rSecond.len() > 0 }, 100*time.Millisecond, tick)
}

func TestLocalHandlesCompleteWithoutNetwork(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, comm.NewHub(), "solo_LOOPBACK", mib)

	data := []byte("local mesh")
	h, err := n.comp.Provide(data)
	require.NoError(t, err)
	require.Equal(t, n.sys.Identity().ID(), h.Owner)

	var r results
	n.comp.Request(h, r.cb)
	require.Eventually(t, func() bool { return r.len() == 1 }, waitFor, tick)
	require.NoError(t, r.all()[0].Err)
	require.Equal(t, data, r.all()[0].Data)

	n.comp.Release(h.Hash)
	n.comp.Request(h, r.cb)
	require.Eventually(t, func() bool { return r.len() == 2 }, waitFor, tick)
	require.ErrorIs(t, r.all()[1].Err, ErrResourceNotFound)

	n.comp.Request(Handle{}, r.cb)
	require.Eventually(t, func() bool { return r.len() == 3 }, waitFor, tick)
	require.ErrorIs(t, r.all()[2].Err, ErrInvalidHandle)
}

func TestFetchFromServingPeer(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	producer := newNode(t, hub, "producer_LOOPBACK", mib)
	renderer := newNode(t, hub, "renderer_LOOPBACK", mib)
	connect(t, producer.sys, renderer.sys)

	texture := bytes.Repeat([]byte("rgba"), 1024)
	h, err := producer.comp.Provide(texture)
	require.NoError(t, err)

	var r results
	renderer.comp.Request(h, r.cb)
	require.Eventually(t, func() bool { return r.len() == 1 }, waitFor, tick)
	require.NoError(t, r.all()[0].Err)
	require.Equal(t, texture, r.all()[0].Data)
	require.Eventually(t, func() bool { return producer.comp.Stats().RequestsServed == 1 }, waitFor, tick)

	producer.comp.Release(h.Hash)
	renderer.comp.Release(h.Hash)
	renderer.comp.Request(h, r.cb)
	require.Eventually(t, func() bool { return r.len() == 2 }, waitFor, tick)
	require.ErrorIs(t, r.all()[1].Err, ErrResourceNotFound)
}

// lateStore misses the first Get, as if a fetch finished right after it.
type lateStore struct {
	*MemoryStore
	mu     sync.Mutex
	missed bool
}

func (s *lateStore) Get(id cid.Cid) ([]byte, error) {
	s.mu.Lock()
	miss := !s.missed
	s.missed = true
	s.mu.Unlock()
	if miss {
		return nil, ErrNotFound
	}
	return s.MemoryStore.Get(id)
}

func TestRequestRechecksStoreBeforeFetching(t *testing.T) {
	testlog.Start(t)
	hub := comm.NewHub()
	owner := newFakeOwner(t, hub)
	store := &lateStore{MemoryStore: NewMemoryStore()}
	consumer := newLimitedNode(t, hub, "consumer_LOOPBACK", mib, 0, store)
	connect(t, owner.sys, consumer.sys)

	data := []byte("arrived meanwhile")
	h := owner.handle(t, data)
	_, err := store.MemoryStore.Put(data)
	require.NoError(t, err)

	var r results
	consumer.comp.Request(h, r.cb)
	require.Eventually(t, func() bool { return r.len() == 1 }, waitFor, tick)
	require.NoError(t, r.all()[0].Err)
	require.Equal(t, data, r.all()[0].Data)
	require.Empty(t, owner.seen())
	require.Zero(t, consumer.comp.Stats().BytesInFlight)
}

func TestHashIsContentAddressed(t *testing.T) {
	a, err := NewHandle([]byte("same"), participant.NewID())
	require.NoError(t, err)
	b, err := NewHandle([]byte("same"), participant.NewID())
	require.NoError(t, err)
	require.True(t, a.Hash.Equals(b.Hash))
	require.Equal(t, uint64(cid.Raw), a.Hash.Prefix().Codec)
	require.NoError(t, verify(a, []byte("same")))
	require.ErrorIs(t, verify(a, []byte("diff")), ErrCorruptResource)
	require.ErrorIs(t, verify(a, []byte("longer")), ErrCorruptResource)
}
