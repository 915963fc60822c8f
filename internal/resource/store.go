package resource

import (
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
)

var (
	ErrNotFound   = errors.New("resource: not found in store")
	ErrInvalidCID = errors.New("resource: invalid cid")
)

// Store is the local content-addressed store holding provided and fetched
// resources.
//
// Contract:
//   - Put is idempotent and returns the CID derived from the bytes.
//   - Stored objects are immutable.
//   - Get returns ErrNotFound when the CID is absent. Returned bytes are shared
//     and must not be modified.
type Store interface {
	Put(data []byte) (cid.Cid, error)
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
	Delete(id cid.Cid)
	Len() int
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(data []byte) (cid.Cid, error) {
	id, err := Hash(data)
	if err != nil {
		return cid.Undef, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id.KeyString()]; !ok {
		s.objects[id.KeyString()] = append([]byte(nil), data...)
	}
	return id, nil
}

func (s *MemoryStore) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[id.KeyString()]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *MemoryStore) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id.KeyString()]
	return ok
}

func (s *MemoryStore) Delete(id cid.Cid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id.KeyString())
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
