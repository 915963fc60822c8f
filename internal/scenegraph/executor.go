package scenegraph

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// serial runs pushed funcs one at a time in push order on its own goroutine.
// Event handlers and self-addressed protocol messages go through it so they
// never run under the framework lock and keep per-scene order.
type serial struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newSerial() *serial {
	s := &serial{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *serial) push(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close runs what is already queued, then stops.
func (s *serial) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}

func (s *serial) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, fn := range batch {
			s.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.quit:
			s.mu.Lock()
			rest := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, fn := range rest {
				s.run(fn)
			}
			return
		}
	}
}

func (s *serial) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("scenegraph event handler panicked")
		}
	}()
	fn()
}
