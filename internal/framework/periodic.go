package framework

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PeriodicLogSupplier adds its current statistics to a periodic log line.
type PeriodicLogSupplier interface {
	LogPeriodic(e *zerolog.Event)
}

// PeriodicLogger pulls every registered supplier on a fixed interval and
// emits one structured line. A zero interval disables the schedule; LogNow
// still works.
type PeriodicLogger struct {
	logger   zerolog.Logger
	interval time.Duration

	mu        sync.Mutex
	suppliers map[string]PeriodicLogSupplier
	quit      chan struct{}
	done      chan struct{}
}

func NewPeriodicLogger(logger zerolog.Logger, interval time.Duration) *PeriodicLogger {
	return &PeriodicLogger{
		logger:    logger,
		interval:  interval,
		suppliers: make(map[string]PeriodicLogSupplier),
	}
}

func (p *PeriodicLogger) Register(name string, s PeriodicLogSupplier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppliers[name] = s
}

func (p *PeriodicLogger) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.suppliers, name)
}

func (p *PeriodicLogger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interval <= 0 || p.quit != nil {
		return
	}
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.quit, p.done)
}

func (p *PeriodicLogger) Stop() {
	p.mu.Lock()
	quit, done := p.quit, p.done
	p.quit, p.done = nil, nil
	p.mu.Unlock()
	if quit == nil {
		return
	}
	close(quit)
	<-done
}

// LogNow emits one line with every supplier, in name order.
func (p *PeriodicLogger) LogNow() {
	p.mu.Lock()
	names := make([]string, 0, len(p.suppliers))
	for name := range p.suppliers {
		names = append(names, name)
	}
	sort.Strings(names)
	suppliers := make([]PeriodicLogSupplier, len(names))
	for i, name := range names {
		suppliers[i] = p.suppliers[name]
	}
	p.mu.Unlock()

	e := p.logger.Info()
	for _, s := range suppliers {
		s.LogPeriodic(e)
	}
	e.Msg("periodic statistics")
}

func (p *PeriodicLogger) loop(quit, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			p.LogNow()
		}
	}
}
