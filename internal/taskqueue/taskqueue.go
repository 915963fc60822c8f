// Package taskqueue runs submitted work on a fixed pool of watchdog-supervised
// worker goroutines draining one shared FIFO queue.
package taskqueue

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/scenelink/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped       = errors.New("taskqueue: stopped")
	ErrWatchdogStall = errors.New("taskqueue: watchdog stall")
)

// Task is one unit of work. Panics are recovered and logged.
type Task func()

// StallReport describes a worker that stopped reporting liveness.
type StallReport struct {
	Worker int
	Silent time.Duration
	Busy   bool
}

func (r StallReport) Error() string {
	return fmt.Sprintf("%s: worker %d silent for %s (busy=%t)", ErrWatchdogStall, r.Worker, r.Silent, r.Busy)
}

func (r StallReport) Unwrap() error { return ErrWatchdogStall }

type StallHandler func(StallReport)

// WatchdogNotification receives per-worker liveness hooks, for embedding
// processes that run their own supervisor.
type WatchdogNotification interface {
	RegisterWorker(worker int)
	NotifyAlive(worker int)
	UnregisterWorker(worker int)
}

type WatchdogConfig struct {
	// Timeout is how long a worker may go without a liveness stamp. Zero
	// disables supervision.
	Timeout       time.Duration
	CheckInterval time.Duration
	OnStall       StallHandler
	Notification  WatchdogNotification
}

type Config struct {
	Workers  int
	Watchdog WatchdogConfig
}

func DefaultConfig() Config {
	return Config{
		Workers: 3,
		Watchdog: WatchdogConfig{
			Timeout:       10 * time.Second,
			CheckInterval: time.Second,
		},
	}
}

// FatalStallHandler is the production policy: a stalled worker means the
// resource and scene pipelines stopped moving, so the process exits.
func FatalStallHandler(report StallReport) {
	log.Fatal().Err(report).Int("worker", report.Worker).Msg("taskqueue watchdog stall")
}

type worker struct {
	alive    atomic.Int64
	busy     atomic.Bool
	reported atomic.Bool
}

func (w *worker) stamp(now time.Time) { w.alive.Store(now.UnixNano()) }

type Stats struct {
	Workers  int    `json:"workers"`
	Queued   int    `json:"queued"`
	Running  int64  `json:"running"`
	Executed uint64 `json:"executed"`
	Stalls   uint64 `json:"stalls"`
}

type Queue struct {
	cfg     Config
	workers []*worker

	mu      sync.Mutex
	tasks   []Task
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	running  atomic.Int64
	executed atomic.Uint64
	stalls   atomic.Uint64
}

// New starts cfg.Workers workers (at least one) and, when a timeout is set,
// the watchdog.
func New(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Watchdog.CheckInterval <= 0 {
		cfg.Watchdog.CheckInterval = time.Second
	}
	if cfg.Watchdog.OnStall == nil {
		cfg.Watchdog.OnStall = FatalStallHandler
	}
	q := &Queue{
		cfg:     cfg,
		workers: make([]*worker, cfg.Workers),
		wake:    make(chan struct{}, cfg.Workers),
		quit:    make(chan struct{}),
	}
	now := time.Now()
	for i := range q.workers {
		q.workers[i] = &worker{}
		q.workers[i].stamp(now)
	}
	q.wg.Add(cfg.Workers)
	for i := range q.workers {
		go q.work(i)
	}
	if cfg.Watchdog.Timeout > 0 {
		q.wg.Add(1)
		go q.watch()
	}
	log.Debug().Int("workers", cfg.Workers).Dur("watchdog_timeout", cfg.Watchdog.Timeout).Msg("taskqueue started")
	return q
}

// Submit appends t to the queue without blocking.
func (q *Queue) Submit(t Task) error {
	if t == nil {
		return nil
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop rejects new tasks, lets workers drain what is queued, then waits for
// them and the watchdog to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.quit)
	})
	q.wg.Wait()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued := len(q.tasks)
	q.mu.Unlock()
	return Stats{
		Workers:  len(q.workers),
		Queued:   queued,
		Running:  q.running.Load(),
		Executed: q.executed.Load(),
		Stalls:   q.stalls.Load(),
	}
}

func (q *Queue) LogPeriodic(e *zerolog.Event) {
	s := q.Stats()
	e.Int("tasks_queued", s.Queued).
		Int64("tasks_running", s.Running).
		Uint64("tasks_executed", s.Executed)
}

func (q *Queue) take() (Task, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false, q.stopped
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t, true, q.stopped
}

func (q *Queue) work(id int) {
	defer q.wg.Done()
	w := q.workers[id]
	notify := q.cfg.Watchdog.Notification
	if notify != nil {
		notify.RegisterWorker(id)
		defer notify.UnregisterWorker(id)
	}

	idle := time.NewTicker(max(q.cfg.Watchdog.CheckInterval/2, time.Millisecond))
	defer idle.Stop()
	for {
		w.stamp(time.Now())
		if notify != nil {
			notify.NotifyAlive(id)
		}
		t, ok, stopped := q.take()
		if ok {
			q.run(id, w, t)
			continue
		}
		if stopped {
			return
		}
		select {
		case <-q.wake:
		case <-q.quit:
		case <-idle.C:
		}
	}
}

func (q *Queue) run(id int, w *worker, t Task) {
	w.busy.Store(true)
	q.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("taskqueue task panicked")
		}
		q.running.Add(-1)
		w.busy.Store(false)
		q.executed.Add(1)
		observability.RecordTaskExecuted()
	}()
	t()
}

func (q *Queue) watch() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.Watchdog.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.quit:
			return
		case now := <-ticker.C:
			q.check(now)
		}
	}
}

// check reports each stall once; a worker that stamps again is re-armed.
func (q *Queue) check(now time.Time) {
	for id, w := range q.workers {
		silent := now.Sub(time.Unix(0, w.alive.Load()))
		if silent <= q.cfg.Watchdog.Timeout {
			w.reported.Store(false)
			continue
		}
		if w.reported.Swap(true) {
			continue
		}
		q.stalls.Add(1)
		observability.RecordWatchdogStall()
		q.cfg.Watchdog.OnStall(StallReport{Worker: id, Silent: silent, Busy: w.busy.Load()})
	}
}
