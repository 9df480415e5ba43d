package dispatch

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/internal/oscpeerlog"
)

// scheduledEntry is one bundle waiting for its fire time, §3 "Scheduled
// bundle entry". fireAt is a monotonic deadline computed once at schedule
// time, per the design note in spec.md §9 ("convert ... to monotonic
// deltas at the moment of scheduling, not at dispatch").
type scheduledEntry struct {
	fireAt  time.Time
	payload *osc.Bundle
	seq     uint64
}

// bundleHeap is a min-heap ordered by fireAt, ties broken by insertion
// order (seq), giving FIFO semantics within equal fire times.
type bundleHeap []*scheduledEntry

func (h bundleHeap) Len() int { return len(h) }
func (h bundleHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h bundleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *bundleHeap) Push(x any)   { *h = append(*h, x.(*scheduledEntry)) }
func (h *bundleHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// scheduler is a single background worker that fires bundles at their
// timetag. It is lazy: the worker goroutine is only started by start(),
// which Dispatcher calls the first time a bundle needs scheduling.
//
// The heap and a condition variable are guarded by the same mutex, so a
// schedule() or stop() can only run while run() has released the lock,
// either inside cond.Wait() or while firing a bundle (after which run()
// re-checks the heap) — there is no window in which a wakeup can be missed.
type scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    bundleHeap
	nextSeq uint64
	running bool
	stop_   bool
	stopped chan struct{}
	deliver func(*osc.Bundle)
	log     *slog.Logger
}

func newScheduler(logBase *slog.Logger, deliver func(*osc.Bundle)) *scheduler {
	s := &scheduler{
		deliver: deliver,
		log:     oscpeerlog.For(logBase, oscpeerlog.Scheduler),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// schedule inserts entry into the heap and wakes the worker.
func (s *scheduler) schedule(payload *osc.Bundle, fireAt time.Time) {
	s.mu.Lock()
	s.nextSeq++
	heap.Push(&s.heap, &scheduledEntry{fireAt: fireAt, payload: payload, seq: s.nextSeq})
	s.mu.Unlock()
	s.cond.Broadcast()
}

// start launches the worker goroutine if it is not already running. It is
// idempotent.
func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop_ = false
	s.stopped = make(chan struct{})
	go s.run(s.stopped)
}

// stop signals the worker to exit and waits for it to do so. Any entries
// remaining in the heap are discarded. It is idempotent.
func (s *scheduler) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stop_ = true
	s.heap = nil
	stopped := s.stopped
	s.mu.Unlock()

	s.cond.Broadcast()
	<-stopped
}

// run is the worker loop described in spec.md §4.5.
func (s *scheduler) run(stopped chan struct{}) {
	defer close(stopped)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.stop_ {
			return
		}
		if len(s.heap) == 0 {
			s.cond.Wait()
			continue
		}
		top := s.heap[0]
		now := time.Now()
		if !top.fireAt.After(now) {
			heap.Pop(&s.heap)
			s.mu.Unlock()
			s.fire(top.payload)
			s.mu.Lock()
			continue
		}

		wait := top.fireAt.Sub(now)
		timer := time.AfterFunc(wait, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
	}
}

// fire dispatches a bundle outside the heap lock. A panicking dispatch is
// caught and logged so the worker survives to process the next entry.
func (s *scheduler) fire(b *osc.Bundle) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled bundle dispatch panicked", slog.Any("recovered", r))
		}
	}()
	s.deliver(b)
}
