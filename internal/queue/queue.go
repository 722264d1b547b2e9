// Package queue provides the bounded priority queue that runs trained artifacts
// through the discovery analyzer with a fixed worker pool, per-call timeouts
// and delayed retries.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/events"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var (
	// ErrQueueFull is returned by Enqueue when non-terminal items reach capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrNoDiscovery is recorded when an analyzer returns neither a result nor an error.
	ErrNoDiscovery = errors.New("analyzer returned no discovery")
)

// Analyzer names and categorizes a trained artifact. Implementations may block
// and must honour context cancellation.
type Analyzer interface {
	Discover(ctx context.Context, artifact blackboard.Artifact, provenance blackboard.Provenance) (*blackboard.Discovery, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, artifact blackboard.Artifact, provenance blackboard.Provenance) (*blackboard.Discovery, error)

// Discover calls f.
func (f AnalyzerFunc) Discover(ctx context.Context, artifact blackboard.Artifact, provenance blackboard.Provenance) (*blackboard.Discovery, error) {
	return f(ctx, artifact, provenance)
}

// Stats is a point-in-time count of items by status.
type Stats struct {
	Capacity   int `json:"capacity"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type entry struct {
	item  blackboard.QueueItem
	seq   uint64
	index int // position in the ready heap, -1 when not queued
}

// readyHeap orders pending entries by descending priority, then enqueue order.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the processing queue. Items it holds are owned by it exclusively;
// callers only ever see copies.
type Queue struct {
	cfg      config.QueueConfig
	analyzer Analyzer
	emitter  events.Emitter
	clock    clock.Clock
	sem      *semaphore.Weighted
	wake     chan struct{}

	mu        sync.Mutex
	items     map[string]*entry
	ready     readyHeap
	seq       uint64
	archived  Stats // counts of pruned items
	observers []func(blackboard.QueueItem)
}

// New creates a queue. The in-flight ceiling is the smaller of workers and max_concurrent.
func New(cfg config.QueueConfig, analyzer Analyzer, emitter events.Emitter, clk clock.Clock) *Queue {
	if emitter == nil {
		emitter = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	ceiling := cfg.MaxConcurrent
	if ceiling < 1 || ceiling > workers {
		ceiling = workers
	}

	return &Queue{
		cfg:      cfg,
		analyzer: analyzer,
		emitter:  emitter,
		clock:    clk,
		sem:      semaphore.NewWeighted(int64(ceiling)),
		wake:     make(chan struct{}, workers),
		items:    make(map[string]*entry),
	}
}

// OnCompleted registers a callback invoked with every completed item. Callbacks
// run on worker goroutines and should return quickly.
func (q *Queue) OnCompleted(fn func(blackboard.QueueItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.observers = append(q.observers, fn)
}

// Enqueue adds an artifact for discovery. Returns ErrQueueFull when the number
// of items still in progress has reached capacity.
func (q *Queue) Enqueue(artifact blackboard.Artifact, provenance blackboard.Provenance, priority int) (blackboard.QueueItem, error) {
	if err := artifact.Validate(); err != nil {
		return blackboard.QueueItem{}, fmt.Errorf("invalid artifact: %w", err)
	}

	q.mu.Lock()

	active := 0
	for _, e := range q.items {
		if !e.item.Status.IsTerminal() {
			active++
		}
	}
	if active >= q.cfg.Capacity {
		q.mu.Unlock()
		return blackboard.QueueItem{}, fmt.Errorf("%w: %d items in progress", ErrQueueFull, active)
	}

	now := q.clock.Now().UnixMilli()
	e := &entry{
		item: blackboard.QueueItem{
			ID:            uuid.New().String(),
			Artifact:      artifact,
			Provenance:    provenance,
			Priority:      priority,
			Status:        blackboard.QueueStatusPending,
			MaxRetries:    q.cfg.Retries(),
			SubmittedAtMs: now,
			UpdatedAtMs:   now,
		},
		index: -1,
	}
	q.items[e.item.ID] = e
	q.pushLocked(e)
	item := e.item

	q.mu.Unlock()

	q.emit(events.TypeRegistered, item, "", string(item.Status))
	q.signal()

	return item, nil
}

// Get returns a copy of an item.
func (q *Queue) Get(id string) (blackboard.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return blackboard.QueueItem{}, false
	}
	return e.item, true
}

// Stats returns counts of items by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Capacity: q.cfg.Capacity, Completed: q.archived.Completed, Failed: q.archived.Failed}
	for _, e := range q.items {
		switch e.item.Status {
		case blackboard.QueueStatusPending:
			s.Pending++
		case blackboard.QueueStatusProcessing:
			s.Processing++
		case blackboard.QueueStatusRetrying:
			s.Retrying++
		case blackboard.QueueStatusCompleted:
			s.Completed++
		case blackboard.QueueStatusFailed:
			s.Failed++
		}
	}
	return s
}

// Prune drops completed and failed items last updated more than olderThan
// ago. Stats keeps counting them. Returns the number dropped.
func (q *Queue) Prune(olderThan time.Duration) int {
	cutoff := q.clock.Now().Add(-olderThan).UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	pruned := 0
	for id, e := range q.items {
		if !e.item.Status.IsTerminal() || e.item.UpdatedAtMs >= cutoff {
			continue
		}
		if e.item.Status == blackboard.QueueStatusCompleted {
			q.archived.Completed++
		} else {
			q.archived.Failed++
		}
		delete(q.items, id)
		pruned++
	}
	return pruned
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight item has returned from the analyzer.
func (q *Queue) Run(ctx context.Context) error {
	workers := cap(q.wake)
	log.Printf("[Queue] Starting %d workers", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id)
		}(i)
	}

	wg.Wait()
	log.Printf("[Queue] Workers stopped")
	return nil
}

func (q *Queue) worker(ctx context.Context, id int) {
	for {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}

		e := q.next()
		if e == nil {
			q.sem.Release(1)
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}

		q.process(ctx, e)
		q.sem.Release(1)
	}
}

// next pops the best pending entry and marks it processing.
func (q *Queue) next() *entry {
	q.mu.Lock()

	if q.ready.Len() == 0 {
		q.mu.Unlock()
		return nil
	}

	e := heap.Pop(&q.ready).(*entry)
	e.item.Status = blackboard.QueueStatusProcessing
	e.item.Attempts++
	e.item.UpdatedAtMs = q.clock.Now().UnixMilli()
	item := e.item

	q.mu.Unlock()

	q.emit(events.TypeTransitioned, item, string(blackboard.QueueStatusPending), string(item.Status))
	return e
}

func (q *Queue) process(ctx context.Context, e *entry) {
	q.mu.Lock()
	artifact, provenance, id := e.item.Artifact, e.item.Provenance, e.item.ID
	q.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout.Duration)
	discovery, err := q.analyzer.Discover(callCtx, artifact, provenance)
	cancel()

	if ctx.Err() != nil {
		// Shutting down: the item keeps its last committed state
		log.Printf("[Queue] Stopped while processing %s", id)
		return
	}
	if err == nil && discovery == nil {
		err = ErrNoDiscovery
	}

	if err == nil {
		q.complete(e, discovery)
		return
	}
	q.fail(e, err)
}

func (q *Queue) complete(e *entry, discovery *blackboard.Discovery) {
	q.mu.Lock()
	d := *discovery
	e.item.Discovery = &d
	e.item.Status = blackboard.QueueStatusCompleted
	e.item.LastError = ""
	e.item.UpdatedAtMs = q.clock.Now().UnixMilli()
	item := e.item
	observers := append(([]func(blackboard.QueueItem))(nil), q.observers...)
	q.mu.Unlock()

	log.Printf("[Queue] Item %s completed after %d attempts: %s/%s", item.ID, item.Attempts, d.Category, d.Name)
	q.emit(events.TypeTransitioned, item, string(blackboard.QueueStatusProcessing), string(item.Status))
	q.emit(events.TypeFinalized, item, "", "")

	for _, fn := range observers {
		fn(item)
	}
}

func (q *Queue) fail(e *entry, cause error) {
	q.mu.Lock()
	e.item.LastError = cause.Error()
	e.item.UpdatedAtMs = q.clock.Now().UnixMilli()

	if e.item.Retries < e.item.MaxRetries {
		e.item.Retries++
		e.item.Status = blackboard.QueueStatusRetrying
		id := e.item.ID
		q.clock.AfterFunc(q.cfg.RetryDelay.Duration, func() { q.requeue(id) })
	} else {
		e.item.Status = blackboard.QueueStatusFailed
	}
	item := e.item
	q.mu.Unlock()

	q.emit(events.TypeTransitioned, item, string(blackboard.QueueStatusProcessing), string(item.Status))
	if item.Status == blackboard.QueueStatusFailed {
		log.Printf("[Queue] Item %s failed permanently after %d attempts: %v", item.ID, item.Attempts, cause)
		q.emit(events.TypeFailed, item, "", "")
		return
	}
	log.Printf("[Queue] Item %s attempt %d failed, retry %d/%d in %s: %v",
		item.ID, item.Attempts, item.Retries, item.MaxRetries, q.cfg.RetryDelay.Duration, cause)
}

// requeue moves a retrying item back to pending behind items of equal priority.
func (q *Queue) requeue(id string) {
	q.mu.Lock()
	e, ok := q.items[id]
	if !ok || e.item.Status != blackboard.QueueStatusRetrying {
		q.mu.Unlock()
		return
	}
	e.item.Status = blackboard.QueueStatusPending
	e.item.UpdatedAtMs = q.clock.Now().UnixMilli()
	q.pushLocked(e)
	item := e.item
	q.mu.Unlock()

	q.emit(events.TypeTransitioned, item, string(blackboard.QueueStatusRetrying), string(item.Status))
	q.signal()
}

func (q *Queue) pushLocked(e *entry) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.ready, e)
}

// signal wakes one idle worker, if the wake buffer has room.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(typ events.Type, item blackboard.QueueItem, from, to string) {
	q.emitter.Emit(events.Event{
		Type:      typ,
		Component: events.ComponentQueue,
		EntityID:  item.ID,
		From:      from,
		To:        to,
		Payload:   item,
		Timestamp: q.clock.Now(),
	})
}
