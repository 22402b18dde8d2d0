package eventqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/rishav/p2p-exchange/internal/vectorclock"
	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// Handler is invoked, in dispatch order, for every released Event. A
// returned error does not stop the queue: the event is still considered
// processed, and the error is only forwarded to Errors() for out-of-band
// reporting (logging, metrics).
type Handler func(Event) error

// Config configures a Queue.
type Config struct {
	// PendingCap bounds the number of events waiting for dispatch.
	// Enqueue fails with Overload once this is exceeded.
	PendingCap int
	// DedupCap bounds the set of recently-dispatched event ids kept to
	// make re-enqueueing a no-op. On overflow the oldest 10% are
	// evicted.
	DedupCap int
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		PendingCap: 10000,
		DedupCap:   50000,
	}
}

// Queue is a per-node causal event buffer, draining through a single
// dispatch worker goroutine into a registered Handler.
type Queue struct {
	cfg     Config
	clock   *vectorclock.Clock
	handler Handler

	mu      sync.Mutex
	pending []*Event

	dedupSeen  map[string]struct{}
	dedupOrder []string

	nextID uint64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	errs chan error
}

// New creates a Queue owned by node nodeID, dispatching released events to
// handler. The queue is not started until Start is called.
func New(nodeID string, handler Handler, cfg Config) *Queue {
	if cfg.PendingCap <= 0 {
		cfg.PendingCap = DefaultConfig().PendingCap
	}
	if cfg.DedupCap <= 0 {
		cfg.DedupCap = DefaultConfig().DedupCap
	}
	return &Queue{
		cfg:       cfg,
		clock:     vectorclock.New(nodeID),
		handler:   handler,
		dedupSeen: make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		errs:      make(chan error, 256),
	}
}

// Start launches the single dispatch worker goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop signals the dispatch worker to exit and waits for it to drain its
// current batch.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// Errors returns the channel errors from Handler are reported on. It is
// buffered and non-blocking from the dispatch worker's perspective: if a
// consumer doesn't drain it, further handler errors are dropped rather
// than stalling dispatch.
func (q *Queue) Errors() <-chan error { return q.errs }

// Clock exposes the queue's own vector clock, so the owning node can stamp
// locally-produced events consistently before they're observed elsewhere
// (e.g. attaching the post-enqueue vc to an outbound broadcast).
func (q *Queue) Clock() *vectorclock.Clock { return q.clock }

// Enqueue buffers an event for causal-order dispatch.
//
// If vc is nil, this is treated as a locally-produced event: the queue
// ticks its own clock and stamps the event with the result. If vc is
// non-nil (a remotely-received event), the queue merges vc into its own
// clock (pointwise max over every known node, then one local tick) but
// keeps the event stamped with its original, sender-assigned vc — that
// stamp, not the queue's merged view, is what downstream causal ordering
// compares against.
//
// dedupKey identifies the event for the dedup set; re-enqueueing a key
// already dispatched (or currently pending) is a no-op returning nil.
func (q *Queue) Enqueue(kind Kind, payload any, vc map[string]uint64, dedupKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, seen := q.dedupSeen[dedupKey]; seen {
		return nil
	}
	for _, p := range q.pending {
		if p.dedupKey == dedupKey {
			return nil
		}
	}

	if len(q.pending) >= q.cfg.PendingCap {
		return xerrors.New(xerrors.Overload, dedupKey, "event queue pending buffer full",
			xerrors.WithContext("pending_cap", q.cfg.PendingCap))
	}

	var stamped map[string]uint64
	if vc == nil {
		q.clock.Tick()
		stamped = q.clock.Snapshot()
	} else {
		q.clock.Update(vc)
		stamped = vc
	}

	q.nextID++
	ev := &Event{
		ID:       q.nextID,
		Kind:     kind,
		Payload:  payload,
		VC:       stamped,
		WallTime: time.Now().UnixNano(),
		dedupKey: dedupKey,
	}
	q.pending = append(q.pending, ev)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// run is the single dispatch worker: it drains pending in causal order
// until empty, then waits for the next wake-up.
func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			q.drainRemaining()
			return
		case <-q.wake:
		}
		q.drainOnce()
	}
}

func (q *Queue) drainRemaining() {
	for q.drainOnce() {
	}
}

// drainOnce dispatches every currently-pending event in causal order and
// reports whether anything was dispatched.
func (q *Queue) drainOnce() bool {
	dispatchedAny := false
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return dispatchedAny
		}
		sort.SliceStable(q.pending, func(i, j int) bool {
			return less(q.pending[i], q.pending[j])
		})
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.markProcessed(ev.dedupKey)
		q.mu.Unlock()

		q.dispatch(*ev)
		dispatchedAny = true
	}
}

// dispatch calls the handler, converting a panic into a reported error so
// a single bad event can never take down the dispatch worker.
func (q *Queue) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.reportErr(xerrors.New(xerrors.Fatal, ev.dedupKey, "event handler panicked",
				xerrors.WithContext("recover", r)))
		}
	}()
	if err := q.handler(ev); err != nil {
		q.reportErr(err)
	}
}

func (q *Queue) reportErr(err error) {
	select {
	case q.errs <- err:
	default:
	}
}

// markProcessed records dedupKey as dispatched, evicting the oldest 10% of
// the set once DedupCap is exceeded.
func (q *Queue) markProcessed(dedupKey string) {
	q.dedupSeen[dedupKey] = struct{}{}
	q.dedupOrder = append(q.dedupOrder, dedupKey)
	if len(q.dedupOrder) <= q.cfg.DedupCap {
		return
	}
	evict := len(q.dedupOrder) / 10
	if evict < 1 {
		evict = 1
	}
	for _, k := range q.dedupOrder[:evict] {
		delete(q.dedupSeen, k)
	}
	q.dedupOrder = q.dedupOrder[evict:]
}

// less implements the (vc, wall time, id) dispatch order: the event whose
// vc happens-before the other's dispatches first; ties
// (Equal or Concurrent vc relationship) are broken by wall clock time,
// then by the queue-local sequence id.
func less(a, b *Event) bool {
	switch vectorclock.Compare(a.VC, b.VC) {
	case vectorclock.Less:
		return true
	case vectorclock.Greater:
		return false
	default:
		if a.WallTime != b.WallTime {
			return a.WallTime < b.WallTime
		}
		return a.ID < b.ID
	}
}
