package eventqueue

import (
	"sync"
	"testing"
	"time"
)

func TestEnqueue_LocalEventsStampedFromOwnClock(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	q := New("node-a", func(ev Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}, DefaultConfig())
	q.Start()
	defer q.Stop()

	if err := q.Enqueue(KindOrder, "payload-1", nil, "k1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].VC["node-a"] != 1 {
		t.Errorf("dispatched event VC[node-a] = %d, want 1", got[0].VC["node-a"])
	}
}

func TestEnqueue_RemoteEventKeepsSenderStamp(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	q := New("node-a", func(ev Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}, DefaultConfig())
	q.Start()
	defer q.Stop()

	senderVC := map[string]uint64{"node-b": 7}
	if err := q.Enqueue(KindOrder, "remote-payload", senderVC, "k-remote"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].VC["node-b"] != 7 {
		t.Errorf("dispatched event VC[node-b] = %d, want 7 (sender's own stamp preserved)", got[0].VC["node-b"])
	}
	if _, hasLocal := got[0].VC["node-a"]; hasLocal {
		t.Errorf("remote event VC should not gain a node-a entry from queue's internal merge")
	}
}

func TestEnqueue_DuplicateDedupKeyIsANoOp(t *testing.T) {
	var mu sync.Mutex
	count := 0
	q := New("node-a", func(ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, DefaultConfig())
	q.Start()
	defer q.Stop()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(KindOrder, "p", nil, "same-key"); err != nil {
			t.Fatalf("Enqueue #%d: %v", i, err)
		}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("handler invoked %d times for the same dedup key, want 1", count)
	}
}

// TestDispatch_HappensBeforeOrderRespected enqueues a causally-later event
// first, then its causal predecessor, and checks dispatch still happens in
// causal order rather than arrival order.
func TestDispatch_HappensBeforeOrderRespected(t *testing.T) {
	var mu sync.Mutex
	var order []string
	q := New("node-a", func(ev Event) error {
		mu.Lock()
		order = append(order, ev.Payload.(string))
		mu.Unlock()
		return nil
	}, DefaultConfig())

	// Enqueue without starting the dispatch worker, so both land in
	// `pending` before a single drain pass orders them.
	if err := q.Enqueue(KindOrder, "second", map[string]uint64{"x": 2}, "k2"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(KindOrder, "first", map[string]uint64{"x": 1}, "k1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.Start()
	defer q.Stop()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("dispatch order = %v, want [first second] (causal order, not arrival order)", order)
	}
}

func TestEnqueue_PendingCapRejectsOverflow(t *testing.T) {
	q := New("node-a", func(Event) error { return nil }, Config{PendingCap: 1, DedupCap: 10})
	if err := q.Enqueue(KindOrder, "a", nil, "k1"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(KindOrder, "b", nil, "k2"); err == nil {
		t.Fatalf("expected an error once pending exceeds PendingCap")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
