package router

import (
	"sync"
	"testing"
	"time"

	"github.com/rishav/p2p-exchange/internal/protocol"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failFor  map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFor: make(map[string]bool)}
}

func (f *fakeSender) Send(peerID string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[peerID] {
		return errSendFailed
	}
	f.sent = append(f.sent, peerID)
	return nil
}

func (f *fakeSender) sentTo(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.sent {
		if id == peerID {
			n++
		}
	}
	return n
}

type fakeHealth struct {
	healthy []string
}

func (f *fakeHealth) IsHealthy(peerID string) bool {
	for _, id := range f.healthy {
		if id == peerID {
			return true
		}
	}
	return false
}

func (f *fakeHealth) HealthyPeerIDs() []string { return f.healthy }

var errSendFailed = fmtError("send failed")

type fmtError string

func (e fmtError) Error() string { return string(e) }

func TestDedup_NewFingerprintSeenOnce(t *testing.T) {
	r := New(DefaultConfig(), newFakeSender(), &fakeHealth{}, nil)
	if !r.Dedup(42) {
		t.Fatalf("first Dedup(42) should report new")
	}
	if r.Dedup(42) {
		t.Fatalf("second Dedup(42) should report already seen")
	}
}

func TestBroadcast_SkipsAlreadySeenFingerprint(t *testing.T) {
	sender := newFakeSender()
	health := &fakeHealth{healthy: []string{"p1", "p2"}}
	r := New(DefaultConfig(), sender, health, nil)

	msg := protocol.Message{Type: protocol.OrderMsg, NodeID: "n", Timestamp: 1, Order: &protocol.WireOrder{ID: "o1"}}
	if _, ok := r.Broadcast(msg.Fingerprint(), msg); !ok {
		t.Fatalf("first broadcast should go out")
	}
	if sender.sentTo("p1") != 1 || sender.sentTo("p2") != 1 {
		t.Fatalf("expected exactly one send per healthy peer on first broadcast")
	}

	if _, ok := r.Broadcast(msg.Fingerprint(), msg); ok {
		t.Fatalf("re-broadcasting the same fingerprint should be reported as a duplicate")
	}
	if sender.sentTo("p1") != 1 || sender.sentTo("p2") != 1 {
		t.Fatalf("a duplicate broadcast must never send to any peer again")
	}
}

func TestBroadcast_OnlyReachesHealthyPeers(t *testing.T) {
	sender := newFakeSender()
	health := &fakeHealth{healthy: []string{"p1"}}
	r := New(DefaultConfig(), sender, health, nil)

	msg := protocol.Message{Type: protocol.OrderMsg, NodeID: "n", Timestamp: 1, Order: &protocol.WireOrder{ID: "o1"}}
	r.Broadcast(msg.Fingerprint(), msg)

	if sender.sentTo("p2") != 0 {
		t.Errorf("broadcast must not reach a peer absent from HealthyPeerIDs")
	}
}

func TestSendToPeer_FailureQueuesForRetry(t *testing.T) {
	sender := newFakeSender()
	sender.failFor["flaky"] = true
	health := &fakeHealth{healthy: []string{"flaky"}}
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	r := New(cfg, sender, health, nil)
	r.Start()
	defer r.Stop()

	msg := protocol.Message{Type: protocol.Heartbeat, NodeID: "n", Timestamp: 1}
	if err := r.SendToPeer("flaky", msg); err == nil {
		t.Fatalf("SendToPeer should surface the immediate send failure")
	}

	sender.mu.Lock()
	sender.failFor["flaky"] = false
	sender.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.sentTo("flaky") > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected the retry loop to eventually deliver the queued message")
}
