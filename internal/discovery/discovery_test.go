package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/rishav/p2p-exchange/internal/protocol"
)

type fakeRequester struct {
	mu  sync.Mutex
	out []string
}

func (f *fakeRequester) SendToPeer(peerID string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, peerID)
	return nil
}

func (f *fakeRequester) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.out))
	copy(out, f.out)
	return out
}

type fakePeerSource struct{ ids []string }

func (f fakePeerSource) EstablishedPeerIDs() []string { return f.ids }

func collectingDiscover() (func(Discovered), func() []Discovered) {
	var mu sync.Mutex
	var events []Discovered
	fn := func(d Discovered) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, d)
	}
	get := func() []Discovered {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Discovered, len(events))
		copy(out, events)
		return out
	}
	return fn, get
}

func TestStart_EmitsEveryBootstrapPeerImmediately(t *testing.T) {
	onDiscover, events := collectingDiscover()
	cfg := Config{
		SelfNodeID:     "n1",
		BootstrapPeers: []string{"10.0.0.1:7700", "10.0.0.2:7701"},
	}
	d := New(cfg, onDiscover, &fakeRequester{}, fakePeerSource{}, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	got := events()
	if len(got) != 2 {
		t.Fatalf("expected 2 bootstrap events, got %d", len(got))
	}
	if got[0].Address != "10.0.0.1" || got[0].Port != 7700 || got[0].Source != SourceBootstrap {
		t.Errorf("first event = %+v", got[0])
	}
}

func TestStart_SkipsMalformedBootstrapEntryWithoutFailing(t *testing.T) {
	onDiscover, events := collectingDiscover()
	cfg := Config{SelfNodeID: "n1", BootstrapPeers: []string{"not-a-host-port", "10.0.0.1:7700"}}
	d := New(cfg, onDiscover, &fakeRequester{}, fakePeerSource{}, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	got := events()
	if len(got) != 1 {
		t.Fatalf("expected the malformed entry to be skipped, only the well-formed one emitted; got %d", len(got))
	}
}

func TestHandlePeerExchange_EmitsEachPeerExceptSelf(t *testing.T) {
	onDiscover, events := collectingDiscover()
	cfg := Config{SelfNodeID: "n1"}
	d := New(cfg, onDiscover, &fakeRequester{}, fakePeerSource{}, nil)

	d.HandlePeerExchange(protocol.Message{Peers: []protocol.PeerInfo{
		{NodeID: "n1", Address: "127.0.0.1", Port: 7700}, // self, must be skipped
		{NodeID: "n2", Address: "10.0.0.2", Port: 7701},
	}})

	got := events()
	if len(got) != 1 || got[0].NodeID != "n2" {
		t.Fatalf("expected exactly one non-self discovery, got %+v", got)
	}
	if got[0].Source != SourcePeerExchange {
		t.Errorf("Source = %v, want SourcePeerExchange", got[0].Source)
	}
}

func TestRunPeerExchangeTick_RequestsFromEveryEstablishedPeer(t *testing.T) {
	req := &fakeRequester{}
	peers := fakePeerSource{ids: []string{"p1", "p2"}}
	d := New(Config{SelfNodeID: "n1"}, func(Discovered) {}, req, peers, nil)

	d.runPeerExchangeTick()

	got := req.sent()
	if len(got) != 2 {
		t.Fatalf("expected a peer_exchange_request sent to both established peers, got %v", got)
	}
}

func TestApplyDefaults_FillsUnsetIntervalsAndGroup(t *testing.T) {
	cfg := Config{SelfNodeID: "n1"}
	cfg.applyDefaults()
	if cfg.MulticastGroup == "" {
		t.Errorf("MulticastGroup should default to a non-empty value")
	}
	if cfg.MulticastInterval <= 0 || cfg.PeerExchangeInterval <= 0 {
		t.Errorf("intervals should default to positive durations")
	}
}

func TestStop_IsSafeWithoutMulticastEverStarting(t *testing.T) {
	d := New(Config{SelfNodeID: "n1"}, func(Discovered) {}, &fakeRequester{}, fakePeerSource{}, nil)
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop should return promptly even when multicast was never started")
	}
}
