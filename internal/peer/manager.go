package peer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// Config tunes Manager's quotas, loop intervals and persistence behavior.
type Config struct {
	MaxInbound            int
	MaxOutbound           int
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	ReconnectDelay        time.Duration
	ReconnectBase         time.Duration
	ReconnectMult         float64
	MaxReconnectDelay     time.Duration
	MaxReconnectAttempts  int
	ShareTopK             int
	PersistDebounce       time.Duration
	PersistMaxAge         time.Duration
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxInbound:           50,
		MaxOutbound:          50,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		ReconnectDelay:       5 * time.Second,
		ReconnectBase:        5 * time.Second,
		ReconnectMult:        2.0,
		MaxReconnectDelay:    5 * time.Minute,
		MaxReconnectAttempts: 5,
		ShareTopK:            20,
		PersistDebounce:      2 * time.Second,
		PersistMaxAge:        7 * 24 * time.Hour,
	}
}

// Events surfaces signals the owning Node must act on: sending a heartbeat
// probe, dialing a reconnect target. Manager never touches a socket itself.
type Events struct {
	HeartbeatNeeded func(nodeID string)
	ReconnectNeeded func(nodeID, address string, port int)
}

// Manager owns the canonical peer table.
type Manager struct {
	cfg    Config
	events Events
	store  BlobStore
	log    *logrus.Entry

	mu    sync.Mutex
	peers map[string]*Peer

	persistTimer *time.Timer
	stopOnce     sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// New creates a Manager. Load should be called once at startup to restore
// persisted state before Start launches the background loops.
func New(cfg Config, events Events, store BlobStore, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg:    cfg,
		events: events,
		store:  store,
		log:    log.WithField("component", "peer_manager"),
		peers:  make(map[string]*Peer),
		done:   make(chan struct{}),
	}
}

// Load restores the peer table from the blob store, dropping entries older
// than PersistMaxAge. Restored peers start Disconnected.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	data, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	records, err := unmarshalTable(data, m.cfg.PersistMaxAge)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.peers[r.NodeID] = &Peer{
			NodeID:            r.NodeID,
			Address:           r.Address,
			Port:              r.Port,
			Status:            Disconnected,
			LastSeen:          r.LastSeen,
			SuccessfulConns:   r.SuccessfulConns,
			FailedConns:       r.FailedConns,
			ReconnectAttempts: r.ReconnectAttempts,
		}
	}
	return nil
}

// Start launches the heartbeat and reconnect background loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.reconnectLoop()
}

// Stop halts the background loops and flushes persisted state once.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	m.persistNow(ctx)
}

// Add registers a newly-established peer, honoring inbound/outbound
// quotas. Returns xerrors.Overload if the relevant quota is exhausted.
func (m *Manager) Add(nodeID, address string, port int, inbound bool) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[nodeID]; ok && existing.Status == Connected {
		return existing, nil
	}

	if inbound {
		if m.countLocked(func(p *Peer) bool { return p.Inbound && p.Status == Connected }) >= m.cfg.MaxInbound {
			return nil, xerrors.New(xerrors.Overload, nodeID, "inbound connection quota exhausted",
				xerrors.WithContext("max_inbound", m.cfg.MaxInbound))
		}
	} else {
		if m.countLocked(func(p *Peer) bool { return !p.Inbound && p.Status == Connected }) >= m.cfg.MaxOutbound {
			return nil, xerrors.New(xerrors.Overload, nodeID, "outbound connection quota exhausted",
				xerrors.WithContext("max_outbound", m.cfg.MaxOutbound))
		}
	}

	now := time.Now()
	p, ok := m.peers[nodeID]
	if !ok {
		p = &Peer{NodeID: nodeID}
		m.peers[nodeID] = p
	}
	p.Address = address
	p.Port = port
	p.Inbound = inbound
	p.Status = Connected
	p.ConnectedAt = now
	p.LastSeen = now
	p.LastHeartbeat = now
	p.SuccessfulConns++
	p.ReconnectAttempts = 0

	m.schedulePersist()
	return p, nil
}

func (m *Manager) countLocked(pred func(*Peer) bool) int {
	n := 0
	for _, p := range m.peers {
		if pred(p) {
			n++
		}
	}
	return n
}

// MarkDisconnected transitions a peer to Disconnected, preserving its
// statistics for future reconnect scoring. Peers are never purged.
func (m *Manager) MarkDisconnected(nodeID string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[nodeID]
	if !ok {
		return
	}
	p.Status = Disconnected
	p.DisconnectedAt = time.Now()
	if failed {
		p.FailedConns++
	}
	m.schedulePersist()
}

// Touch records that a heartbeat_ack (or any traffic) was just observed
// from nodeID.
func (m *Manager) Touch(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[nodeID]; ok {
		p.LastSeen = time.Now()
		p.LastHeartbeat = time.Now()
	}
}

// Get returns a copy of the peer entry for nodeID.
func (m *Manager) Get(nodeID string) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// All returns a copy of every known peer, connected or not.
func (m *Manager) All() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// IsHealthy reports whether nodeID is connected and has heartbeated within
// the configured HeartbeatTimeout.
func (m *Manager) IsHealthy(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[nodeID]
	if !ok || p.Status != Connected {
		return false
	}
	return time.Since(p.LastHeartbeat) < m.cfg.HeartbeatTimeout
}

// HealthyPeerIDs returns the ids of every peer currently passing
// IsHealthy, for the router's broadcast fan-out.
func (m *Manager) HealthyPeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.Status == Connected && time.Since(p.LastHeartbeat) < m.cfg.HeartbeatTimeout {
			out = append(out, id)
		}
	}
	return out
}

// EstablishedPeerIDs returns the ids of every currently-connected peer,
// for discovery's peer_exchange polling (looser than IsHealthy: a peer
// that's connected but hasn't heartbeated recently is still worth asking).
func (m *Manager) EstablishedPeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.Status == Connected {
			out = append(out, id)
		}
	}
	return out
}

// TopPeers returns up to k peers ranked by reputation, for relaying in a
// peer_exchange reply. k is clamped to ShareTopK.
func (m *Manager) TopPeers(k int) []Peer {
	if k <= 0 || k > m.cfg.ShareTopK {
		k = m.cfg.ShareTopK
	}
	m.mu.Lock()
	all := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		all = append(all, *p)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Reputation() > all[j].Reputation() })
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// heartbeatLoop emits HeartbeatNeeded for every connected peer every
// HeartbeatInterval, and evicts (marks disconnected) any peer silent past
// HeartbeatTimeout.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.runHeartbeatTick()
		}
	}
}

func (m *Manager) runHeartbeatTick() {
	now := time.Now()
	var toProbe []string
	var toEvict []string

	m.mu.Lock()
	for id, p := range m.peers {
		if p.Status != Connected {
			continue
		}
		if now.Sub(p.LastHeartbeat) > m.cfg.HeartbeatTimeout {
			toEvict = append(toEvict, id)
			continue
		}
		toProbe = append(toProbe, id)
	}
	m.mu.Unlock()

	for _, id := range toEvict {
		m.MarkDisconnected(id, true)
		m.log.WithField("peer", id).Warn("evicting peer: heartbeat_timeout")
	}
	if m.events.HeartbeatNeeded != nil {
		for _, id := range toProbe {
			m.events.HeartbeatNeeded(id)
		}
	}
}

// reconnectLoop emits ReconnectNeeded for every disconnected peer whose
// backoff window has elapsed, every ReconnectDelay.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReconnectDelay)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.runReconnectTick()
		}
	}
}

type reconnectTarget struct {
	nodeID  string
	address string
	port    int
}

func (m *Manager) runReconnectTick() {
	now := time.Now()
	var targets []reconnectTarget

	m.mu.Lock()
	for id, p := range m.peers {
		if p.Status != Disconnected {
			continue
		}
		if p.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
			continue
		}
		delay := backoff(m.cfg.ReconnectBase, m.cfg.ReconnectMult, p.ReconnectAttempts, m.cfg.MaxReconnectDelay)
		if now.Sub(p.DisconnectedAt) < delay {
			continue
		}
		p.ReconnectAttempts++
		targets = append(targets, reconnectTarget{id, p.Address, p.Port})
	}
	m.mu.Unlock()

	if m.events.ReconnectNeeded != nil {
		for _, t := range targets {
			m.events.ReconnectNeeded(t.nodeID, t.address, t.port)
		}
	}
}

func backoff(base time.Duration, mult float64, attempts int, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * mult)
		if d >= cap {
			return cap
		}
	}
	return d
}

// schedulePersist debounces Save so a burst of table mutations results in
// one write. Caller must hold m.mu.
func (m *Manager) schedulePersist() {
	if m.store == nil {
		return
	}
	if m.persistTimer != nil {
		m.persistTimer.Stop()
	}
	m.persistTimer = time.AfterFunc(m.cfg.PersistDebounce, func() {
		m.persistNow(context.Background())
	})
}

func (m *Manager) persistNow(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	snapshot := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		cp := *p
		snapshot = append(snapshot, &cp)
	}
	m.mu.Unlock()

	data, err := marshalTable(snapshot)
	if err != nil {
		m.log.WithError(err).Error("failed to marshal peer table")
		return
	}
	if err := m.store.Save(ctx, data); err != nil {
		m.log.WithError(err).Error("failed to persist peer table")
	}
}
