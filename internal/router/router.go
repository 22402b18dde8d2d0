// Package router is the egress path for application messages: direct
// send with best-effort retry, broadcast with fingerprint dedup, and a
// bounded retry queue. It is deliberately separate from the Event
// Queue's strict causal replay — the router only promises "delivered
// or dropped after bounded retries", never ordering.
package router

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rishav/p2p-exchange/internal/protocol"
)

// Sender is the subset of transport.Service the router depends on.
type Sender interface {
	Send(peerID string, msg protocol.Message) error
}

// HealthChecker reports whether a peer is connected and has heartbeated
// recently enough to be worth sending to.
type HealthChecker interface {
	IsHealthy(peerID string) bool
	HealthyPeerIDs() []string
}

// Config tunes the dedup cache and retry queue.
type Config struct {
	DedupCap      int
	DedupSoftTTL  time.Duration
	RetryQueueCap int
	RetryDelay    time.Duration
	MaxRetries    int
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		DedupCap:      10000,
		DedupSoftTTL:  60 * time.Second,
		RetryQueueCap: 1000,
		RetryDelay:    5 * time.Second,
		MaxRetries:    3,
	}
}

type dedupEntry struct {
	fingerprint string
	seenAt      time.Time
}

type retryEntry struct {
	peerID      string
	msg         protocol.Message
	attempts    int
	lastAttempt time.Time
}

// Router fans outbound messages to peers, deduplicating broadcasts and
// retrying failed direct sends on a bounded schedule.
type Router struct {
	cfg     Config
	sender  Sender
	health  HealthChecker
	log     *logrus.Entry

	mu         sync.Mutex
	dedupSeen  map[string]time.Time
	dedupOrder []dedupEntry
	retryQueue []retryEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Router over sender, consulting health for broadcast
// fan-out membership.
func New(cfg Config, sender Sender, health HealthChecker, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		cfg:       cfg,
		sender:    sender,
		health:    health,
		log:       log.WithField("component", "router"),
		dedupSeen: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
}

// Start launches the background retry loop.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.retryLoop()
}

// Stop halts the retry loop.
func (r *Router) Stop() {
	close(r.done)
	r.wg.Wait()
}

// SendToPeer attempts a direct send; on failure it enqueues the message
// for retry and also returns the send error to the caller.
func (r *Router) SendToPeer(peerID string, msg protocol.Message) error {
	if err := r.sender.Send(peerID, msg); err != nil {
		r.enqueueRetry(peerID, msg)
		return err
	}
	return nil
}

// Dedup reports whether fingerprint is new, marking it seen if so. Shared
// by outbound Broadcast and inbound message ingestion, since both draw
// from the same fingerprint cache — a message relayed back to its
// originator is dropped the same way a duplicate broadcast is.
func (r *Router) Dedup(fingerprint uint64) bool {
	key := strconv.FormatUint(fingerprint, 16)
	if r.seen(key) {
		return false
	}
	r.markSeen(key)
	return true
}

// Broadcast sends msg to every healthy peer, skipping it entirely if its
// fingerprint was already seen. Returns per-peer send failures; a
// fingerprint collision is reported as a single "duplicate" pseudo-result
// via the ok return.
func (r *Router) Broadcast(fingerprint uint64, msg protocol.Message) (sent map[string]error, ok bool) {
	if !r.Dedup(fingerprint) {
		return nil, false
	}

	peers := r.health.HealthyPeerIDs()
	sent = make(map[string]error, len(peers))
	for _, id := range peers {
		if err := r.sender.Send(id, msg); err != nil {
			sent[id] = err
			r.enqueueRetry(id, msg)
		}
	}
	return sent, true
}

func (r *Router) seen(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dedupSeen[fingerprint]
	return ok
}

func (r *Router) markSeen(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.dedupSeen[fingerprint] = now
	r.dedupOrder = append(r.dedupOrder, dedupEntry{fingerprint: fingerprint, seenAt: now})
	r.pruneDedupLocked(now)
}

// pruneDedupLocked expires soft-TTL'd entries, then if still over
// capacity evicts the oldest 10%. Caller must hold r.mu.
func (r *Router) pruneDedupLocked(now time.Time) {
	if r.cfg.DedupSoftTTL > 0 {
		cutoff := now.Add(-r.cfg.DedupSoftTTL)
		kept := r.dedupOrder[:0]
		for _, e := range r.dedupOrder {
			if e.seenAt.Before(cutoff) {
				delete(r.dedupSeen, e.fingerprint)
				continue
			}
			kept = append(kept, e)
		}
		r.dedupOrder = kept
	}

	if len(r.dedupOrder) <= r.cfg.DedupCap {
		return
	}
	evict := len(r.dedupOrder) / 10
	if evict < 1 {
		evict = 1
	}
	for _, e := range r.dedupOrder[:evict] {
		delete(r.dedupSeen, e.fingerprint)
	}
	r.dedupOrder = r.dedupOrder[evict:]
}

// enqueueRetry appends msg to the bounded retry queue, dropping the oldest
// entry on overflow.
func (r *Router) enqueueRetry(peerID string, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.retryQueue) >= r.cfg.RetryQueueCap {
		r.retryQueue = r.retryQueue[1:]
	}
	r.retryQueue = append(r.retryQueue, retryEntry{peerID: peerID, msg: msg, lastAttempt: time.Now()})
}

func (r *Router) retryLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RetryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.runRetryTick()
		}
	}
}

// runRetryTick attempts every queued message once. Delivery order is not
// guaranteed: failed retries are put back at the front of the queue, ahead
// of any entries enqueued while the tick was running.
func (r *Router) runRetryTick() {
	r.mu.Lock()
	pending := r.retryQueue
	r.retryQueue = nil
	r.mu.Unlock()

	var remaining []retryEntry
	for _, e := range pending {
		if !r.health.IsHealthy(e.peerID) {
			e.attempts++
			if e.attempts < r.cfg.MaxRetries {
				remaining = append(remaining, e)
			} else {
				r.log.WithField("peer", e.peerID).Warn("dropping message: max retries exceeded")
			}
			continue
		}
		if err := r.sender.Send(e.peerID, e.msg); err != nil {
			e.attempts++
			e.lastAttempt = time.Now()
			if e.attempts < r.cfg.MaxRetries {
				remaining = append(remaining, e)
			} else {
				r.log.WithError(err).WithField("peer", e.peerID).Warn("dropping message: max retries exceeded")
			}
		}
	}

	if len(remaining) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryQueue = append(remaining, r.retryQueue...)
	if over := len(r.retryQueue) - r.cfg.RetryQueueCap; over > 0 {
		r.retryQueue = r.retryQueue[over:]
	}
}
