// Package registry implements the server's concurrent in-memory table
// of connected agents: one entry per live agent, keyed by agent id,
// holding the agent's last-reported HostInfo, a bounded outbound
// message queue consumed by the connection's dedicated writer, and a
// cancellation handle the sweeper and register-or-replace use to tear
// down a superseded or stale session.
//
// Generalized from the same lock-protected-map-with-sweep shape the
// server uses for service-token revocation, applied here to a full
// entry table instead of a bare set.
package registry

import (
	"sync"
	"time"

	"github.com/opsfleet/controlplane/internal/clock"
	"github.com/opsfleet/controlplane/internal/opserr"
	"github.com/opsfleet/controlplane/internal/wire"
)

// OutboundQueueCapacity bounds every entry's outbound message channel.
// Enqueuing to a full queue returns Backpressure rather than growing
// unboundedly.
const OutboundQueueCapacity = 64

// Entry is one live agent's server-side state. The zero value is not
// usable; entries are created by Register.
type Entry struct {
	AgentID      string
	LastHostInfo wire.HostInfo
	LastSeenAt   time.Time

	outbound chan any
	closeFn  func()
	closed   chan struct{}
}

// Outbound returns the entry's outbound queue for the dedicated writer
// goroutine to drain. Each value is one of wire.Command or
// wire.Broadcast, ready to pass straight to a Codec.Send. The channel
// is never closed; Done reports when the entry is torn down.
func (e *Entry) Outbound() <-chan any { return e.outbound }

// Done returns a channel that is closed when this entry has been
// superseded or swept, signaling its writer and reader to shut down.
func (e *Entry) Done() <-chan struct{} { return e.closed }

// Close idempotently tears down this entry's close handle. Safe to
// call multiple times and from multiple goroutines.
func (e *Entry) Close() { e.closeFn() }

// Registry is the server's concurrent agent table. Enumerate acquires
// a read lock; Register, Remove, and the sweeper acquire a write lock.
// Critical sections are pointer operations only; network I/O and
// command execution always happen outside the lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	clock   clock.Clock
}

// New creates an empty Registry using the given clock for last-seen
// comparisons (use clock.Real() in production, clock.Fake() in tests).
func New(c clock.Clock) *Registry {
	return &Registry{entries: make(map[string]*Entry), clock: c}
}

// Register installs a new entry for hostInfo.AgentID, or replaces an
// existing one. If an entry with the same id already exists, its close
// handle is signaled (tearing down its writer and socket) before the
// new entry is installed, and its outbound queue is discarded.
// Register-or-replace is atomic under the write lock, so no enumerate
// call can observe two entries for the same agent id.
func (r *Registry) Register(hostInfo wire.HostInfo) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, exists := r.entries[hostInfo.AgentID]; exists {
		prior.Close()
	}

	closed := make(chan struct{})
	var once sync.Once
	entry := &Entry{
		AgentID:      hostInfo.AgentID,
		LastHostInfo: hostInfo,
		LastSeenAt:   r.clock.Now(),
		outbound:     make(chan any, OutboundQueueCapacity),
		closed:       closed,
	}
	entry.closeFn = func() { once.Do(func() { close(closed) }) }

	r.entries[hostInfo.AgentID] = entry
	return entry
}

// Touch updates an already-registered entry's LastHostInfo and
// LastSeenAt on a subsequent heartbeat. Returns false if no entry
// exists for this agent id (the caller should treat that as "not yet
// registered" rather than an error).
func (r *Registry) Touch(hostInfo wire.HostInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[hostInfo.AgentID]
	if !exists {
		return false
	}
	entry.LastHostInfo = hostInfo
	// last_seen_at is monotonically non-decreasing per entry.
	now := r.clock.Now()
	if now.After(entry.LastSeenAt) {
		entry.LastSeenAt = now
	}
	return true
}

// Get looks up an entry by agent id without enqueueing anything.
func (r *Registry) Get(agentID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[agentID]
	return entry, exists
}

// Remove deletes the entry for agentID if it is still the one owned by
// the caller (identity equality on the pointer). This guards against a
// stale handler removing an entry that has already been superseded by
// a newer connection. Signals the entry's close handle regardless.
func (r *Registry) Remove(agentID string, owned *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.entries[agentID]
	if exists && current == owned {
		delete(r.entries, agentID)
	}
	owned.Close()
}

// Enumerate returns a consistent snapshot of every live agent's
// HostInfo, keyed by agent id, for the listing endpoint.
func (r *Registry) Enumerate() map[string]wire.HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]wire.HostInfo, len(r.entries))
	for id, entry := range r.entries {
		snapshot[id] = entry.LastHostInfo
	}
	return snapshot
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Send atomically locates the entry for agentID and enqueues message
// (a wire.Command or wire.Broadcast) to its bounded outbound queue.
// Returns opserr.KindNotFound if no such agent is registered, or
// opserr.KindBackpressure if the queue is full.
func (r *Registry) Send(agentID string, message any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[agentID]

	if !exists {
		return opserr.New(opserr.KindNotFound, "no such agent: "+agentID)
	}

	select {
	case entry.outbound <- message:
		return nil
	default:
		return opserr.New(opserr.KindBackpressure, "outbound queue full for agent "+agentID)
	}
}

// BroadcastSummary reports the outcome of a Broadcast call.
type BroadcastSummary struct {
	Sent   int
	Failed int
}

// Broadcast enumerates every live agent and attempts to enqueue
// message to each. Per-agent enqueue failures (backpressure) are
// counted, never fatal to the broadcast as a whole: fire-and-forget.
func (r *Registry) Broadcast(message any) BroadcastSummary {
	r.mu.RLock()
	targets := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		targets = append(targets, entry)
	}
	r.mu.RUnlock()

	summary := BroadcastSummary{}
	for _, entry := range targets {
		select {
		case entry.outbound <- message:
			summary.Sent++
		default:
			summary.Failed++
		}
	}
	return summary
}

// Sweep removes every entry whose last-seen age exceeds clientTimeout,
// signaling each removed entry's close handle. Returns the number of
// entries removed. Call this periodically from a dedicated sweeper
// goroutine (see Registry.RunSweeper).
func (r *Registry) Sweep(clientTimeout time.Duration) int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.entries {
		if now.Sub(entry.LastSeenAt) > clientTimeout {
			delete(r.entries, id)
			entry.Close()
			removed++
		}
	}
	return removed
}

// RunSweeper blocks, calling Sweep every cleanupInterval, until done
// is closed. It owns no state beyond
// the ticker; the registry it sweeps is the one shared by session
// handlers and the HTTP layer.
func (r *Registry) RunSweeper(done <-chan struct{}, cleanupInterval, clientTimeout time.Duration, onSweep func(removed int)) {
	ticker := r.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			removed := r.Sweep(clientTimeout)
			if onSweep != nil && removed > 0 {
				onSweep(removed)
			}
		}
	}
}
