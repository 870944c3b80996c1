// Package completion implements the server's command completion store:
// a map from command id to its current record, correlating a
// dispatched Command with the CommandResult an agent eventually
// reports, plus a bounded per-agent history index for the client
// history endpoint.
//
// Grounded on the same RWMutex-map-plus-sweep shape as the agent
// registry, generalized here to carry a TTL per record rather than a
// single fleet-wide timeout.
package completion

import (
	"sync"
	"time"

	"github.com/opsfleet/controlplane/internal/clock"
	"github.com/opsfleet/controlplane/internal/opserr"
)

// State is a command record's lifecycle stage.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
)

// HistoryLimit bounds the number of records kept per agent in the
// history index; older records are evicted first once exceeded.
const HistoryLimit = 200

// Record is one command's full lifecycle: what was sent, to whom, its
// current state, and its result once the agent reports one.
type Record struct {
	CommandID string
	AgentID   string
	Command   string
	State     State
	CreatedAt time.Time

	ExitCode   int
	Stdout     string
	Stderr     string
	FinishedAt time.Time
	Reason     string
}

// Store is the server's command completion table.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	history map[string][]string // agent id -> command ids, oldest first
	clock   clock.Clock
	ttl     time.Duration
}

// New creates an empty Store. Records whose ttl has elapsed are evicted
// by the sweeper regardless of state; see Sweep for when the ttl starts.
func New(c clock.Clock, ttl time.Duration) *Store {
	return &Store{
		records: make(map[string]*Record),
		history: make(map[string][]string),
		clock:   c,
		ttl:     ttl,
	}
}

// Create inserts a new pending record for a just-dispatched command.
func (s *Store) Create(commandID, agentID, command string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := &Record{
		CommandID: commandID,
		AgentID:   agentID,
		Command:   command,
		State:     StatePending,
		CreatedAt: s.clock.Now(),
	}
	s.records[commandID] = record
	s.appendHistoryLocked(agentID, commandID)
	return record
}

// MarkRejected records that command admission refused the command
// before dispatch; reason is the validator's rejection reason.
func (s *Store) MarkRejected(commandID, agentID, command, reason string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	record := &Record{
		CommandID:  commandID,
		AgentID:    agentID,
		Command:    command,
		State:      StateRejected,
		CreatedAt:  now,
		FinishedAt: now,
		Reason:     reason,
	}
	s.records[commandID] = record
	s.appendHistoryLocked(agentID, commandID)
	return record
}

// MarkRunning transitions a pending record to running, e.g. once the
// server has confirmed the command was enqueued to the agent. A record
// in any other state is left unchanged.
func (s *Store) MarkRunning(commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[commandID]
	if !exists {
		return opserr.New(opserr.KindNotFound, "no such command: "+commandID)
	}
	if record.State == StatePending {
		record.State = StateRunning
	}
	return nil
}

// Complete applies a reported CommandResult to its record, transitioning
// it to completed. Returns NotFound if the result corresponds to no
// known command id, e.g. it arrived after the record's TTL swept it.
func (s *Store) Complete(commandID string, exitCode int, stdout, stderr string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[commandID]
	if !exists {
		return opserr.New(opserr.KindNotFound, "no such command: "+commandID)
	}
	record.State = StateCompleted
	record.ExitCode = exitCode
	record.Stdout = stdout
	record.Stderr = stderr
	record.FinishedAt = finishedAt
	return nil
}

// Get returns a copy of the record for commandID.
func (s *Store) Get(commandID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[commandID]
	if !exists {
		return Record{}, false
	}
	return *record, true
}

// History returns up to limit of the most recent records for agentID,
// newest first. A limit <= 0 or greater than the stored count returns
// everything available (capped at HistoryLimit entries kept).
func (s *Store) History(agentID string, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.history[agentID]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}

	result := make([]Record, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(result) < limit; i-- {
		if record, exists := s.records[ids[i]]; exists {
			result = append(result, *record)
		}
	}
	return result
}

func (s *Store) appendHistoryLocked(agentID, commandID string) {
	ids := append(s.history[agentID], commandID)
	if len(ids) > HistoryLimit {
		evicted := ids[:len(ids)-HistoryLimit]
		ids = ids[len(ids)-HistoryLimit:]
		for _, evictedID := range evicted {
			// The backing record is dropped unconditionally: command ids
			// are unique per dispatch, so no other agent's history
			// references it.
			delete(s.records, evictedID)
		}
	}
	s.history[agentID] = ids
}

// Sweep removes every record whose TTL has elapsed and prunes them from
// the per-agent history index. The TTL runs from FinishedAt for
// completed and rejected records, since those must stay visible for at
// least the full TTL after finishing; a still-pending or running record
// has no FinishedAt yet, so its TTL runs from CreatedAt instead. Returns
// the number of records removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removedIDs := make(map[string]struct{})
	for id, record := range s.records {
		reference := record.CreatedAt
		if (record.State == StateCompleted || record.State == StateRejected) && !record.FinishedAt.IsZero() {
			reference = record.FinishedAt
		}
		if now.Sub(reference) > s.ttl {
			delete(s.records, id)
			removedIDs[id] = struct{}{}
		}
	}
	if len(removedIDs) == 0 {
		return 0
	}

	for agentID, ids := range s.history {
		kept := ids[:0:0]
		for _, id := range ids {
			if _, removed := removedIDs[id]; !removed {
				kept = append(kept, id)
			}
		}
		s.history[agentID] = kept
	}
	return len(removedIDs)
}

// RunSweeper blocks, calling Sweep every interval, until done is closed.
func (s *Store) RunSweeper(done <-chan struct{}, interval time.Duration, onSweep func(removed int)) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			removed := s.Sweep()
			if onSweep != nil && removed > 0 {
				onSweep(removed)
			}
		}
	}
}
