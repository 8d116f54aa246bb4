package htsp

import (
	"sync"

	"github.com/outofforest/htsp/wire"
)

// ResponseHandler receives the response correlated with a sent request.
// It is called on the distributor goroutine and must not block.
type ResponseHandler func(response *wire.Message)

type pendingEntry struct {
	handler ResponseHandler
}

type pendingTable struct {
	mu      sync.Mutex
	entries map[int32]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: map[int32]*pendingEntry{},
	}
}

// Evict drops the entry registered under seq. It returns true if a stale entry existed.
func (t *pendingTable) Evict(seq int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[seq]; exists {
		delete(t.entries, seq)
		return true
	}
	return false
}

// Register stores the handler under seq. The caller evicts stale entry first.
func (t *pendingTable) Register(seq int32, handler ResponseHandler) *pendingEntry {
	entry := &pendingEntry{handler: handler}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[seq] = entry
	return entry
}

// Take removes and returns the handler registered under seq.
func (t *pendingTable) Take(seq int32) (ResponseHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.entries[seq]
	if !exists {
		return nil, false
	}
	delete(t.entries, seq)
	return entry.handler, true
}

// Remove deletes the entry only if it is still the one registered under seq.
func (t *pendingTable) Remove(seq int32, entry *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[seq] != entry {
		return false
	}
	delete(t.entries, seq)
	return true
}

// Purge drops all entries and returns how many were abandoned.
func (t *pendingTable) Purge() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	t.entries = map[int32]*pendingEntry{}
	return n
}

// Len returns number of outstanding requests.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
