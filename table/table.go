// Package table correlates queries forwarded over the shared upstream
// connection with the clients waiting for them.
//
// Every pending query owns a 16-bit correlation key that replaces the
// client's transaction ID on the wire, so clients choosing the same ID never
// collide. Keys index a fixed arena of 65536 slots; a cursor advances over
// the key space with wraparound and skips live keys. A single mutex guards
// the arena, which makes every operation atomic with respect to the
// listener, the upstream read loop and the sweeper: a key is removed exactly
// once, by whichever of them gets there first.
package table

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/treemana/dotproxy/frame"
	"github.com/treemana/dotproxy/model"
)

// Size is the number of correlation keys.
const Size = 1 << 16

var ErrTableExhausted = errors.New("correlation table exhausted")

type Table struct {
	mu    sync.Mutex
	slots [Size]*model.PendingQuery
	next  uint16
	count int
	lost  uint64 // highest reclaimed generation

	timeout time.Duration
}

// New returns an empty table evicting entries older than timeout.
func New(timeout time.Duration) *Table {
	return &Table{timeout: timeout}
}

// Timeout is the age after which Expire evicts an entry.
func (t *Table) Timeout() time.Duration {
	return t.timeout
}

// Insert allocates a key for query, rewrites the ID field of query to that
// key in place and records the client's original ID. The table keeps query.
func (t *Table) Insert(query []byte, client netip.AddrPort, now time.Time) (model.PendingQuery, error) {
	originalID, err := frame.ID(query)
	if err != nil {
		return model.PendingQuery{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == Size {
		return model.PendingQuery{}, ErrTableExhausted
	}

	// count < Size guarantees a free slot within one lap
	key := t.next
	for t.slots[key] != nil {
		key++
	}
	t.next = key + 1

	_ = frame.SetID(query, key)
	pq := &model.PendingQuery{
		Key:        key,
		OriginalID: originalID,
		ClientAddr: client,
		CreatedAt:  now,
		Query:      query,
	}
	t.slots[key] = pq
	t.count++

	return *pq, nil
}

// Remove atomically takes the entry for key out of the table.
func (t *Table) Remove(key uint16) (model.PendingQuery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq := t.slots[key]
	if pq == nil {
		return model.PendingQuery{}, false
	}

	t.slots[key] = nil
	t.count--
	return *pq, true
}

func (t *Table) Contains(key uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.slots[key] != nil
}

// Bind records the connection generation a live entry was written to.
// ok is false when the entry is already gone. lost is true when generation
// was reclaimed already, the entry then stays unsent.
func (t *Table) Bind(key uint16, generation uint64) (ok, lost bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq := t.slots[key]
	if pq == nil {
		return false, false
	}

	if generation <= t.lost {
		return true, true
	}

	pq.Generation = generation
	return true, false
}

// Expire removes and returns every entry older than the table timeout.
func (t *Table) Expire(now time.Time) []model.PendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return nil
	}

	var expired []model.PendingQuery
	for k, pq := range t.slots[:] {
		if pq == nil || !pq.Expired(now, t.timeout) {
			continue
		}

		expired = append(expired, *pq)
		t.slots[k] = nil
		t.count--
	}

	return expired
}

// Reclaim returns the entries written to connection generations up to and
// including generation and marks them unsent. Entries stay in the table.
// Later binds to those generations report them lost.
func (t *Table) Reclaim(generation uint64) []model.PendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()

	if generation > t.lost {
		t.lost = generation
	}

	var reclaimed []model.PendingQuery
	for _, pq := range t.slots[:] {
		if pq == nil || pq.Generation == 0 || pq.Generation > generation {
			continue
		}

		pq.Generation = 0
		reclaimed = append(reclaimed, *pq)
	}

	return reclaimed
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.count
}
