// Package pending implements component C4, the PendingTable: a map from
// shard hash to a continuation that fires when the first OFFER for that
// shard arrives. spec.md's REDESIGN FLAGS call out the source's
// function-valued map and ask for a typed continuation object with an
// explicit deadline instead, which is what Entry is.
package pending

import (
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/contract"
)

// OnOffer is invoked with the offering farmer's Contact and its submitted
// Contract once a matching OFFER is taken from the table. offered is a
// pointer so the continuation can countersign it in place (spec.md §4.5:
// the OFFER response carries the renter's countersigned contract back to
// the farmer in the same round trip the continuation runs in). It runs
// with the entry already removed, so handlers are free to re-Insert (e.g.
// to wait for a second offer) without racing their own continuation.
type OnOffer func(contact.Contact, *contract.Contract) error

// Entry is a single pending continuation: who we expect an offer from (in
// the sense of "any offer for this shard", not a specific farmer), the
// callback to invoke, and the deadline past which Expire will drop it
// unfired.
type Entry struct {
	ShardHash [20]byte
	OnOffer   OnOffer
	Deadline  time.Time
}

// Table is the renter-side store of outstanding published contracts
// awaiting their first OFFER.
type Table struct {
	mu      sync.Mutex
	entries map[[20]byte]Entry

	taken   uint64
	expired uint64
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[[20]byte]Entry)}
}

// Insert registers a continuation for shardHash, valid until now+timeout.
// A pre-existing entry for the same shard hash is replaced.
func (t *Table) Insert(shardHash [20]byte, onOffer OnOffer, now time.Time, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[shardHash] = Entry{
		ShardHash: shardHash,
		OnOffer:   onOffer,
		Deadline:  now.Add(timeout),
	}
}

// Take removes and returns the entry for shardHash, if present. The first
// OFFER to arrive for a shard wins; a caller that receives ok=false should
// treat the OFFER as unsolicited or too late.
func (t *Table) Take(shardHash [20]byte) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[shardHash]
	if !ok {
		return Entry{}, false
	}
	delete(t.entries, shardHash)
	atomic.AddUint64(&t.taken, 1)
	return e, true
}

// Expire removes every entry whose deadline is at or before now and
// returns their shard hashes, so the caller can log or react to offers
// that never arrived in time.
func (t *Table) Expire(now time.Time) [][20]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired [][20]byte
	for hash, e := range t.entries {
		if !e.Deadline.After(now) {
			expired = append(expired, hash)
			delete(t.entries, hash)
		}
	}
	atomic.AddUint64(&t.expired, uint64(len(expired)))
	return expired
}

// Len reports how many continuations are currently pending.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats reports cumulative counts of taken and expired entries, for
// exposing alongside the node's other metrics.
func (t *Table) Stats() (taken, expired uint64) {
	return atomic.LoadUint64(&t.taken), atomic.LoadUint64(&t.expired)
}
