// Package overlay implements spec.md's `Overlay` external collaborator: a
// Kademlia-style k-bucket routing table and the iterative FIND_NODE lookup
// built on top of it. Overlay never dials a socket itself — the actual
// remote FIND_NODE call is supplied by the caller as a Prober, which in
// this module is backed by package transport's JSON-RPC client.
package overlay

import (
	"context"
	"sort"
	"sync"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
)

const (
	// BucketSize (k) bounds how many contacts a single bucket retains.
	BucketSize = 20
	// Alpha is the lookup's concurrency/fan-out parameter.
	Alpha = 3
	// numBits is the width of a NodeID in bits, one bucket per possible
	// common-prefix length.
	numBits = identity.IDLen * 8
	// maxLookupRounds bounds an iterative lookup so a pathological
	// network (or a buggy Prober) cannot spin it forever.
	maxLookupRounds = 20
)

// ErrNotFound is returned when a lookup or Connect cannot reach any
// candidate peer.
var ErrNotFound = errors.New("no reachable peers for lookup")

// Prober performs one remote FIND_NODE round trip: ask peer for the
// contacts nearest target that it knows about.
type Prober func(ctx context.Context, peer contact.Contact, target identity.NodeID) ([]contact.Contact, error)

type bucket struct {
	// contacts is ordered least-recently-seen first; Insert moves an
	// existing entry to the end.
	contacts []contact.Contact
}

// Overlay is the node's routing table plus iterative lookup.
type Overlay struct {
	self  identity.NodeID
	probe Prober

	mu      sync.Mutex
	buckets [numBits + 1]bucket
}

// New returns an Overlay rooted at self, using probe to perform remote
// FIND_NODE queries.
func New(self identity.NodeID, probe Prober) *Overlay {
	return &Overlay{self: self, probe: probe}
}

// commonPrefixLen returns the number of leading bits a and b share, 0..numBits.
func commonPrefixLen(a, b identity.NodeID) int {
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		lead := 0
		for x&0x80 == 0 {
			x <<= 1
			lead++
		}
		return i*8 + lead
	}
	return numBits
}

func (o *Overlay) bucketIndex(id identity.NodeID) int {
	return commonPrefixLen(o.self, id)
}

// Insert records or refreshes a contact in the routing table. A bucket at
// capacity evicts its least-recently-seen entry in favor of the new one;
// Overlay trusts that contacts reaching it via a successful probe or an
// authenticated inbound RPC are currently live.
func (o *Overlay) Insert(c contact.Contact) {
	if c.NodeID == o.self {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := o.bucketIndex(c.NodeID)
	b := &o.buckets[idx]
	for i, existing := range b.contacts {
		if existing.NodeID == c.NodeID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return
		}
	}
	if len(b.contacts) >= BucketSize {
		b.contacts = b.contacts[1:]
	}
	b.contacts = append(b.contacts, c)
}

// Closest returns up to count contacts from the local table ordered by
// ascending XOR distance to target.
func (o *Overlay) Closest(target identity.NodeID, count int) []contact.Contact {
	o.mu.Lock()
	all := make([]contact.Contact, 0, count*2)
	for i := range o.buckets {
		all = append(all, o.buckets[i].contacts...)
	}
	o.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return less(xorDistance(target, all[i].NodeID), xorDistance(target, all[j].NodeID))
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

func xorDistance(a, b identity.NodeID) identity.NodeID {
	var out identity.NodeID
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func less(a, b identity.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Connect bootstraps the routing table through seed, performing a
// FIND_NODE for our own node id so the seed's neighbours populate our
// buckets too (the standard Kademlia join procedure).
func (o *Overlay) Connect(ctx context.Context, seed contact.Contact) error {
	o.Insert(seed)
	found, err := o.probe(ctx, seed, o.self)
	if err != nil {
		return errors.AddContext(err, "unable to reach seed contact")
	}
	for _, c := range found {
		o.Insert(c)
	}
	return nil
}

// FindNode performs an iterative lookup for target, querying the Alpha
// closest known contacts at each round, merging in whatever they return,
// and stopping once a round fails to turn up anyone closer than what is
// already known (or after maxLookupRounds, as a hard backstop).
func (o *Overlay) FindNode(ctx context.Context, target identity.NodeID) ([]contact.Contact, error) {
	shortlist := o.Closest(target, BucketSize)
	if len(shortlist) == 0 {
		return nil, ErrNotFound
	}
	queried := make(map[identity.NodeID]bool)
	best := closestDistance(target, shortlist)

	for round := 0; round < maxLookupRounds; round++ {
		toQuery := nextBatch(shortlist, queried, Alpha)
		if len(toQuery) == 0 {
			break
		}
		progressed := false
		for _, peer := range toQuery {
			queried[peer.NodeID] = true
			results, err := o.probe(ctx, peer, target)
			if err != nil {
				continue
			}
			for _, c := range results {
				o.Insert(c)
				shortlist = mergeContact(shortlist, c)
			}
		}
		sort.Slice(shortlist, func(i, j int) bool {
			return less(xorDistance(target, shortlist[i].NodeID), xorDistance(target, shortlist[j].NodeID))
		})
		if len(shortlist) > BucketSize {
			shortlist = shortlist[:BucketSize]
		}
		newBest := closestDistance(target, shortlist)
		if less(newBest, best) {
			best = newBest
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if len(shortlist) == 0 {
		return nil, ErrNotFound
	}
	return shortlist, nil
}

// Lookup resolves target to a single Contact: an exact match in the local
// table if we have one, otherwise the closest result of FindNode.
func (o *Overlay) Lookup(ctx context.Context, target identity.NodeID) (contact.Contact, error) {
	for _, c := range o.Closest(target, BucketSize) {
		if c.NodeID == target {
			return c, nil
		}
	}
	results, err := o.FindNode(ctx, target)
	if err != nil {
		return contact.Contact{}, err
	}
	for _, c := range results {
		if c.NodeID == target {
			return c, nil
		}
	}
	return contact.Contact{}, ErrNotFound
}

func closestDistance(target identity.NodeID, contacts []contact.Contact) identity.NodeID {
	var best identity.NodeID
	for i := range best {
		best[i] = 0xFF
	}
	for _, c := range contacts {
		d := xorDistance(target, c.NodeID)
		if less(d, best) {
			best = d
		}
	}
	return best
}

func nextBatch(shortlist []contact.Contact, queried map[identity.NodeID]bool, n int) []contact.Contact {
	var out []contact.Contact
	for _, c := range shortlist {
		if queried[c.NodeID] {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}

func mergeContact(list []contact.Contact, c contact.Contact) []contact.Contact {
	for _, existing := range list {
		if existing.NodeID == c.NodeID {
			return list
		}
	}
	return append(list, c)
}
