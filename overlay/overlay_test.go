package overlay

import (
	"context"
	"testing"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
)

func contactWithID(b byte) contact.Contact {
	var id identity.NodeID
	id[19] = b
	return contact.Contact{Scheme: "shard", Address: "127.0.0.1", Port: 4000, NodeID: id}
}

func TestClosestOrdersByXORDistance(t *testing.T) {
	var self identity.NodeID // zero
	o := New(self, nil)

	near := contactWithID(0x01)  // small XOR distance to self
	mid := contactWithID(0x10)
	far := contactWithID(0xF0)

	o.Insert(far)
	o.Insert(near)
	o.Insert(mid)

	closest := o.Closest(self, 3)
	if len(closest) != 3 {
		t.Fatalf("expected 3 contacts, got %d", len(closest))
	}
	if closest[0].NodeID != near.NodeID {
		t.Fatalf("expected nearest contact first, got %+v", closest[0])
	}
	if closest[2].NodeID != far.NodeID {
		t.Fatalf("expected farthest contact last, got %+v", closest[2])
	}
}

func TestBucketEvictsLeastRecentlySeen(t *testing.T) {
	var self identity.NodeID
	o := New(self, nil)

	// Every id in [128,256) shares the same common-prefix length against
	// a zero self id, so they all land in the same bucket.
	var first contact.Contact
	for i := 0; i < BucketSize; i++ {
		c := contactWithID(byte(128 + i))
		if i == 0 {
			first = c
		}
		o.Insert(c)
	}
	// One more push should evict the least-recently-seen (first) entry.
	overflow := contactWithID(200)
	o.Insert(overflow)

	closest := o.Closest(self, BucketSize+1)
	for _, c := range closest {
		if c.NodeID == first.NodeID {
			t.Fatal("expected least-recently-seen entry to be evicted")
		}
	}
	found := false
	for _, c := range closest {
		if c.NodeID == overflow.NodeID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected newly inserted contact to be present")
	}
}

func TestFindNodeConverges(t *testing.T) {
	var selfA, selfB, selfC, target identity.NodeID
	// Chosen so XOR distance to target strictly decreases a -> b -> c,
	// matching how a real iterative lookup is expected to converge.
	selfA[19], selfB[19], selfC[19], target[19] = 7, 3, 1, 0

	cA := contact.Contact{Scheme: "shard", Address: "a", Port: 1, NodeID: selfA}
	cB := contact.Contact{Scheme: "shard", Address: "b", Port: 1, NodeID: selfB}
	cC := contact.Contact{Scheme: "shard", Address: "c", Port: 1, NodeID: selfC}
	cTarget := contact.Contact{Scheme: "shard", Address: "t", Port: 1, NodeID: target}

	registry := map[identity.NodeID]*Overlay{}
	probe := func(ctx context.Context, peer contact.Contact, want identity.NodeID) ([]contact.Contact, error) {
		remote, ok := registry[peer.NodeID]
		if !ok {
			return nil, ErrNotFound
		}
		return remote.Closest(want, BucketSize), nil
	}

	a := New(selfA, probe)
	b := New(selfB, probe)
	c := New(selfC, probe)
	registry[selfA] = a
	registry[selfB] = b
	registry[selfC] = c

	// a only knows b directly; b knows c; c knows the target.
	a.Insert(cB)
	b.Insert(cC)
	c.Insert(cTarget)

	found, err := a.Lookup(context.Background(), target)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if found.NodeID != target {
		t.Fatalf("expected to resolve target contact, got %+v", found)
	}
	_ = cA
}
