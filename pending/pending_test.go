package pending

import (
	"testing"
	"time"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/contract"
	"gitlab.com/shardnet/shardd/identity"
)

func TestTakeFiresOnce(t *testing.T) {
	table := New()
	var shardHash [20]byte
	shardHash[0] = 0x42

	fired := 0
	var gotContact contact.Contact
	kp, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	expected := contact.Contact{Scheme: "shard", Address: "10.0.0.1", Port: 4000, NodeID: kp.NodeID()}
	expectedOffer := contract.Contract{DataSize: 42}

	table.Insert(shardHash, func(c contact.Contact, offered *contract.Contract) error {
		fired++
		gotContact = c
		if offered.DataSize != expectedOffer.DataSize {
			t.Errorf("got offered contract %+v, want %+v", offered, expectedOffer)
		}
		return nil
	}, time.Now(), time.Minute)

	entry, ok := table.Take(shardHash)
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if err := entry.OnOffer(expected, &expectedOffer); err != nil {
		t.Fatal(err)
	}
	if fired != 1 || gotContact != expected {
		t.Fatalf("continuation did not fire as expected: fired=%d contact=%+v", fired, gotContact)
	}

	if _, ok := table.Take(shardHash); ok {
		t.Fatal("expected second Take to find nothing")
	}
}

func TestExpirePurgesStaleEntries(t *testing.T) {
	table := New()
	var a, b [20]byte
	a[0], b[0] = 1, 2

	base := time.Now()
	table.Insert(a, func(contact.Contact, *contract.Contract) error { return nil }, base, time.Second)
	table.Insert(b, func(contact.Contact, *contract.Contract) error { return nil }, base, time.Hour)

	expired := table.Expire(base.Add(2 * time.Second))
	if len(expired) != 1 || expired[0] != a {
		t.Fatalf("expected only shard a to expire, got %v", expired)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", table.Len())
	}
	if _, expiredCount := table.Stats(); expiredCount != 1 {
		t.Fatalf("expected expired stat of 1, got %d", expiredCount)
	}
}
