package storagebackend

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/shardnet/shardd/auditproof"
	"gitlab.com/shardnet/shardd/contract"
	"gitlab.com/shardnet/shardd/identity"
)

func TestBlobStorePutGetDelete(t *testing.T) {
	bs, err := NewBlobStore(filepath.Join(t.TempDir(), "shards.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer bs.Close()

	var hash [20]byte
	hash[0] = 0xAB
	data := []byte("hello shard")

	if bs.Has(hash) {
		t.Fatal("expected hash to be absent initially")
	}
	if err := bs.Put(hash, data); err != nil {
		t.Fatal(err)
	}
	got, err := bs.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	if err := bs.Delete(hash); err != nil {
		t.Fatal(err)
	}
	if bs.Has(hash) {
		t.Fatal("expected hash to be absent after delete")
	}
	if _, err := bs.Get(hash); !isShardNotFound(err) {
		t.Fatalf("expected ErrShardNotFound, got %v", err)
	}
}

func isShardNotFound(err error) bool {
	return err != nil && err.Error() == ErrShardNotFound.Error()
}

func newTestItem(t *testing.T, farmer identity.NodeID) (StorageItem, auditproof.PublicRecord, auditproof.PrivateRecord) {
	t.Helper()
	data := []byte("shard payload")
	pub, priv, err := auditproof.Build(data, 3)
	if err != nil {
		t.Fatal(err)
	}
	renterKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	c := contract.Contract{
		RenterID:   renterKP.NodeID(),
		FarmerID:   farmer,
		DataSize:   uint64(len(data)),
		StoreBegin: time.Now(),
		StoreEnd:   time.Now().Add(time.Hour),
		AuditCount: 3,
	}
	item := *NewStorageItem([20]byte{0x11})
	item.Put(farmer, c, pub, priv, []byte("meta"))
	return item, pub, priv
}

func TestStorageItemJSONRoundTrip(t *testing.T) {
	farmerKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	item, pub, priv := newTestItem(t, farmerKP.NodeID())

	raw, err := item.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var roundTripped StorageItem
	if err := roundTripped.UnmarshalJSON(raw); err != nil {
		t.Fatal(err)
	}

	if roundTripped.ShardHash != item.ShardHash {
		t.Fatal("shard hash did not round-trip")
	}
	gotPub := roundTripped.Trees[farmerKP.NodeID()]
	if gotPub.Root != pub.Root || gotPub.NumLeaves != pub.NumLeaves || !bytes.Equal(gotPub.LeafBlob, pub.LeafBlob) {
		t.Fatal("public audit record did not round-trip")
	}
	gotPriv := roundTripped.Challenges[farmerKP.NodeID()]
	if gotPriv.Root != priv.Root || len(gotPriv.Challenges) != len(priv.Challenges) {
		t.Fatal("private audit record did not round-trip")
	}
}

func TestItemStoreMutateAndView(t *testing.T) {
	store, err := NewItemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var shardHash [20]byte
	shardHash[0] = 0x77

	farmerKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	_, pub, priv := newTestItem(t, farmerKP.NodeID())

	err = store.Mutate(shardHash, func(item *StorageItem) error {
		item.Put(farmerKP.NodeID(), contract.Contract{FarmerID: farmerKP.NodeID()}, pub, priv, nil)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !store.Exists(shardHash) {
		t.Fatal("expected item to be persisted")
	}

	var sawNumLeaves uint64
	err = store.View(shardHash, func(item *StorageItem) error {
		sawNumLeaves = item.Trees[farmerKP.NodeID()].NumLeaves
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if sawNumLeaves != pub.NumLeaves {
		t.Fatalf("got %d leaves, want %d", sawNumLeaves, pub.NumLeaves)
	}
}

func TestPopChallengeCommitsBeforeReturning(t *testing.T) {
	store, err := NewItemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var shardHash [20]byte
	shardHash[0] = 0x99

	farmerKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	_, pub, priv := newTestItem(t, farmerKP.NodeID())
	remaining := priv.Remaining()

	err = store.Mutate(shardHash, func(item *StorageItem) error {
		item.Put(farmerKP.NodeID(), contract.Contract{FarmerID: farmerKP.NodeID()}, pub, priv, nil)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	popped, gotPub, err := store.PopChallenge(shardHash, farmerKP.NodeID())
	if err != nil {
		t.Fatal(err)
	}
	if gotPub.Root != pub.Root {
		t.Fatal("PopChallenge returned the wrong public record")
	}
	if popped != priv.Challenges[0] {
		t.Fatal("PopChallenge did not return the first unused challenge")
	}

	var sawRemaining int
	err = store.View(shardHash, func(item *StorageItem) error {
		sawRemaining = item.Challenges[farmerKP.NodeID()].Remaining()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if sawRemaining != remaining-1 {
		t.Fatalf("expected %d remaining challenges on disk, got %d", remaining-1, sawRemaining)
	}
}

func TestPopChallengeUnknownFarmer(t *testing.T) {
	store, err := NewItemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var shardHash [20]byte
	shardHash[0] = 0x55
	farmerKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	_, pub, priv := newTestItem(t, farmerKP.NodeID())
	if err := store.Mutate(shardHash, func(item *StorageItem) error {
		item.Put(farmerKP.NodeID(), contract.Contract{FarmerID: farmerKP.NodeID()}, pub, priv, nil)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	otherKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.PopChallenge(shardHash, otherKP.NodeID()); err == nil {
		t.Fatal("expected ErrFarmerNotFound for an unrecorded farmer")
	}
}

func TestDefaultFarmerSelectorDeterministic(t *testing.T) {
	item := NewStorageItem([20]byte{0x01})
	idA, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	idB, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	item.Contracts[idA.NodeID()] = contract.Contract{}
	item.Contracts[idB.NodeID()] = contract.Contract{}

	first, ok := DefaultFarmerSelector(item)
	if !ok {
		t.Fatal("expected a farmer to be selected")
	}
	second, ok := DefaultFarmerSelector(item)
	if !ok || second != first {
		t.Fatal("expected DefaultFarmerSelector to be deterministic across calls")
	}
}
