// Package storagebackend gives concrete shape to spec.md's StorageBackend
// external collaborator and the renter-side StorageItem it persists
// (spec.md §3, §6): a bolt-indexed blob store for raw shard bytes, keyed the
// same way the teacher's consensus database keys its buckets
// (tx.Bucket/Put/Get/Delete), plus a per-shard JSON file store for the
// {contracts, trees, challenges, meta} maps under datadir/items/, guarded by
// a per-shard DemoteMutex: View takes the shared lock, while Mutate and
// PopChallenge (one per audit) take the exclusive lock.
package storagebackend

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/shardnet/shardd/auditproof"
	"gitlab.com/shardnet/shardd/contract"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/persist"
)

var shardsBucket = []byte("shards")

var (
	// ErrShardNotFound is returned by BlobStore.Get for a hash with no
	// stored bytes.
	ErrShardNotFound = errors.New("shard not stored")
	// ErrItemNotFound is returned when no StorageItem has been persisted
	// for a given shard hash.
	ErrItemNotFound = errors.New("storage item not found")
	// ErrFarmerNotFound is returned when a StorageItem exists but carries
	// no record for the requested farmer.
	ErrFarmerNotFound = errors.New("no record for that farmer under this shard")
)

// BlobStore is the farmer-side per-shard blob store: raw shard bytes indexed
// by data hash in a single bolt database.
type BlobStore struct {
	db *bolt.DB
}

// NewBlobStore opens (creating if necessary) a bolt database at path.
func NewBlobStore(path string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create blob store directory")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.AddContext(err, "unable to open blob store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(shardsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "unable to initialize blob store bucket")
	}
	return &BlobStore{db: db}, nil
}

// Put stores data under hash, overwriting any prior bytes — CONSIGN for a
// duplicate (renter, shard) pair is idempotent (spec.md §4.5).
func (s *BlobStore) Put(hash [20]byte, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shardsBucket).Put(hash[:], cp)
	})
}

// Get returns the bytes stored under hash, or ErrShardNotFound.
func (s *BlobStore) Get(hash [20]byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(shardsBucket).Get(hash[:])
		if v == nil {
			return ErrShardNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes hash's bytes, if any. Used by tests and operators
// simulating a farmer that has discarded a shard (spec.md §8 S4).
func (s *BlobStore) Delete(hash [20]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shardsBucket).Delete(hash[:])
	})
}

// Has reports whether hash currently has bytes stored.
func (s *BlobStore) Has(hash [20]byte) bool {
	_, err := s.Get(hash)
	return err == nil
}

// Close releases the underlying database handle.
func (s *BlobStore) Close() error {
	return s.db.Close()
}

// FarmerSelector picks which of a StorageItem's farmers to act against for
// retrieve/audit. The source picks `Object.keys(item.contracts)[0]` with an
// acknowledged TODO for multi-replica policy (spec.md §9); SPEC_FULL makes
// the policy a first-class, replaceable hook instead of iteration order
// over a map.
type FarmerSelector func(item *StorageItem) (identity.NodeID, bool)

// DefaultFarmerSelector picks the lexicographically-first NodeID (by hex
// string), giving a deterministic, restart-stable choice.
func DefaultFarmerSelector(item *StorageItem) (identity.NodeID, bool) {
	found := false
	var best identity.NodeID
	for id := range item.Contracts {
		if !found || id.String() < best.String() {
			best = id
			found = true
		}
	}
	return best, found
}

// StorageItem is the renter-side per-shard record (spec.md §3): one entry
// per farmer holding a replica, keyed identically across all four maps.
type StorageItem struct {
	ShardHash  [20]byte
	Contracts  map[identity.NodeID]contract.Contract
	Trees      map[identity.NodeID]auditproof.PublicRecord
	Challenges map[identity.NodeID]auditproof.PrivateRecord
	Meta       map[identity.NodeID][]byte
}

// NewStorageItem returns an empty StorageItem for shardHash.
func NewStorageItem(shardHash [20]byte) *StorageItem {
	return &StorageItem{
		ShardHash:  shardHash,
		Contracts:  make(map[identity.NodeID]contract.Contract),
		Trees:      make(map[identity.NodeID]auditproof.PublicRecord),
		Challenges: make(map[identity.NodeID]auditproof.PrivateRecord),
		Meta:       make(map[identity.NodeID][]byte),
	}
}

// Put records farmer's contract, audit trees, and opaque metadata under
// farmer's node id, keeping all four maps' key sets identical (spec.md §3
// invariant).
func (item *StorageItem) Put(farmer identity.NodeID, c contract.Contract, pub auditproof.PublicRecord, priv auditproof.PrivateRecord, meta []byte) {
	item.Contracts[farmer] = c
	item.Trees[farmer] = pub
	item.Challenges[farmer] = priv
	item.Meta[farmer] = meta
}

// itemCanonical is StorageItem's JSON wire/persistence form: NodeID map
// keys become hex strings (identity.NodeID is not itself a valid JSON map
// key type), the same boundary-conversion idiom package contract uses for
// its own canonical form. auditproof's Hash fields already marshal to hex
// on their own (see auditproof.Hash.MarshalJSON), so PublicRecord and
// PrivateRecord need no wire-specific mirror type here.
type itemCanonical struct {
	ShardHash  string                              `json:"shard_hash"`
	Contracts  map[string]contract.Canonical       `json:"contracts"`
	Trees      map[string]auditproof.PublicRecord  `json:"trees"`
	Challenges map[string]auditproof.PrivateRecord `json:"challenges"`
	Meta       map[string]string                   `json:"meta"`
}

// MarshalJSON implements json.Marshaler so a StorageItem can be handed
// directly to persist.SaveJSON.
func (item *StorageItem) MarshalJSON() ([]byte, error) {
	canon := itemCanonical{
		ShardHash:  hex.EncodeToString(item.ShardHash[:]),
		Contracts:  make(map[string]contract.Canonical, len(item.Contracts)),
		Trees:      make(map[string]auditproof.PublicRecord, len(item.Trees)),
		Challenges: make(map[string]auditproof.PrivateRecord, len(item.Challenges)),
		Meta:       make(map[string]string, len(item.Meta)),
	}
	for id, c := range item.Contracts {
		c := c
		canon.Contracts[id.String()] = c.ToCanonical()
	}
	for id, pub := range item.Trees {
		canon.Trees[id.String()] = pub
	}
	for id, priv := range item.Challenges {
		canon.Challenges[id.String()] = priv
	}
	for id, meta := range item.Meta {
		canon.Meta[id.String()] = hex.EncodeToString(meta)
	}
	return json.Marshal(canon)
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (item *StorageItem) UnmarshalJSON(b []byte) error {
	var canon itemCanonical
	if err := json.Unmarshal(b, &canon); err != nil {
		return errors.AddContext(err, "unable to decode storage item")
	}
	shardHash, err := hexDecodeFixed(canon.ShardHash, 20)
	if err != nil {
		return errors.AddContext(err, "invalid shard_hash")
	}
	copy(item.ShardHash[:], shardHash)

	item.Contracts = make(map[identity.NodeID]contract.Contract, len(canon.Contracts))
	for idHex, cc := range canon.Contracts {
		id, err := identity.NodeIDFromString(idHex)
		if err != nil {
			return errors.AddContext(err, "invalid node id in contracts map")
		}
		c, err := contract.FromCanonical(cc)
		if err != nil {
			return errors.AddContext(err, "invalid contract for farmer "+idHex)
		}
		item.Contracts[id] = *c
	}

	item.Trees = make(map[identity.NodeID]auditproof.PublicRecord, len(canon.Trees))
	for idHex, pub := range canon.Trees {
		id, err := identity.NodeIDFromString(idHex)
		if err != nil {
			return errors.AddContext(err, "invalid node id in trees map")
		}
		item.Trees[id] = pub
	}

	item.Challenges = make(map[identity.NodeID]auditproof.PrivateRecord, len(canon.Challenges))
	for idHex, priv := range canon.Challenges {
		id, err := identity.NodeIDFromString(idHex)
		if err != nil {
			return errors.AddContext(err, "invalid node id in challenges map")
		}
		item.Challenges[id] = priv
	}

	item.Meta = make(map[identity.NodeID][]byte, len(canon.Meta))
	for idHex, metaHex := range canon.Meta {
		id, err := identity.NodeIDFromString(idHex)
		if err != nil {
			return errors.AddContext(err, "invalid node id in meta map")
		}
		meta, err := hex.DecodeString(metaHex)
		if err != nil {
			return errors.AddContext(err, "invalid meta hex")
		}
		item.Meta[id] = meta
	}
	return nil
}

func hexDecodeFixed(s string, expectLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.AddContext(err, "invalid hex string")
	}
	if len(b) != expectLen {
		return nil, errors.New("unexpected hex length")
	}
	return b, nil
}

// itemMetadata tags every persisted StorageItem file (spec.md §6: "under
// datadir/items/, one file per shard_hash").
var itemMetadata = persist.Metadata{Header: "shardnet storage item", Version: "1.0"}

// ItemStore persists StorageItems one JSON file per shard hash under dir,
// serializing access per shard hash with a DemoteMutex: View readers share
// the lock, while writers (store/consign through Mutate, and every audit
// through PopChallenge) hold it exclusively.
type ItemStore struct {
	dir string

	mu    sync.Mutex
	locks map[[20]byte]*demotemutex.DemoteMutex
}

// NewItemStore returns an ItemStore rooted at dir, creating it if absent.
func NewItemStore(dir string) (*ItemStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create storage item directory")
	}
	return &ItemStore{dir: dir, locks: make(map[[20]byte]*demotemutex.DemoteMutex)}, nil
}

func (s *ItemStore) lockFor(shardHash [20]byte) *demotemutex.DemoteMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[shardHash]
	if !ok {
		l = &demotemutex.DemoteMutex{}
		s.locks[shardHash] = l
	}
	return l
}

func (s *ItemStore) path(shardHash [20]byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(shardHash[:])+".json")
}

func (s *ItemStore) loadLocked(shardHash [20]byte) (*StorageItem, error) {
	path := s.path(shardHash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrItemNotFound
	}
	item := NewStorageItem(shardHash)
	if err := persist.LoadJSON(itemMetadata, item, path); err != nil {
		return nil, errors.AddContext(err, "unable to load storage item")
	}
	return item, nil
}

func (s *ItemStore) saveLocked(item *StorageItem) error {
	return errors.AddContext(persist.SaveJSON(itemMetadata, item, s.path(item.ShardHash)), "unable to persist storage item")
}

// View loads shardHash's StorageItem under a shared lock and passes it to fn
// without persisting afterward — the read path for retrieve/lookup.
func (s *ItemStore) View(shardHash [20]byte, fn func(item *StorageItem) error) error {
	lock := s.lockFor(shardHash)
	lock.RLock()
	defer lock.RUnlock()
	item, err := s.loadLocked(shardHash)
	if err != nil {
		return err
	}
	return fn(item)
}

// Mutate loads shardHash's StorageItem (creating an empty one if none is
// persisted yet), runs fn under an exclusive lock, and persists the result
// if fn returns nil. Used by OFFER/CONSIGN handling to record a new farmer
// replica.
func (s *ItemStore) Mutate(shardHash [20]byte, fn func(item *StorageItem) error) error {
	lock := s.lockFor(shardHash)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.loadLocked(shardHash)
	if err != nil {
		if !errors.Contains(err, ErrItemNotFound) {
			return err
		}
		item = NewStorageItem(shardHash)
	}
	if err := fn(item); err != nil {
		return err
	}
	return s.saveLocked(item)
}

// PopChallenge atomically pops the next unused audit challenge for farmer
// under shardHash and commits the updated challenge list to disk before
// returning (spec.md §4.6, §5: "consumption is committed to disk before the
// verdict is reported, so a crash-restart does not reuse a revealed
// challenge"). Callers perform the AUDIT round trip and proof verification
// only after this call returns successfully.
func (s *ItemStore) PopChallenge(shardHash [20]byte, farmer identity.NodeID) (auditproof.Challenge, auditproof.PublicRecord, error) {
	var popped auditproof.Challenge
	var pub auditproof.PublicRecord
	err := s.Mutate(shardHash, func(item *StorageItem) error {
		priv, ok := item.Challenges[farmer]
		if !ok {
			return ErrFarmerNotFound
		}
		p, ok := item.Trees[farmer]
		if !ok {
			return ErrFarmerNotFound
		}
		c, err := priv.Next()
		if err != nil {
			return err
		}
		item.Challenges[farmer] = priv
		popped = c
		pub = p
		return nil
	})
	return popped, pub, err
}

// Exists reports whether a StorageItem is persisted for shardHash.
func (s *ItemStore) Exists(shardHash [20]byte) bool {
	_, err := os.Stat(s.path(shardHash))
	return err == nil
}
