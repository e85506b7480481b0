// Package auditproof gives concrete shape to the Audit/Verifier external
// collaborators named in spec.md §1 and §3: a private/public Merkle
// commitment over a set of random challenge pre-images, built on
// gitlab.com/NebulousLabs/merkletree the same way the teacher's own
// crypto.MerkleRoot/BuildReaderProof/VerifyProof helpers do, just over
// leaves that are themselves challenge/response digests rather than file
// segments.
//
// A shard's AuditTree is built once, at store() time, over `audit_count`
// leaves. Leaf i commits to a random 32-byte pre-image and the shard bytes
// via leafHash(preimage, data); the renter keeps the pre-images (the
// PrivateRecord) and the farmer keeps only the resulting leaf digests and
// root (the PublicRecord) — the farmer can recompute a leaf's digest once
// it is handed the matching pre-image during an AUDIT round, but can
// never derive the pre-images on its own, which is exactly the
// private/public split spec.md §3 requires.
package auditproof

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
	"gitlab.com/NebulousLabs/merkletree"
)

// leafSize is the width, in bytes, of each value pushed into the tree: a
// sha256 digest.
const leafSize = sha256.Size

// ErrChallengesExhausted is returned by PrivateRecord.Next when every
// challenge has already been consumed.
var ErrChallengesExhausted = errors.New("no unused challenges remain")

// ErrLeafNotFound is returned by FindLeaf when a farmer's currently stored
// shard does not reproduce any leaf of the committed public record — the
// observable signature of a farmer that has discarded the shard.
var ErrLeafNotFound = errors.New("challenge response does not match any committed leaf")

// Hash is a 32-byte sha256 digest.
type Hash [sha256.Size]byte

// MarshalJSON hex-encodes the digest, letting any struct carrying a Hash
// field (Challenge, PublicRecord, PrivateRecord, Proof) travel over the
// wire or into persist.SaveJSON without a separate wire-canonical type.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h[:]))
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.AddContext(err, "invalid hash json")
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return errors.AddContext(err, "invalid hash hex")
	}
	if len(decoded) != sha256.Size {
		return errors.New("unexpected hash length")
	}
	copy(h[:], decoded)
	return nil
}

// Challenge pairs a random pre-image with the leaf digest it was
// committed to at build time (while the renter still held the shard
// data). Renter side only.
type Challenge struct {
	Preimage Hash
	Leaf     Hash
}

// PrivateRecord is retained by the renter: the tree's root/leaf count
// plus the remaining unused challenges, consumed front-to-back and never
// replayed (spec.md §3, §4.6).
type PrivateRecord struct {
	Root       Hash
	NumLeaves  uint64
	Challenges []Challenge
}

// Next pops the first unused challenge, mutating Challenges in place so
// that persisting PrivateRecord immediately after commits the consumption
// (spec.md §5: audit challenge consumption is atomic with its
// persistence).
func (p *PrivateRecord) Next() (Challenge, error) {
	if len(p.Challenges) == 0 {
		return Challenge{}, ErrChallengesExhausted
	}
	c := p.Challenges[0]
	p.Challenges = p.Challenges[1:]
	return c, nil
}

// Remaining reports how many challenges have not yet been consumed.
func (p *PrivateRecord) Remaining() int {
	return len(p.Challenges)
}

// PublicRecord is what the farmer stores: the Merkle root, the leaf
// count, and the concatenated leaf digests themselves (safe to reveal,
// since a leaf digest reveals nothing about its pre-image). LeafBlob is
// exactly NumLeaves*leafSize bytes and is read by merkletree's
// segment-oriented proof builder directly.
type PublicRecord struct {
	Root      Hash
	NumLeaves uint64
	LeafBlob  []byte
}

// Proof is the farmer's AUDIT response: the leaf it recomputed, the
// leaf's position, and the sibling digests merkletree.VerifyProof needs
// to fold back up to the root.
type Proof struct {
	Leaf     Hash
	Index    uint64
	Siblings [][]byte
}

// Build constructs a fresh AuditTree over data with numAudits
// challenge/response leaves.
func Build(data []byte, numAudits int) (PublicRecord, PrivateRecord, error) {
	if numAudits <= 0 {
		return PublicRecord{}, PrivateRecord{}, errors.New("numAudits must be positive")
	}
	tree := merkletree.New(sha256.New())
	challenges := make([]Challenge, numAudits)
	blob := make([]byte, 0, numAudits*leafSize)
	for i := range challenges {
		var preimage Hash
		fastrand.Read(preimage[:])
		leaf := leafHash(preimage, data)
		challenges[i] = Challenge{Preimage: preimage, Leaf: leaf}
		blob = append(blob, leaf[:]...)
		tree.Push(leaf[:])
	}
	var root Hash
	copy(root[:], tree.Root())
	pub := PublicRecord{Root: root, NumLeaves: uint64(numAudits), LeafBlob: blob}
	priv := PrivateRecord{Root: root, NumLeaves: uint64(numAudits), Challenges: challenges}
	return pub, priv, nil
}

// FindLeaf recomputes leafHash(preimage, data) and locates it among pub's
// committed leaves. The farmer calls this on receipt of an AUDIT
// challenge: success proves the farmer still holds data byte-identical to
// what was committed at store time; ErrLeafNotFound is what a farmer that
// silently discarded the shard (or corrupted it) will get back.
func FindLeaf(pub PublicRecord, preimage Hash, data []byte) (uint64, error) {
	want := leafHash(preimage, data)
	for i := uint64(0); i < pub.NumLeaves; i++ {
		offset := i * leafSize
		if bytes.Equal(pub.LeafBlob[offset:offset+leafSize], want[:]) {
			return i, nil
		}
	}
	return 0, ErrLeafNotFound
}

// BuildProof builds the sibling path for pub's leaf at index, the same
// way crypto.BuildReaderProof does in the teacher's codebase.
func BuildProof(pub PublicRecord, index uint64) (Proof, error) {
	if index >= pub.NumLeaves {
		return Proof{}, errors.New("leaf index out of range")
	}
	_, proofSet, numLeaves, err := merkletree.BuildReaderProof(bytes.NewReader(pub.LeafBlob), sha256.New(), leafSize, index)
	if err != nil {
		return Proof{}, errors.AddContext(err, "unable to build audit proof")
	}
	if numLeaves != pub.NumLeaves {
		return Proof{}, errors.New("audit proof leaf count mismatch")
	}
	var leaf Hash
	copy(leaf[:], proofSet[0])
	return Proof{Leaf: leaf, Index: index, Siblings: proofSet[1:]}, nil
}

// Verifier checks a Proof against a committed root/leaf-count, without
// needing either the shard data or the other N-1 leaf digests.
type Verifier struct {
	root      Hash
	numLeaves uint64
}

// NewVerifier builds a Verifier from a PrivateRecord's committed root and
// leaf count.
func NewVerifier(root Hash, numLeaves uint64) *Verifier {
	return &Verifier{root: root, numLeaves: numLeaves}
}

// Verify reports whether proof demonstrates that expectedLeaf (the leaf
// digest the renter committed to for this challenge) is included under
// the verifier's root at the position the proof claims.
func (v *Verifier) Verify(expectedLeaf Hash, proof Proof) bool {
	if proof.Leaf != expectedLeaf {
		return false
	}
	proofSet := make([][]byte, 0, len(proof.Siblings)+1)
	leafCopy := make([]byte, leafSize)
	copy(leafCopy, proof.Leaf[:])
	proofSet = append(proofSet, leafCopy)
	proofSet = append(proofSet, proof.Siblings...)
	return merkletree.VerifyProof(sha256.New(), v.root[:], proofSet, proof.Index, v.numLeaves)
}

func leafHash(preimage Hash, data []byte) Hash {
	h := sha256.New()
	h.Write(preimage[:])
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
